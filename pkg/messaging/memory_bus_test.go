package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var got []byte
	_, err := bus.Subscribe(ctx, "hsp/task/+/result", func(topic string, payload []byte) {
		got = payload
	})
	require.NoError(t, err)

	err = bus.Publish(ctx, "hsp/task/abc/result", []byte("payload"), QoSAtLeastOnce)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestMemoryBusWildcardSuffix(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	count := 0
	_, err := bus.Subscribe(ctx, "hsp/#", func(topic string, payload []byte) {
		count++
	})
	require.NoError(t, err)

	_ = bus.Publish(ctx, "hsp/task/1/result", nil, QoSAtMostOnce)
	_ = bus.Publish(ctx, "hsp/cap/advertise", nil, QoSAtMostOnce)
	_ = bus.Publish(ctx, "other/topic", nil, QoSAtMostOnce)

	assert.Equal(t, 2, count)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	count := 0
	sub, err := bus.Subscribe(ctx, "topic", func(topic string, payload []byte) { count++ })
	require.NoError(t, err)

	_ = bus.Publish(ctx, "topic", nil, QoSAtMostOnce)
	require.NoError(t, sub.Unsubscribe())
	_ = bus.Publish(ctx, "topic", nil, QoSAtMostOnce)

	assert.Equal(t, 1, count)
}

func TestMemoryBusConnectedAlwaysTrue(t *testing.T) {
	bus := NewMemoryBus()
	assert.True(t, bus.Connected())
	require.NoError(t, bus.Close())
}
