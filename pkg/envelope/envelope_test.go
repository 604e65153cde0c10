package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndMarshalRoundTrip(t *testing.T) {
	env, err := New("peerA", "peerB", TaskRequest, "corr-1", QoSParameters{RequiresAck: true, Priority: PriorityNormal},
		"hsp://schemas/task_request", TaskRequestPayload{RequestID: "r1", CapabilityID: "cap:x"})
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, Version, got.HSPEnvelopeVersion)
	assert.Equal(t, TaskRequest, got.MessageType)
	require.NotNil(t, got.CorrelationID)
	assert.Equal(t, "corr-1", *got.CorrelationID)

	var payload TaskRequestPayload
	require.NoError(t, got.DecodePayload(&payload))
	assert.Equal(t, "cap:x", payload.CapabilityID)
}

func TestNewWithoutCorrelationIDLeavesNilPointer(t *testing.T) {
	env, err := New("peerA", "broadcast", Fact, "", QoSParameters{}, "hsp://schemas/fact", FactPayload{ID: "f1"})
	require.NoError(t, err)
	assert.Nil(t, env.CorrelationID)
}

func TestCorrelationTableInsertResolveForget(t *testing.T) {
	tbl := NewCorrelationTable()
	deadline := time.Now().Add(time.Minute)
	tbl.Insert("corr-1", "task-1", "step-1", deadline)

	entry, ok := tbl.Resolve("corr-1")
	require.True(t, ok)
	assert.Equal(t, "task-1", entry.TaskID)

	tbl.Forget("corr-1")
	_, ok = tbl.Resolve("corr-1")
	assert.False(t, ok)
}

func TestCorrelationTableExpireBeforeOnlyReturnsPastDeadlines(t *testing.T) {
	tbl := NewCorrelationTable()
	now := time.Now()
	tbl.Insert("past", "task-1", "step-1", now.Add(-time.Second))
	tbl.Insert("future", "task-1", "step-2", now.Add(time.Hour))

	expired := tbl.ExpireBefore(now)
	assert.Len(t, expired, 1)
	_, stillPresent := expired["future"]
	assert.False(t, stillPresent)

	_, ok := tbl.Resolve("past")
	assert.False(t, ok, "expired entry must be forgotten")
	_, ok = tbl.Resolve("future")
	assert.True(t, ok)
}

func TestCorrelationTableLateArrivalForForgottenIDIsDiscardable(t *testing.T) {
	tbl := NewCorrelationTable()
	tbl.Insert("corr-1", "task-1", "step-1", time.Now().Add(time.Minute))
	tbl.Forget("corr-1")
	tbl.Insert("corr-2", "task-1", "step-1", time.Now().Add(time.Minute))

	_, ok := tbl.Resolve("corr-1")
	assert.False(t, ok, "retry must not resurrect the old correlation id")
	_, ok = tbl.Resolve("corr-2")
	assert.True(t, ok)
}

func TestPendingAckTableResendThenDeliveryFailed(t *testing.T) {
	tbl := NewPendingAckTable()
	resends := 0
	failed := false

	tbl.Track("msg-1", time.Now().Add(-time.Millisecond), func() error {
		resends++
		return nil
	}, func(messageID string) {
		failed = true
	})

	tbl.Sweep(time.Now(), time.Millisecond)
	assert.Equal(t, 1, resends)
	assert.False(t, failed)
	assert.Equal(t, 1, tbl.Len())

	tbl.Sweep(time.Now().Add(time.Second), time.Millisecond)
	assert.True(t, failed)
	assert.Equal(t, 0, tbl.Len())
}

func TestPendingAckTableAckClearsBeforeSweep(t *testing.T) {
	tbl := NewPendingAckTable()
	tbl.Track("msg-1", time.Now().Add(time.Minute), nil, nil)
	assert.True(t, tbl.Ack("msg-1"))
	assert.Equal(t, 0, tbl.Len())
	assert.False(t, tbl.Ack("msg-1"))
}
