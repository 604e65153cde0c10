package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindByIDUnambiguous(t *testing.T) {
	r := New(time.Minute, nil)
	r.Register(Advertisement{CapabilityID: "cap:summarize", AIID: "peer1", Version: "1.0.0"})

	ad, err := r.FindByID("cap:summarize")
	require.NoError(t, err)
	assert.Equal(t, "peer1", ad.AIID)

	_, err = r.FindByID("cap:missing")
	assert.Error(t, err)
}

func TestResolveTargetPicksHighestVersionThenEarliest(t *testing.T) {
	r := New(time.Minute, nil)
	r.Register(Advertisement{CapabilityID: "cap:x", AIID: "peerA", Version: "1.0.0"})
	time.Sleep(2 * time.Millisecond)
	r.Register(Advertisement{CapabilityID: "cap:x", AIID: "peerB", Version: "2.0.0"})
	time.Sleep(2 * time.Millisecond)
	r.Register(Advertisement{CapabilityID: "cap:x", AIID: "peerC", Version: "2.0.0"})

	ad, err := r.ResolveTarget("cap:x")
	require.NoError(t, err)
	assert.Equal(t, "peerB", ad.AIID, "highest version wins, earliest received breaks ties")
}

func TestSweepMarksStaleOffline(t *testing.T) {
	r := New(10*time.Millisecond, nil)
	r.Register(Advertisement{CapabilityID: "cap:y", AIID: "peer1", Version: "1.0.0"})

	time.Sleep(20 * time.Millisecond)
	marked := r.sweep()
	assert.Equal(t, 1, marked)

	ad, err := r.FindByID("cap:y")
	require.NoError(t, err)
	assert.Equal(t, Offline, ad.AvailabilityStatus)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := New(5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
