package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitysync/pubsub/pkg/services"
)

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{6, 160 * time.Second},
		{7, 160 * time.Second}, // capped at 32× base
		{100, 160 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(base, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestListenerState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "down", StateDown.String())
	assert.Equal(t, "unknown", ListenerState(99).String())
}

func newListenerForDispatch(t *testing.T, resolver *fakeResolver) (*NotifyListener, *fakeMarker) {
	t.Helper()
	h := newManagerHarness(t, defaultManagerConfig())
	marker := &fakeMarker{}
	engine := NewFanoutEngine(resolver, h.manager, marker)
	l := NewNotifyListener(ListenerConfig{
		Channel:     "entity_changes",
		BaseDelay:   time.Millisecond,
		MaxAttempts: 3,
	}, engine, marker)
	return l, marker
}

func TestNotifyListener_DispatchSettlesViewRows(t *testing.T) {
	resolver := &fakeResolver{}
	l, marker := newListenerForDispatch(t, resolver)

	l.dispatch(context.Background(), NotificationEnvelope{
		LogID:      7,
		EntityCode: "task",
		EntityID:   "t-1",
		Action:     services.ActionView,
	})

	require.Len(t, marker.skippedMarks(), 1)
	assert.Equal(t, []int64{7}, marker.skippedMarks()[0])
	assert.Equal(t, 0, resolver.callCount(), "views must not reach the registry")
}

func TestNotifyListener_DispatchForwardsChange(t *testing.T) {
	resolver := &fakeResolver{}
	l, marker := newListenerForDispatch(t, resolver)

	l.dispatch(context.Background(), NotificationEnvelope{
		LogID:      42,
		EntityCode: "task",
		EntityID:   "t-1",
		Action:     1,
	})

	require.Equal(t, 1, resolver.callCount())
	resolver.mu.Lock()
	assert.Equal(t, "task", resolver.calls[0].entityCode)
	assert.Equal(t, []string{"t-1"}, resolver.calls[0].entityIDs)
	resolver.mu.Unlock()

	// No subscriber anywhere: the listener path settles the row skipped.
	require.Len(t, marker.skippedMarks(), 1)
	assert.Equal(t, []int64{42}, marker.skippedMarks()[0])
}

func TestNotifyListener_ReconnectCeilingGivesUp(t *testing.T) {
	// Consecutive connect failures past the ceiling leave the listener down
	// for good; the poll watcher is the only delivery path from then on.
	resolver := &fakeResolver{}
	l, _ := newListenerForDispatch(t, resolver)
	l.cfg.DSN = "host=127.0.0.1 port=1 user=none dbname=none connect_timeout=1"
	l.cfg.MaxAttempts = 2

	l.Start(context.Background())
	defer l.Stop()

	waitForCondition(t, 10*time.Second, func() bool {
		return l.State() == StateDown
	})

	// Down is terminal: no further reconnect flips the state back.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDown, l.State())
}

func TestNotifyListener_StartIdleStop(t *testing.T) {
	// An unreachable DSN exercises the backoff path; Stop must return
	// promptly even while the listener is mid-backoff.
	resolver := &fakeResolver{}
	l, _ := newListenerForDispatch(t, resolver)
	l.cfg.DSN = "host=127.0.0.1 port=1 user=none dbname=none connect_timeout=1"

	l.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.NotEqual(t, StateListening, l.State())
	l.Stop()
}
