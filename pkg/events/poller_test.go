package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitysync/pubsub/pkg/services"
)

// fakeChangeFetcher implements ChangeFetcher with canned results.
type fakeChangeFetcher struct {
	mu             sync.Mutex
	entries        []services.ChangeEntry
	swept          []int64
	fetchErr       error
	fetchCalls     int
	skipViewsCalls int
}

func (f *fakeChangeFetcher) FetchPending(_ context.Context, _ int) ([]services.ChangeEntry, []int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, nil, f.fetchErr
	}
	return f.entries, f.swept, nil
}

func (f *fakeChangeFetcher) SkipViews(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipViewsCalls++
	return 0, nil
}

func (f *fakeChangeFetcher) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func defaultPollConfig() PollWatcherConfig {
	return PollWatcherConfig{
		Interval:     time.Hour, // ticks never fire in tests; sweeps run directly
		InitialDelay: 0,
		BatchSize:    100,
	}
}

func newPollHarness(t *testing.T, fetcher *fakeChangeFetcher, resolver *fakeResolver) (*PollWatcher, *fakeMarker, *managerHarness) {
	t.Helper()
	h := newManagerHarness(t, defaultManagerConfig())
	marker := &fakeMarker{}
	engine := NewFanoutEngine(resolver, h.manager, marker)
	watcher := NewPollWatcher(defaultPollConfig(), fetcher, engine, marker)
	return watcher, marker, h
}

func TestPollWatcher_SweepSettlesWholeBurst(t *testing.T) {
	// Five pending rows for one entity were deduplicated to the newest; the
	// sweep must settle all five ids, not just the delivered one.
	fetcher := &fakeChangeFetcher{
		entries: []services.ChangeEntry{
			{LogID: 5, EntityCode: "task", EntityID: "t-1", Action: 1, Version: 5},
		},
		swept: []int64{1, 2, 3, 4, 5},
	}
	resolver := &fakeResolver{}
	watcher, marker, _ := newPollHarness(t, fetcher, resolver)

	watcher.sweep(context.Background())

	require.Len(t, marker.sentMarks(), 1)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, marker.sentMarks()[0])
	assert.Empty(t, marker.skippedMarks())

	require.Equal(t, 1, resolver.callCount())
	resolver.mu.Lock()
	assert.Equal(t, "task", resolver.calls[0].entityCode)
	assert.Equal(t, []string{"t-1"}, resolver.calls[0].entityIDs)
	resolver.mu.Unlock()
}

func TestPollWatcher_DeliversToLocalSubscriber(t *testing.T) {
	fetcher := &fakeChangeFetcher{
		entries: []services.ChangeEntry{
			{LogID: 3, EntityCode: "task", EntityID: "t-1", Action: 1, Version: 12},
		},
		swept: []int64{3},
	}
	resolver := &fakeResolver{}
	watcher, marker, h := newPollHarness(t, fetcher, resolver)

	client, c := h.dial(t, "user=alice")
	resolver.mu.Lock()
	resolver.subscribers = []services.Subscriber{
		{UserID: "alice", ConnectionID: c.ID, EntityIDs: []string{"t-1"}},
	}
	resolver.mu.Unlock()

	watcher.sweep(context.Background())

	msg := readFrame(t, client)
	assert.Equal(t, FrameInvalidate, msg["type"])
	changes := msg["payload"].(map[string]any)["changes"].([]any)
	require.Len(t, changes, 1)
	// The poller path forwards the stored version, unlike the listener path.
	assert.Equal(t, float64(12), changes[0].(map[string]any)["version"])

	require.Len(t, marker.sentMarks(), 1)
	assert.Equal(t, []int64{3}, marker.sentMarks()[0])
}

func TestPollWatcher_EmptySweepIsNoOp(t *testing.T) {
	fetcher := &fakeChangeFetcher{}
	resolver := &fakeResolver{}
	watcher, marker, _ := newPollHarness(t, fetcher, resolver)

	watcher.sweep(context.Background())

	assert.Empty(t, marker.sentMarks())
	assert.Equal(t, 0, resolver.callCount())
}

func TestPollWatcher_FetchErrorSkipsTick(t *testing.T) {
	fetcher := &fakeChangeFetcher{fetchErr: fmt.Errorf("database unreachable")}
	resolver := &fakeResolver{}
	watcher, marker, _ := newPollHarness(t, fetcher, resolver)

	watcher.sweep(context.Background())

	assert.Empty(t, marker.sentMarks())
	assert.Empty(t, marker.skippedMarks())
}

func TestPollWatcher_SettlesViewRowsEachSweep(t *testing.T) {
	fetcher := &fakeChangeFetcher{}
	watcher, _, _ := newPollHarness(t, fetcher, &fakeResolver{})

	watcher.sweep(context.Background())
	watcher.sweep(context.Background())

	fetcher.mu.Lock()
	assert.Equal(t, 2, fetcher.skipViewsCalls)
	fetcher.mu.Unlock()
}

func TestPollWatcher_GroupsByEntityCode(t *testing.T) {
	fetcher := &fakeChangeFetcher{
		entries: []services.ChangeEntry{
			{LogID: 1, EntityCode: "task", EntityID: "t-1", Action: 1},
			{LogID: 2, EntityCode: "doc", EntityID: "d-1", Action: 1},
			{LogID: 3, EntityCode: "task", EntityID: "t-2", Action: 1},
		},
		swept: []int64{1, 2, 3},
	}
	resolver := &fakeResolver{}
	watcher, _, _ := newPollHarness(t, fetcher, resolver)

	watcher.sweep(context.Background())

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	require.Len(t, resolver.calls, 2)
	assert.Equal(t, "task", resolver.calls[0].entityCode)
	assert.Equal(t, []string{"t-1", "t-2"}, resolver.calls[0].entityIDs)
	assert.Equal(t, "doc", resolver.calls[1].entityCode)
	assert.Equal(t, []string{"d-1"}, resolver.calls[1].entityIDs)
}

func TestPollWatcher_SkipsTickWhileSweeping(t *testing.T) {
	fetcher := &fakeChangeFetcher{}
	watcher, _, _ := newPollHarness(t, fetcher, &fakeResolver{})

	watcher.sweeping.Store(true)
	watcher.trySweep(context.Background())
	assert.Equal(t, 0, fetcher.fetches(), "overlapping sweeps must be skipped")

	watcher.sweeping.Store(false)
	watcher.trySweep(context.Background())
	assert.Equal(t, 1, fetcher.fetches())
}

func TestPollWatcher_StartStop(t *testing.T) {
	fetcher := &fakeChangeFetcher{}
	watcher, _, _ := newPollHarness(t, fetcher, &fakeResolver{})

	watcher.Start(context.Background())
	// First sweep runs after the zero initial delay.
	waitForCondition(t, 2*time.Second, func() bool { return fetcher.fetches() >= 1 })
	watcher.Stop()
}
