package services

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// statusQueueDepth bounds the mark queue. Marks are tiny; a full queue means
// the database has been unreachable for a while, and the poll watcher will
// re-deliver anything whose mark was dropped.
const statusQueueDepth = 1024

// statusRetryAttempts is how many times a mark is retried on transient
// database failure before it is abandoned to the poller safety-net.
const statusRetryAttempts = 3

// StatusStore is the subset of ChangeLogService the writer needs.
type StatusStore interface {
	MarkSent(ctx context.Context, logIDs []int64) error
	MarkSkipped(ctx context.Context, logIDs []int64) error
}

type statusUpdate struct {
	logIDs []int64
	status string
}

// StatusWriter applies sent/skipped marks off the fan-out critical path: a
// bounded queue serviced by one writer goroutine with retry. Dropping a mark
// is safe — the row stays pending and the poll watcher re-delivers it, with
// the duplicate suppressed client-side by version.
type StatusWriter struct {
	store StatusStore
	queue chan statusUpdate

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewStatusWriter creates a StatusWriter over the given store.
func NewStatusWriter(store StatusStore) *StatusWriter {
	return &StatusWriter{
		store: store,
		queue: make(chan statusUpdate, statusQueueDepth),
	}
}

// Start launches the writer goroutine.
func (w *StatusWriter) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop drains the queue with a deadline, then stops the writer. Marks still
// queued past the deadline are abandoned to the poller safety-net.
func (w *StatusWriter) Stop(drainDeadline time.Duration) {
	w.stopOnce.Do(func() {
		close(w.queue)
		select {
		case <-w.done:
		case <-time.After(drainDeadline):
			slog.Warn("Status writer drain deadline exceeded, abandoning queued marks")
			w.cancel()
			<-w.done
		}
	})
}

// MarkSent enqueues a sent mark. Never blocks: a full queue drops the mark
// with a warning.
func (w *StatusWriter) MarkSent(logIDs []int64) {
	w.enqueue(statusUpdate{logIDs: logIDs, status: SyncSent})
}

// MarkSkipped enqueues a skipped mark. Never blocks.
func (w *StatusWriter) MarkSkipped(logIDs []int64) {
	w.enqueue(statusUpdate{logIDs: logIDs, status: SyncSkipped})
}

func (w *StatusWriter) enqueue(u statusUpdate) {
	if len(u.logIDs) == 0 {
		return
	}
	defer func() {
		// Enqueue after Stop closed the queue: the service is shutting
		// down; the poller safety-net owns these rows now.
		if recover() != nil {
			slog.Warn("Status mark dropped after shutdown", "status", u.status, "count", len(u.logIDs))
		}
	}()
	select {
	case w.queue <- u:
	default:
		slog.Warn("Status queue full, dropping mark", "status", u.status, "count", len(u.logIDs))
	}
}

func (w *StatusWriter) run(ctx context.Context) {
	defer close(w.done)
	for u := range w.queue {
		w.apply(ctx, u)
		if ctx.Err() != nil {
			return
		}
	}
}

// apply writes one mark with bounded retry.
func (w *StatusWriter) apply(ctx context.Context, u statusUpdate) {
	var err error
	for attempt := 1; attempt <= statusRetryAttempts; attempt++ {
		if u.status == SyncSent {
			err = w.store.MarkSent(ctx, u.logIDs)
		} else {
			err = w.store.MarkSkipped(ctx, u.logIDs)
		}
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	slog.Error("Status mark failed after retries",
		"status", u.status, "count", len(u.logIDs), "error", err)
}
