// Package cleanup provides the stale-subscription retention sweep.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// SubscriptionStore is the registry surface the sweep needs.
type SubscriptionStore interface {
	Heartbeat(ctx context.Context, connectionIDs []string) (int64, error)
	CleanupStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ConnectionLister reports the connections open on this pod. Implemented by
// events.ConnectionManager.
type ConnectionLister interface {
	ConnectionIDs() []string
}

// Service periodically removes subscription rows whose connection no pod
// claims anymore (pod crash, network partition, teardown that never ran).
// Each sweep first heartbeats this pod's open connections so their rows stay
// claimed however long the connection lives, then deletes rows unclaimed for
// the full TTL. Idempotent and safe to run from multiple pods; the fan-out
// path tolerates garbage rows between sweeps.
type Service struct {
	store    SubscriptionStore
	conns    ConnectionLister
	ttl      time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(store SubscriptionStore, conns ConnectionLister, ttl, interval time.Duration) *Service {
	return &Service{store: store, conns: conns, ttl: ttl, interval: interval}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"subscription_ttl", s.ttl, "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	// Claim this pod's live rows first; a failed heartbeat must skip the
	// delete or live rows could age out underneath an open connection.
	if _, err := s.store.Heartbeat(ctx, s.conns.ConnectionIDs()); err != nil {
		slog.Error("Retention: subscription heartbeat failed, skipping sweep", "error", err)
		return
	}

	count, err := s.store.CleanupStale(ctx, s.ttl)
	if err != nil {
		slog.Error("Retention: stale subscription sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed stale subscriptions", "count", count)
	}
}
