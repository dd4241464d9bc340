package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/entitysync/pubsub/pkg/services"
)

// Source identifies which delivery path triggered a dispatch. The skip-path
// (no local subscribers → mark skipped) applies to the listener only; the
// poll watcher settles its rows unconditionally after the sweep.
type Source int

// Dispatch sources.
const (
	SourceListener Source = iota
	SourcePoller
)

// SubscriberResolver resolves subscribers for a set of entities. Implemented
// by services.SubscriptionService.
type SubscriberResolver interface {
	BatchSubscribers(ctx context.Context, entityCode string, entityIDs []string) ([]services.Subscriber, error)
}

// StatusMarker applies change-log status transitions off the critical path.
// Implemented by services.StatusWriter.
type StatusMarker interface {
	MarkSent(logIDs []int64)
	MarkSkipped(logIDs []int64)
}

// FanoutEngine maps a change to the connections that must be notified. Any
// pod resolves subscribers from the shared registry but delivers only to
// connections open locally; the same change on another pod reaches that
// pod's connections the same way. No pod-to-pod RPC.
type FanoutEngine struct {
	resolver SubscriberResolver
	manager  *ConnectionManager
	status   StatusMarker
}

// NewFanoutEngine creates a FanoutEngine.
func NewFanoutEngine(resolver SubscriberResolver, manager *ConnectionManager, status StatusMarker) *FanoutEngine {
	return &FanoutEngine{resolver: resolver, manager: manager, status: status}
}

// Dispatch resolves subscribers for the change set and sends each local
// subscriber an INVALIDATE limited to the entities it subscribed to. Returns
// the number of accepted sends.
//
// Listener-sourced dispatches mark rows skipped when no local subscriber
// exists and sent when at least one delivery succeeded. Races with other
// pods (or the poll watcher) are tolerated: sent wins over skipped in the
// store, and clients reconcile duplicates by version.
func (e *FanoutEngine) Dispatch(ctx context.Context, entityCode string, changes []services.ChangeEntry, source Source) int {
	// Views never fan out; upstream filters them, this is the backstop.
	filtered := changes[:0:0]
	for _, ch := range changes {
		if ch.Action != services.ActionView {
			filtered = append(filtered, ch)
		}
	}
	if len(filtered) == 0 {
		return 0
	}

	logIDs := make([]int64, 0, len(filtered))
	entityIDs := make([]string, 0, len(filtered))
	for _, ch := range filtered {
		logIDs = append(logIDs, ch.LogID)
		entityIDs = append(entityIDs, ch.EntityID)
	}

	subscribers, err := e.resolver.BatchSubscribers(ctx, entityCode, entityIDs)
	if err != nil {
		// Leave the rows pending; the poll watcher re-delivers them.
		slog.Error("Subscriber resolution failed",
			"entity_code", entityCode, "count", len(filtered), "error", err)
		return 0
	}

	local := subscribers[:0:0]
	for _, sub := range subscribers {
		if e.manager.HasOpen(sub.ConnectionID) {
			local = append(local, sub)
		}
	}

	if len(local) == 0 {
		if source == SourceListener {
			e.status.MarkSkipped(logIDs)
		}
		return 0
	}

	now := time.Now().UnixMilli()
	sent := 0
	for _, sub := range local {
		// Limit the message to the subscriber's own intersection, in the
		// order the source produced the changes.
		payloadChanges := make([]InvalidateChange, 0, len(sub.EntityIDs))
		subscribed := make(map[string]bool, len(sub.EntityIDs))
		for _, id := range sub.EntityIDs {
			subscribed[id] = true
		}
		for _, ch := range filtered {
			if subscribed[ch.EntityID] {
				payloadChanges = append(payloadChanges, InvalidateChange{
					EntityID: ch.EntityID,
					Action:   WireAction(ch.Action),
					Version:  ch.Version,
				})
			}
		}
		if len(payloadChanges) == 0 {
			continue
		}
		ok := e.manager.Send(sub.ConnectionID, ServerFrame{
			Type: FrameInvalidate,
			Payload: InvalidatePayload{
				EntityCode: entityCode,
				Changes:    payloadChanges,
				Timestamp:  now,
			},
		})
		if ok {
			sent++
		}
	}

	if source == SourceListener {
		if sent > 0 {
			e.status.MarkSent(logIDs)
		} else {
			e.status.MarkSkipped(logIDs)
		}
	}
	return sent
}
