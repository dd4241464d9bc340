// Package services provides the database-facing services: the shared
// subscription registry and the change-log interface.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Subscriber is one (user, connection) pair returned by the batch-subscriber
// query, with its subscriptions intersected against the query set.
type Subscriber struct {
	UserID       string
	ConnectionID string
	EntityIDs    []string
}

// SubscriptionService owns the entity_subscriptions table. Writes are
// pod-local, reads are cross-pod; isolation is delegated to PostgreSQL.
// Every bulk path is a single round trip with array parameters — identifiers
// are never interpolated.
type SubscriptionService struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewSubscriptionService creates a SubscriptionService. timeout bounds every
// database call.
func NewSubscriptionService(pool *pgxpool.Pool, timeout time.Duration) *SubscriptionService {
	return &SubscriptionService{pool: pool, timeout: timeout}
}

// Subscribe bulk-upserts subscription rows for a connection. Duplicate ids in
// the input are deduplicated server-side; re-subscribing is idempotent. The
// statement is atomic: either all rows commit or none do. Returns the number
// of rows inserted or already present. An empty id list is a no-op.
func (s *SubscriptionService) Subscribe(ctx context.Context, userID, connectionID, entityCode string, entityIDs []string) (int, error) {
	ids := dedupe(entityIDs)
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_subscriptions (user_id, connection_id, entity_code, entity_id)
		 SELECT $1, $2, $3, unnest($4::text[])
		 ON CONFLICT (connection_id, entity_code, entity_id) DO NOTHING`,
		userID, connectionID, entityCode, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("bulk subscribe failed: %w", err)
	}
	return len(ids), nil
}

// Unsubscribe removes a user's subscriptions for an entity type. When
// entityIDs is empty, all of the user's subscriptions for the type go.
// Returns the number of deleted rows.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, userID, entityCode string, entityIDs []string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids := dedupe(entityIDs)
	if len(ids) == 0 {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM entity_subscriptions WHERE user_id = $1 AND entity_code = $2`,
			userID, entityCode,
		)
		if err != nil {
			return 0, fmt.Errorf("unsubscribe failed: %w", err)
		}
		return tag.RowsAffected(), nil
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM entity_subscriptions
		 WHERE user_id = $1 AND entity_code = $2 AND entity_id = ANY($3::text[])`,
		userID, entityCode, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("unsubscribe failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UnsubscribeAll removes every subscription a user holds, across all of
// their connections.
func (s *SubscriptionService) UnsubscribeAll(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM entity_subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("unsubscribe all failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupConnection removes all rows for a connection. Run on socket close;
// safe to run on ids that never existed or were already cleaned.
func (s *SubscriptionService) CleanupConnection(ctx context.Context, connectionID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM entity_subscriptions WHERE connection_id = $1`, connectionID)
	if err != nil {
		return 0, fmt.Errorf("connection cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// BatchSubscribers resolves all subscribers covering any of the given entity
// ids. Each subscriber's EntityIDs is the intersection of its subscriptions
// with the query set, so fan-out never names an entity the subscriber did
// not ask for. One round trip regardless of the id list size.
func (s *SubscriptionService) BatchSubscribers(ctx context.Context, entityCode string, entityIDs []string) ([]Subscriber, error) {
	ids := dedupe(entityIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, connection_id, array_agg(entity_id ORDER BY entity_id)
		 FROM entity_subscriptions
		 WHERE entity_code = $1 AND entity_id = ANY($2::text[])
		 GROUP BY user_id, connection_id`,
		entityCode, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("batch subscriber query failed: %w", err)
	}
	defer rows.Close()

	var subscribers []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.UserID, &sub.ConnectionID, &sub.EntityIDs); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber row: %w", err)
		}
		subscribers = append(subscribers, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch subscriber query failed: %w", err)
	}
	return subscribers, nil
}

// Heartbeat refreshes last_seen_ts for every row of the given connections.
// Each pod claims its own open connections this way; a row no pod claims ages
// out and the stale sweep collects it. One round trip for any number of
// connections. An empty id list is a no-op.
func (s *SubscriptionService) Heartbeat(ctx context.Context, connectionIDs []string) (int64, error) {
	ids := dedupe(connectionIDs)
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE entity_subscriptions SET last_seen_ts = now()
		 WHERE connection_id = ANY($1::text[])`,
		ids,
	)
	if err != nil {
		return 0, fmt.Errorf("subscription heartbeat failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupStale removes subscription rows whose connection has not been
// claimed by any pod's heartbeat within the window. Rows for open connections
// are refreshed by Heartbeat and never qualify, regardless of connection age.
// Idempotent and multi-pod safe.
func (s *SubscriptionService) CleanupStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM entity_subscriptions WHERE last_seen_ts < now() - make_interval(secs => $1)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("stale subscription cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns per-entity-type subscription counts.
func (s *SubscriptionService) Stats(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT entity_code, count(*) FROM entity_subscriptions GROUP BY entity_code`)
	if err != nil {
		return nil, fmt.Errorf("subscription stats query failed: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var code string
		var count int64
		if err := rows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats[code] = count
	}
	return stats, rows.Err()
}

// dedupe removes duplicate and empty ids, preserving first-seen order.
func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
