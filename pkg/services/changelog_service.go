package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Change action integers as written by producers. VIEW rows never fan out;
// DELETE and CREATE are the only fully-enumerated mutations — every other
// non-zero value is treated as an update.
const (
	ActionView   = 0
	ActionDelete = 3
	ActionCreate = 4
)

// Sync status values for change-log rows. The transition is monotone:
// pending → sent|skipped, and skipped may be overwritten by sent, never the
// reverse.
const (
	SyncPending = "pending"
	SyncSent    = "sent"
	SyncSkipped = "skipped"
)

// ChangeEntry is one change-log row as consumed by the fan-out paths.
type ChangeEntry struct {
	LogID      int64
	EntityCode string
	EntityID   string
	Action     int
	Version    int64
	CreatedAt  time.Time
}

// ChangeLogService reads and transitions the entity_change_log table, and
// provides the producer-side RecordChange used by tests and ops tooling.
type ChangeLogService struct {
	pool    *pgxpool.Pool
	channel string
	timeout time.Duration
}

// NewChangeLogService creates a ChangeLogService. channel is the NOTIFY
// channel RecordChange publishes on.
func NewChangeLogService(pool *pgxpool.Pool, channel string, timeout time.Duration) *ChangeLogService {
	return &ChangeLogService{pool: pool, channel: channel, timeout: timeout}
}

// FetchPending returns pending non-view change rows deduplicated to the
// newest row per (entity_code, entity_id), plus the complete id set of the
// rows that were swept. A burst of N writes to one entity yields one entry
// but N swept ids, so the caller can settle the whole burst in one mark.
func (s *ChangeLogService) FetchPending(ctx context.Context, limit int) ([]ChangeEntry, []int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_code, entity_id, action, version, created_ts
		 FROM entity_change_log
		 WHERE sync_status = $1 AND action <> $2
		 ORDER BY created_ts ASC, id ASC
		 LIMIT $3`,
		SyncPending, ActionView, limit,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch pending failed: %w", err)
	}
	defer rows.Close()

	// Rows arrive oldest first, so the map naturally keeps the newest row
	// per entity while swept collects every fetched id.
	latest := make(map[string]ChangeEntry)
	var order []string
	var swept []int64
	for rows.Next() {
		var e ChangeEntry
		if err := rows.Scan(&e.LogID, &e.EntityCode, &e.EntityID, &e.Action, &e.Version, &e.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		swept = append(swept, e.LogID)
		key := e.EntityCode + "\x00" + e.EntityID
		if _, exists := latest[key]; !exists {
			order = append(order, key)
		}
		latest[key] = e
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("fetch pending failed: %w", err)
	}

	entries := make([]ChangeEntry, 0, len(order))
	for _, key := range order {
		entries = append(entries, latest[key])
	}
	return entries, swept, nil
}

// MarkSent transitions rows to sent. Sent is terminal and wins over skipped:
// a row another pod marked skipped is overwritten, a row already sent is left
// alone. Idempotent under retries.
func (s *ChangeLogService) MarkSent(ctx context.Context, logIDs []int64) error {
	if len(logIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`UPDATE entity_change_log
		 SET sync_status = $1, sync_processed_ts = now()
		 WHERE id = ANY($2::bigint[]) AND sync_status <> $1`,
		SyncSent, logIDs,
	)
	if err != nil {
		return fmt.Errorf("mark sent failed: %w", err)
	}
	return nil
}

// MarkSkipped transitions pending rows to skipped. Rows already sent or
// skipped are untouched, preserving monotonicity. Idempotent under retries.
func (s *ChangeLogService) MarkSkipped(ctx context.Context, logIDs []int64) error {
	if len(logIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`UPDATE entity_change_log
		 SET sync_status = $1, sync_processed_ts = now()
		 WHERE id = ANY($2::bigint[]) AND sync_status = $3`,
		SyncSkipped, logIDs, SyncPending,
	)
	if err != nil {
		return fmt.Errorf("mark skipped failed: %w", err)
	}
	return nil
}

// SkipViews marks pending view rows as skipped so they do not accumulate in
// the pending sweep. Views never fan out.
func (s *ChangeLogService) SkipViews(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE entity_change_log
		 SET sync_status = $1, sync_processed_ts = now()
		 WHERE sync_status = $2 AND action = $3`,
		SyncSkipped, SyncPending, ActionView,
	)
	if err != nil {
		return 0, fmt.Errorf("skip views failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SyncStatus returns a row's sync status. Used by tests and ops tooling.
func (s *ChangeLogService) SyncStatus(ctx context.Context, logID int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT sync_status FROM entity_change_log WHERE id = $1`, logID,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("sync status query failed: %w", err)
	}
	return status, nil
}

// RecordChange inserts a change-log row and broadcasts the notification
// envelope via pg_notify in a single transaction — pg_notify is transactional,
// so the NOTIFY fires only on COMMIT, after the row is durable. Returns the
// new row's log id. Production rows come from the originating business
// transaction; this method serves tests and operational backfills.
func (s *ChangeLogService) RecordChange(ctx context.Context, entityCode, entityID string, action int, version int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var logID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO entity_change_log (entity_code, entity_id, action, version)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		entityCode, entityID, action, version,
	).Scan(&logID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert change row: %w", err)
	}

	envelope, err := json.Marshal(map[string]any{
		"log_id":      strconv.FormatInt(logID, 10),
		"entity_code": entityCode,
		"entity_id":   entityID,
		"action":      action,
		"timestamp":   time.Now().UnixMilli(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal notification envelope: %w", err)
	}

	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, string(envelope)); err != nil {
		return 0, fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit change transaction: %w", err)
	}
	return logID, nil
}
