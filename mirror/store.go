// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package mirror is the PostgreSQL persistence layer: mirrored marketplace
// entities keyed by (account_id, external_id), plus the sync_runs audit
// trail. Page writes are isolated per record with savepoints.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ioko18/magflow-erp-sub003/emag"
	"github.com/ioko18/magflow-erp-sub003/engine"
)

// Store provides mirror persistence over a pgx connection pool. Concurrent
// runs each check out their own pooled connections, so a failed transaction
// in one account's run cannot touch another's.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func tableFor(entity engine.EntityType) string {
	if entity == engine.EntityOrder {
		return "mirror.orders"
	}
	return "mirror.products"
}

const runColumns = `id, account_id, entity_type, mode, conflict_strategy, status,
	started_at, finished_at, pages_processed, records_seen, records_created,
	records_updated, records_skipped, records_failed, last_error`

// CreateRun inserts the PENDING audit row for a new run.
func (s *Store) CreateRun(ctx context.Context, run *engine.SyncRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mirror.sync_runs
			(id, account_id, entity_type, mode, conflict_strategy, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, string(run.AccountID), string(run.EntityType), string(run.Mode),
		string(run.ConflictStrategy), string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}
	return nil
}

// MarkRunning moves PENDING to RUNNING.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mirror.sync_runs SET status = 'RUNNING' WHERE id = $1 AND status = 'PENDING'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is not PENDING", id)
	}
	return nil
}

// UpdateProgress persists the cumulative page counters for a running run.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, p engine.Progress, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mirror.sync_runs SET
			pages_processed = $2,
			records_seen    = $3,
			records_created = $4,
			records_updated = $5,
			records_skipped = $6,
			records_failed  = $7,
			last_error      = $8
		WHERE id = $1 AND status = 'RUNNING'
	`, id, p.PagesProcessed, p.RecordsSeen, p.RecordsCreated, p.RecordsUpdated,
		p.RecordsSkipped, p.RecordsFailed, lastError)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// FinalizeRun moves a run to a terminal status exactly once. Status
// transitions are monotonic: a run already terminal is never touched.
func (s *Store) FinalizeRun(ctx context.Context, id uuid.UUID, status engine.RunStatus, lastError string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize run %s with non-terminal status %s", id, status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE mirror.sync_runs SET
			status      = $2,
			last_error  = $3,
			finished_at = now()
		WHERE id = $1 AND status IN ('PENDING','RUNNING')
	`, id, string(status), lastError)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is already terminal", id)
	}
	return nil
}

// GetRun loads one run snapshot.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*engine.SyncRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM mirror.sync_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sync run %s: %w", id, engine.ErrRunNotFound)
		}
		return nil, fmt.Errorf("failed to load sync run: %w", err)
	}
	return run, nil
}

// RecentRuns returns the newest runs first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]engine.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM mirror.sync_runs ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []engine.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LastCompletedRun returns the most recent COMPLETED run for the account and
// entity type, or nil when none exists. It supplies the incremental
// watermark.
func (s *Store) LastCompletedRun(ctx context.Context, account emag.AccountID, entity engine.EntityType) (*engine.SyncRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM mirror.sync_runs
		WHERE account_id = $1 AND entity_type = $2 AND status = 'COMPLETED'
		ORDER BY started_at DESC LIMIT 1
	`, string(account), string(entity))
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load last completed run: %w", err)
	}
	return run, nil
}

// RecoverInterruptedRuns finalizes runs a crashed process left behind, so
// the audit trail never shows a phantom in-flight run.
func (s *Store) RecoverInterruptedRuns(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mirror.sync_runs SET
			status      = 'FAILED',
			last_error  = 'interrupted by restart',
			finished_at = now()
		WHERE status IN ('PENDING','RUNNING')
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// OrdersNeedingAck lists orders whose remote acknowledgement is still owed.
func (s *Store) OrdersNeedingAck(ctx context.Context, account emag.AccountID, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT external_id FROM mirror.orders
		WHERE account_id = $1 AND needs_ack
		ORDER BY local_id LIMIT $2
	`, string(account), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders needing ack: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkOrderAcked clears the write-back flag after a successful remote ack.
func (s *Store) MarkOrderAcked(ctx context.Context, account emag.AccountID, externalID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mirror.orders SET needs_ack = FALSE
		WHERE account_id = $1 AND external_id = $2
	`, string(account), externalID)
	if err != nil {
		return fmt.Errorf("failed to mark order acked: %w", err)
	}
	return nil
}

// Entity is one mirrored row as read-side consumers see it.
type Entity struct {
	LocalID         int64           `db:"local_id"`
	AccountID       emag.AccountID  `db:"account_id"`
	ExternalID      string          `db:"external_id"`
	Fields          json.RawMessage `db:"fields"`
	RemoteUpdatedAt *time.Time      `db:"remote_updated_at"`
	LocalUpdatedAt  time.Time       `db:"local_updated_at"`
	ReviewPending   bool            `db:"review_pending"`
	LastSyncRunID   *uuid.UUID      `db:"last_sync_run_id"`
}

// FindEntity loads one mirrored row, or nil when the pair is unknown.
func (s *Store) FindEntity(ctx context.Context, account emag.AccountID, entity engine.EntityType, externalID string) (*Entity, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT local_id, account_id, external_id, fields, remote_updated_at,
		       local_updated_at, review_pending, last_sync_run_id
		FROM %s WHERE account_id = $1 AND external_id = $2
	`, tableFor(entity)), string(account), externalID)

	var e Entity
	err := row.Scan(&e.LocalID, &e.AccountID, &e.ExternalID, &e.Fields,
		&e.RemoteUpdatedAt, &e.LocalUpdatedAt, &e.ReviewPending, &e.LastSyncRunID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mirrored entity: %w", err)
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*engine.SyncRun, error) {
	var run engine.SyncRun
	var account, entity, mode, strategy, status string
	err := row.Scan(&run.ID, &account, &entity, &mode, &strategy, &status,
		&run.StartedAt, &run.FinishedAt, &run.PagesProcessed, &run.RecordsSeen,
		&run.RecordsCreated, &run.RecordsUpdated, &run.RecordsSkipped,
		&run.RecordsFailed, &run.LastError)
	if err != nil {
		return nil, err
	}
	run.AccountID = emag.AccountID(account)
	run.EntityType = engine.EntityType(entity)
	run.Mode = engine.Mode(mode)
	run.ConflictStrategy = engine.Strategy(strategy)
	run.Status = engine.RunStatus(status)
	return &run, nil
}
