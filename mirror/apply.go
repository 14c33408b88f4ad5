// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ioko18/magflow-erp-sub003/emag"
	"github.com/ioko18/magflow-erp-sub003/engine"
)

// ApplyPage writes one fetched page inside a single parent transaction, with
// SAVEPOINT isolation per record: a record that fails rolls back alone and
// never aborts the rest of the page. The parent commit at the end makes
// progress durable page by page, and readers only ever see committed
// page-level state.
func (s *Store) ApplyPage(ctx context.Context, runID uuid.UUID, account emag.AccountID, entity engine.EntityType, records []emag.Record, resolve engine.ResolveFunc) (engine.PageOutcome, error) {
	var outcome engine.PageOutcome

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, record := range records {
			outcome.Seen++
			result, err := s.applyRecord(ctx, tx, i, runID, account, entity, record, resolve)
			if err != nil {
				// The savepoint already rolled this record back; the page
				// keeps going.
				outcome.Failed++
				outcome.Failures = append(outcome.Failures, engine.RecordFailure{
					ExternalID: record.ExternalID,
					Reason:     err.Error(),
				})
				s.logger.Warn("Record write rolled back",
					"account", string(account), "entity", string(entity),
					"external_id", record.ExternalID, "error", err)
				continue
			}
			switch result {
			case recordCreated:
				outcome.Created++
				if entity == engine.EntityOrder {
					outcome.CreatedOrderIDs = append(outcome.CreatedOrderIDs, record.ExternalID)
				}
			case recordUpdated:
				outcome.Updated++
			case recordUnchanged:
				outcome.Unchanged++
			case recordDeferred:
				outcome.Deferred++
			}
		}
		return nil
	})
	if err != nil {
		return engine.PageOutcome{}, fmt.Errorf("page transaction failed: %w", err)
	}
	return outcome, nil
}

type recordResult int

const (
	recordCreated recordResult = iota
	recordUpdated
	recordUnchanged
	recordDeferred
)

// applyRecord runs the lookup/resolve/write cycle for one record inside its
// own savepoint. Any error inside the scope rolls back only this record.
func (s *Store) applyRecord(ctx context.Context, tx pgx.Tx, index int, runID uuid.UUID, account emag.AccountID, entity engine.EntityType, record emag.Record, resolve engine.ResolveFunc) (recordResult, error) {
	spName := pgx.Identifier{fmt.Sprintf("sp_rec_%d", index)}.Sanitize()
	if _, err := tx.Exec(ctx, "SAVEPOINT "+spName); err != nil {
		return 0, fmt.Errorf("failed to create savepoint: %w", err)
	}

	result, err := s.applyRecordInSavepoint(ctx, tx, runID, account, entity, record, resolve)
	if err != nil {
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+spName)
		_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT "+spName)
		return 0, err
	}
	if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+spName); err != nil {
		return 0, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return result, nil
}

func (s *Store) applyRecordInSavepoint(ctx context.Context, tx pgx.Tx, runID uuid.UUID, account emag.AccountID, entity engine.EntityType, record emag.Record, resolve engine.ResolveFunc) (recordResult, error) {
	table := tableFor(entity)

	local, err := s.lockLocalRecord(ctx, tx, table, account, record.ExternalID)
	if err != nil {
		return 0, err
	}

	decision, err := resolve(record, local)
	if err != nil {
		return 0, fmt.Errorf("conflict resolution failed: %w", err)
	}

	switch {
	case local == nil:
		if err := s.insertEntity(ctx, tx, table, runID, account, entity, record, decision.Fields); err != nil {
			return 0, err
		}
		return recordCreated, nil

	case decision.ReviewPending:
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET review_pending = TRUE, last_sync_run_id = $3
			WHERE account_id = $1 AND external_id = $2
		`, table), string(account), record.ExternalID, runID)
		if err != nil {
			return 0, fmt.Errorf("failed to flag record for review: %w", err)
		}
		return recordDeferred, nil

	case !decision.Apply:
		return recordUnchanged, nil

	default:
		changed, err := fieldsChanged(decision.Fields, local, record.UpdatedAt)
		if err != nil {
			return 0, err
		}
		if !changed {
			return recordUnchanged, nil
		}
		if err := s.updateEntity(ctx, tx, table, runID, account, record, decision.Fields); err != nil {
			return 0, err
		}
		return recordUpdated, nil
	}
}

// lockLocalRecord loads and row-locks the mirrored row so a concurrent local
// edit can't slip between the lookup and the write.
func (s *Store) lockLocalRecord(ctx context.Context, tx pgx.Tx, table string, account emag.AccountID, externalID string) (*engine.LocalRecord, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT fields, remote_updated_at, local_updated_at
		FROM %s WHERE account_id = $1 AND external_id = $2
		FOR UPDATE
	`, table), string(account), externalID)

	var fieldsJSON []byte
	var remoteUpdatedAt *time.Time
	var localUpdatedAt time.Time
	err := row.Scan(&fieldsJSON, &remoteUpdatedAt, &localUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up local record: %w", err)
	}

	local := &engine.LocalRecord{
		ExternalID:     externalID,
		LocalUpdatedAt: localUpdatedAt,
	}
	if remoteUpdatedAt != nil {
		local.RemoteUpdatedAt = *remoteUpdatedAt
	}
	if err := json.Unmarshal(fieldsJSON, &local.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode stored fields: %w", err)
	}
	return local, nil
}

// insertEntity creates the row atomically. ON CONFLICT covers the race with
// a concurrent CRUD insert for the same (account_id, external_id) pair:
// read-then-write would lose one side's update.
func (s *Store) insertEntity(ctx context.Context, tx pgx.Tx, table string, runID uuid.UUID, account emag.AccountID, entity engine.EntityType, record emag.Record, fields map[string]any) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	extraCols, extraVals := "", ""
	if entity == engine.EntityOrder {
		// New orders owe the remote an acknowledgement until the write-back
		// succeeds.
		extraCols, extraVals = ", needs_ack", ", TRUE"
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (account_id, external_id, fields, remote_updated_at, local_updated_at, last_sync_run_id%s)
		VALUES ($1, $2, $3, $4, now(), $5%s)
		ON CONFLICT (account_id, external_id) DO UPDATE SET
			fields            = EXCLUDED.fields,
			remote_updated_at = EXCLUDED.remote_updated_at,
			local_updated_at  = now(),
			last_sync_run_id  = EXCLUDED.last_sync_run_id
	`, table, extraCols, extraVals),
		string(account), record.ExternalID, fieldsJSON, nullableTime(record.UpdatedAt), runID)
	if err != nil {
		return fmt.Errorf("failed to insert mirrored record: %w", err)
	}
	return nil
}

func (s *Store) updateEntity(ctx context.Context, tx pgx.Tx, table string, runID uuid.UUID, account emag.AccountID, record emag.Record, fields map[string]any) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET
			fields            = $3,
			remote_updated_at = $4,
			local_updated_at  = now(),
			last_sync_run_id  = $5,
			review_pending    = FALSE
		WHERE account_id = $1 AND external_id = $2
	`, table), string(account), record.ExternalID, fieldsJSON, nullableTime(record.UpdatedAt), runID)
	if err != nil {
		return fmt.Errorf("failed to update mirrored record: %w", err)
	}
	return nil
}

// fieldsChanged compares the decided field set against the stored row via
// canonical JSON, so re-running an unchanged sync writes nothing (and the
// second run reports zero updates).
func fieldsChanged(decided map[string]any, local *engine.LocalRecord, remoteUpdatedAt time.Time) (bool, error) {
	decidedJSON, err := json.Marshal(decided)
	if err != nil {
		return false, fmt.Errorf("failed to encode decided fields: %w", err)
	}
	localJSON, err := json.Marshal(local.Fields)
	if err != nil {
		return false, fmt.Errorf("failed to encode local fields: %w", err)
	}
	if string(decidedJSON) != string(localJSON) {
		return true, nil
	}
	return !remoteUpdatedAt.Equal(local.RemoteUpdatedAt), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
