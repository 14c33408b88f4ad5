// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InitializeSchema creates the mirror schema and tables if they don't exist.
func (s *Store) InitializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

func (s *Store) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema for the marketplace mirror
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS mirror`,

		// 1) Per-run audit trail. Rows are never deleted; a terminal status
		//    is reached exactly once (enforced by FinalizeRun's guard).
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS mirror.sync_runs (
			id                UUID PRIMARY KEY,
			account_id        TEXT NOT NULL CHECK (account_id IN ('MAIN','FBE')),
			entity_type       TEXT NOT NULL CHECK (entity_type IN ('PRODUCT','ORDER')),
			mode              TEXT NOT NULL CHECK (mode IN ('FULL','INCREMENTAL','SELECTIVE')),
			conflict_strategy TEXT NOT NULL,
			status            TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','COMPLETED','FAILED','CANCELLED')),
			started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at       TIMESTAMPTZ,
			pages_processed   INTEGER NOT NULL DEFAULT 0,
			records_seen      INTEGER NOT NULL DEFAULT 0,
			records_created   INTEGER NOT NULL DEFAULT 0,
			records_updated   INTEGER NOT NULL DEFAULT 0,
			records_skipped   INTEGER NOT NULL DEFAULT 0,
			records_failed    INTEGER NOT NULL DEFAULT 0,
			last_error        TEXT NOT NULL DEFAULT '',
			CHECK ((finished_at IS NULL) = (status IN ('PENDING','RUNNING')))
		)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS sync_runs_account_entity_idx
			ON mirror.sync_runs (account_id, entity_type, started_at DESC)`,

		// 2) Mirrored products, one row per (account, external id). Absence
		//    from a page never deletes a row; page sync is additive only.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS mirror.products (
			local_id          BIGSERIAL PRIMARY KEY,
			account_id        TEXT NOT NULL,
			external_id       TEXT NOT NULL,
			fields            JSONB NOT NULL DEFAULT '{}'::jsonb,
			remote_updated_at TIMESTAMPTZ,
			local_updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			review_pending    BOOLEAN NOT NULL DEFAULT FALSE,
			last_sync_run_id  UUID,
			UNIQUE (account_id, external_id)
		)`,

		// 3) Mirrored orders. needs_ack tracks the remote acknowledgement
		//    write-back that follows the committed insert.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS mirror.orders (
			local_id          BIGSERIAL PRIMARY KEY,
			account_id        TEXT NOT NULL,
			external_id       TEXT NOT NULL,
			fields            JSONB NOT NULL DEFAULT '{}'::jsonb,
			remote_updated_at TIMESTAMPTZ,
			local_updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			review_pending    BOOLEAN NOT NULL DEFAULT FALSE,
			needs_ack         BOOLEAN NOT NULL DEFAULT FALSE,
			last_sync_run_id  UUID,
			UNIQUE (account_id, external_id)
		)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS orders_needs_ack_idx
			ON mirror.orders (account_id, external_id) WHERE needs_ack`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute schema migration %d: %w", i+1, err)
		}
	}
	s.logger.Debug("Mirror schema initialized", "migrations", len(migrations))
	return nil
}
