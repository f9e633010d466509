package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

// schema is applied statement by statement; every statement is idempotent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS batches (
		id           TEXT PRIMARY KEY,
		submitter_id TEXT NOT NULL,
		status       TEXT NOT NULL,
		stats        JSONB,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		type              TEXT NOT NULL,
		batch_id          TEXT REFERENCES batches (id),
		submitter_id      TEXT NOT NULL,
		unique_key        TEXT NOT NULL,
		payload           JSONB NOT NULL,
		status            TEXT NOT NULL,
		retry_count       INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
		max_retries       INTEGER NOT NULL DEFAULT 0,
		worker_id         TEXT,
		result            JSONB,
		error_message     TEXT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_heartbeat_at TIMESTAMPTZ,
		CONSTRAINT jobs_submitter_unique_key UNIQUE (submitter_id, unique_key)
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_updated_idx ON jobs (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS jobs_submitter_created_idx ON jobs (submitter_id, created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS ledger_accounts (
		submitter_id TEXT PRIMARY KEY,
		balance      BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id            TEXT PRIMARY KEY,
		submitter_id  TEXT NOT NULL REFERENCES ledger_accounts (submitter_id),
		unique_key    TEXT NOT NULL,
		kind          TEXT NOT NULL,
		amount        BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT ledger_entries_key_kind UNIQUE (submitter_id, unique_key, kind)
	)`,
	`CREATE TABLE IF NOT EXISTS credit_reservations (
		submitter_id TEXT NOT NULL REFERENCES ledger_accounts (submitter_id),
		unique_key   TEXT NOT NULL,
		amount       BIGINT NOT NULL CHECK (amount > 0),
		status       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (submitter_id, unique_key)
	)`,
	`CREATE TABLE IF NOT EXISTS billing_events (
		id           TEXT PRIMARY KEY,
		event_id     TEXT NOT NULL UNIQUE,
		event_type   TEXT NOT NULL DEFAULT '',
		submitter_id TEXT NOT NULL,
		credits      BIGINT NOT NULL,
		payload      JSONB,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		email        TEXT PRIMARY KEY,
		submitter_id TEXT NOT NULL
	)`,
}

// Migrate creates any missing tables and indexes
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	s.logger.Info("Database schema up to date", slog.Int("statements", len(schema)))
	return nil
}
