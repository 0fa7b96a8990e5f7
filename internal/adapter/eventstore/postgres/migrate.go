package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

// ddl statements are idempotent; Migrate may run on every boot.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS uds3_sagas (
		saga_id         TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		trace_id        TEXT,
		status          TEXT NOT NULL,
		steps           JSONB NOT NULL DEFAULT '[]'::jsonb,
		owner_token     TEXT,
		lock_expires_at TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uds3_sagas_status_updated ON uds3_sagas (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS uds3_saga_events (
		event_id        TEXT PRIMARY KEY,
		saga_id         TEXT NOT NULL,
		trace_id        TEXT,
		step_id         TEXT NOT NULL,
		attempt         INT NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		compensation    BOOLEAN NOT NULL DEFAULT false,
		idempotency_key TEXT,
		started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		duration_ms     BIGINT,
		error           TEXT,
		payload_snapshot JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uds3_saga_events_saga ON uds3_saga_events (saga_id, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_uds3_saga_events_idem ON uds3_saga_events (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS uds3_saga_metrics (
		id          BIGSERIAL PRIMARY KEY,
		saga_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		value       DOUBLE PRECISION NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS uds3_audit_log (
		id         BIGSERIAL PRIMARY KEY,
		kind       TEXT NOT NULL,
		saga_id    TEXT,
		step_id    TEXT,
		reason     TEXT,
		detail     TEXT,
		extra      JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the saga tables when missing. Safe to run concurrently with
// other instances: every statement is IF NOT EXISTS.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=eventstore.migrate: %w", translate(err))
		}
	}
	slog.Info("event store schema ensured", slog.Int("statements", len(ddl)))
	return nil
}
