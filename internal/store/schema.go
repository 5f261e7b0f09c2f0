package store

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. The service owns these tables
// outright, so in-process DDL beats a separate migration step.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS dispatch_jobs (
		id               TEXT PRIMARY KEY,
		campaign_id      TEXT NOT NULL,
		status           TEXT NOT NULL,
		status_note      TEXT NOT NULL DEFAULT '',
		total_recipients INT  NOT NULL DEFAULT 0,
		attempted        BIGINT NOT NULL DEFAULT 0,
		delivered        BIGINT NOT NULL DEFAULT 0,
		bounced          BIGINT NOT NULL DEFAULT 0,
		deferred         BIGINT NOT NULL DEFAULT 0,
		complained       BIGINT NOT NULL DEFAULT 0,
		abandoned        BIGINT NOT NULL DEFAULT 0,
		started_at       TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_campaign ON dispatch_jobs (campaign_id)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_status ON dispatch_jobs (status)`,

	`CREATE TABLE IF NOT EXISTS bridge_cursor_state (
		source_kind        TEXT PRIMARY KEY,
		cursor_token       TEXT NOT NULL DEFAULT '',
		last_poll_time     TIMESTAMPTZ,
		events_received    BIGINT NOT NULL DEFAULT 0,
		events_ingested    BIGINT NOT NULL DEFAULT 0,
		duplicates_dropped BIGINT NOT NULL DEFAULT 0,
		job_not_found      BIGINT NOT NULL DEFAULT 0,
		db_write_failures  BIGINT NOT NULL DEFAULT 0,
		last_error         TEXT NOT NULL DEFAULT '',
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS accounting_seen (
		line_hash TEXT PRIMARY KEY,
		job_id    TEXT NOT NULL DEFAULT '',
		outcome   TEXT NOT NULL DEFAULT '',
		seen_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounting_seen_job ON accounting_seen (job_id)`,
}

// EnsureSchema creates the service's tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
