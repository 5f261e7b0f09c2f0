package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ApplyResult reports what an accounting write did.
type ApplyResult int

const (
	// Applied means the hash was new and the job counter advanced.
	Applied ApplyResult = iota
	// Duplicate means the hash was already recorded; nothing changed.
	Duplicate
	// JobNotFound means the hash was recorded but no job row matched, so no
	// counter moved.
	JobNotFound
)

// outcomeColumns maps normalized outcomes to their dispatch_jobs counter.
// Built as a whitelist so an outcome string can never reach SQL text.
var outcomeColumns = map[string]string{
	"delivered":  "delivered",
	"bounced":    "bounced",
	"deferred":   "deferred",
	"complained": "complained",
}

// ApplyOutcome records one accounting event exactly once: the seen-hash
// insert and the job counter increment commit in the same transaction, so a
// failure leaves neither behind and the caller can safely replay the line.
func (s *Store) ApplyOutcome(ctx context.Context, lineHash, jobID, outcome string) (ApplyResult, error) {
	col, ok := outcomeColumns[outcome]
	if !ok {
		// Unknown outcomes are deduped but never counted.
		col = ""
	}

	result := Duplicate
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO accounting_seen (line_hash, job_id, outcome)
			VALUES ($1, $2, $3)
			ON CONFLICT (line_hash) DO NOTHING
		`, lineHash, jobID, outcome)
		if err != nil {
			return err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			result = Duplicate
			return tx.Commit()
		}

		result = Applied
		if col != "" {
			upd, err := tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE dispatch_jobs SET %s = %s + 1, updated_at = NOW() WHERE id = $1
			`, col, col), jobID)
			if err != nil {
				return err
			}
			n, err := upd.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				result = JobNotFound
			}
		} else if jobID == "" {
			result = JobNotFound
		}
		return tx.Commit()
	})
	if err != nil {
		return Duplicate, err
	}
	return result, nil
}

// MarkSeen records a line hash with no job attribution, for events that
// resolved to nothing but should not be reprocessed on replay.
func (s *Store) MarkSeen(ctx context.Context, lineHash, outcome string) (bool, error) {
	var inserted int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO accounting_seen (line_hash, outcome)
			VALUES ($1, $2)
			ON CONFLICT (line_hash) DO NOTHING
		`, lineHash, outcome)
		if err != nil {
			return err
		}
		inserted, err = res.RowsAffected()
		return err
	})
	return inserted > 0, err
}

// CursorState is the durable bridge-poll position and its running stats.
type CursorState struct {
	SourceKind        string    `json:"source_kind"`
	CursorToken       string    `json:"cursor_token"`
	LastPollTime      time.Time `json:"last_poll_time,omitzero"`
	EventsReceived    int64     `json:"events_received"`
	EventsIngested    int64     `json:"events_ingested"`
	DuplicatesDropped int64     `json:"duplicates_dropped"`
	JobNotFound       int64     `json:"job_not_found"`
	DBWriteFailures   int64     `json:"db_write_failures"`
	LastError         string    `json:"last_error,omitempty"`
}

// CursorDelta is one poll cycle's contribution to the cursor row.
type CursorDelta struct {
	// AdvanceTo, when non-nil, replaces the stored cursor token. Nil leaves
	// the token where it was (write failure mid-batch).
	AdvanceTo         *string
	EventsReceived    int64
	EventsIngested    int64
	DuplicatesDropped int64
	JobNotFound       int64
	DBWriteFailures   int64
	LastError         string
}

// LoadCursor returns the cursor row for a source kind, zero-valued when the
// source has never polled.
func (s *Store) LoadCursor(ctx context.Context, sourceKind string) (*CursorState, error) {
	st := &CursorState{SourceKind: sourceKind}
	var lastPoll sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor_token, last_poll_time, events_received, events_ingested,
		       duplicates_dropped, job_not_found, db_write_failures, last_error
		FROM bridge_cursor_state WHERE source_kind = $1
	`, sourceKind).Scan(
		&st.CursorToken, &lastPoll, &st.EventsReceived, &st.EventsIngested,
		&st.DuplicatesDropped, &st.JobNotFound, &st.DBWriteFailures, &st.LastError)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	if lastPoll.Valid {
		st.LastPollTime = lastPoll.Time
	}
	return st, nil
}

// CommitCursor folds one poll cycle into the cursor row, creating it on
// first contact. The token only moves when the delta says so.
func (s *Store) CommitCursor(ctx context.Context, sourceKind string, d CursorDelta) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bridge_cursor_state (
				source_kind, cursor_token, last_poll_time, events_received,
				events_ingested, duplicates_dropped, job_not_found,
				db_write_failures, last_error, updated_at
			) VALUES ($1, COALESCE($2, ''), NOW(), $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (source_kind) DO UPDATE SET
				cursor_token       = COALESCE($2, bridge_cursor_state.cursor_token),
				last_poll_time     = NOW(),
				events_received    = bridge_cursor_state.events_received + $3,
				events_ingested    = bridge_cursor_state.events_ingested + $4,
				duplicates_dropped = bridge_cursor_state.duplicates_dropped + $5,
				job_not_found      = bridge_cursor_state.job_not_found + $6,
				db_write_failures  = bridge_cursor_state.db_write_failures + $7,
				last_error         = $8,
				updated_at         = NOW()
		`, sourceKind, d.AdvanceTo, d.EventsReceived, d.EventsIngested,
			d.DuplicatesDropped, d.JobNotFound, d.DBWriteFailures, d.LastError)
		return err
	})
}

// ReconcileJob recomputes a job's accounted counters from accounting_seen
// and overwrites the dispatch_jobs tally. The nightly sweep uses this to
// heal any drift from crash windows between increment and read paths.
func (s *Store) ReconcileJob(ctx context.Context, jobID string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dispatch_jobs j SET
				delivered  = c.delivered,
				bounced    = c.bounced,
				deferred   = c.deferred,
				complained = c.complained,
				updated_at = NOW()
			FROM (
				SELECT
					COUNT(*) FILTER (WHERE outcome = 'delivered')  AS delivered,
					COUNT(*) FILTER (WHERE outcome = 'bounced')    AS bounced,
					COUNT(*) FILTER (WHERE outcome = 'deferred')   AS deferred,
					COUNT(*) FILTER (WHERE outcome = 'complained') AS complained
				FROM accounting_seen WHERE job_id = $1
			) c
			WHERE j.id = $1
		`, jobID)
		return err
	})
}

// RecentJobIDs lists jobs updated inside the window, for reconciliation.
func (s *Store) RecentJobIDs(ctx context.Context, window time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM dispatch_jobs WHERE updated_at > NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
