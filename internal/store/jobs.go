package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/mta-dispatch/internal/dispatch"
)

// JobRow is the durable projection of a dispatch job.
type JobRow struct {
	ID              string             `json:"id"`
	CampaignID      string             `json:"campaign_id"`
	Status          dispatch.JobStatus `json:"status"`
	StatusNote      string             `json:"status_note,omitempty"`
	TotalRecipients int                `json:"total_recipients"`
	Counters        dispatch.Counters  `json:"counters"`
	StartedAt       sql.NullTime       `json:"-"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// CreateJob inserts the job row before the engine starts.
func (s *Store) CreateJob(ctx context.Context, v dispatch.StatusView) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dispatch_jobs (id, campaign_id, status, status_note, total_recipients)
			VALUES ($1, $2, $3, $4, $5)
		`, v.JobID, v.CampaignID, string(v.Status), v.StatusNote, v.Total)
		return err
	})
}

// UpdateJobStatus records a lifecycle transition. The first transition to
// running stamps started_at.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status dispatch.JobStatus, note string) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE dispatch_jobs
			SET status = $2,
			    status_note = $3,
			    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			    updated_at = NOW()
			WHERE id = $1
		`, jobID, string(status), note)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("job %s not found", jobID)
		}
		return nil
	})
}

// AddDispatchCounts folds engine-side chunk settlements into the job row.
// Increments are idempotent per call site, not per row, so the engine only
// calls this once per terminal chunk transition.
func (s *Store) AddDispatchCounts(ctx context.Context, jobID string, attempted, abandoned int64) error {
	if attempted == 0 && abandoned == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dispatch_jobs
			SET attempted = attempted + $2,
			    abandoned = abandoned + $3,
			    updated_at = NOW()
			WHERE id = $1
		`, jobID, attempted, abandoned)
		return err
	})
}

// GetJob returns the durable job row, or nil when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*JobRow, error) {
	row := &JobRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, status, status_note, total_recipients,
		       attempted, delivered, bounced, deferred, complained, abandoned,
		       started_at, created_at, updated_at
		FROM dispatch_jobs WHERE id = $1
	`, jobID).Scan(
		&row.ID, &row.CampaignID, &row.Status, &row.StatusNote, &row.TotalRecipients,
		&row.Counters.Attempted, &row.Counters.Delivered, &row.Counters.Bounced,
		&row.Counters.Deferred, &row.Counters.Complained, &row.Counters.Abandoned,
		&row.StartedAt, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return row, err
}

// JobExists reports whether a job row is present; accounting uses it to
// resolve job ids for runs that predate the current process.
func (s *Store) JobExists(ctx context.Context, jobID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dispatch_jobs WHERE id = $1`, jobID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListJobs returns the most recent job rows.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*JobRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, status, status_note, total_recipients,
		       attempted, delivered, bounced, deferred, complained, abandoned,
		       started_at, created_at, updated_at
		FROM dispatch_jobs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*JobRow
	for rows.Next() {
		row := &JobRow{}
		if err := rows.Scan(
			&row.ID, &row.CampaignID, &row.Status, &row.StatusNote, &row.TotalRecipients,
			&row.Counters.Attempted, &row.Counters.Delivered, &row.Counters.Bounced,
			&row.Counters.Deferred, &row.Counters.Complained, &row.Counters.Abandoned,
			&row.StartedAt, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
