package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job types and statuses.
const (
	JobTypeExtract = "extract_events"

	JobPending    = "PENDING"
	JobProcessing = "PROCESSING"
	JobDone       = "DONE"
	JobFailed     = "FAILED"
)

// Job represents a row in event_jobs.
type Job struct {
	JobID            uuid.UUID  `json:"job_id"`
	ArtifactUID      string     `json:"artifact_uid"`
	RevisionID       string     `json:"revision_id"`
	JobType          string     `json:"job_type"`
	Status           string     `json:"status"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	NextRunAt        time.Time  `json:"next_run_at"`
	LockedAt         *time.Time `json:"locked_at,omitempty"`
	LockedBy         *string    `json:"locked_by,omitempty"`
	LastErrorCode    *string    `json:"last_error_code,omitempty"`
	LastErrorMessage *string    `json:"last_error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

const jobColumns = `job_id, artifact_uid, revision_id, job_type, status,
	attempts, max_attempts, next_run_at, locked_at, locked_by,
	last_error_code, last_error_message, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.JobID, &j.ArtifactUID, &j.RevisionID, &j.JobType, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.LockedAt, &j.LockedBy,
		&j.LastErrorCode, &j.LastErrorMessage, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueJob inserts a PENDING extraction job inside the given transaction.
// Enqueue is idempotent on (uid, rev, job_type): when the job already exists
// nothing is written and nil is returned for the id.
func (s *Store) EnqueueJob(ctx context.Context, tx pgx.Tx, artifactUID, revisionID string, maxAttempts int) (*uuid.UUID, error) {
	id := uuid.New()
	tag, err := tx.Exec(ctx,
		`INSERT INTO event_jobs (job_id, artifact_uid, revision_id, job_type, max_attempts)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (artifact_uid, revision_id, job_type) DO NOTHING`,
		id, artifactUID, revisionID, JobTypeExtract, maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueueing job for %s/%s: %w", artifactUID, revisionID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return &id, nil
}

// ClaimJob atomically claims the oldest runnable PENDING job for a worker.
// The row is locked with SKIP LOCKED so concurrent workers never claim the
// same job, then moved to PROCESSING with attempts incremented in the same
// transaction. Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimJob(ctx context.Context, workerID string) (*Job, error) {
	var claimed *Job
	err := s.InTx(ctx, func(tx pgx.Tx) error {
		var jobID uuid.UUID
		row := tx.QueryRow(ctx,
			`SELECT job_id FROM event_jobs
			 WHERE status = 'PENDING' AND next_run_at <= now()
			 ORDER BY created_at
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`)
		if err := row.Scan(&jobID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("selecting claimable job: %w", err)
		}

		j, err := scanJob(tx.QueryRow(ctx,
			`UPDATE event_jobs
			 SET status = 'PROCESSING', attempts = attempts + 1,
			     locked_at = now(), locked_by = $2, updated_at = now()
			 WHERE job_id = $1
			 RETURNING `+jobColumns,
			jobID, workerID))
		if err != nil {
			return fmt.Errorf("claiming job %s: %w", jobID, err)
		}
		claimed = j
		return nil
	})
	return claimed, err
}

// CompleteJob marks a job DONE inside the replace-on-success transaction.
func (s *Store) CompleteJob(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE event_jobs
		 SET status = 'DONE', locked_at = NULL, locked_by = NULL,
		     last_error_code = NULL, last_error_message = NULL, updated_at = now()
		 WHERE job_id = $1`,
		jobID)
	return err
}

// RescheduleJob returns a job to PENDING with a future next_run_at after a
// transient failure.
func (s *Store) RescheduleJob(ctx context.Context, jobID uuid.UUID, delay time.Duration, errCode, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE event_jobs
		 SET status = 'PENDING', next_run_at = $2,
		     locked_at = NULL, locked_by = NULL,
		     last_error_code = $3, last_error_message = $4, updated_at = now()
		 WHERE job_id = $1`,
		jobID, time.Now().UTC().Add(delay), errCode, truncateError(errMsg))
	return err
}

// FailJob marks a job terminally FAILED.
func (s *Store) FailJob(ctx context.Context, jobID uuid.UUID, errCode, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE event_jobs
		 SET status = 'FAILED', locked_at = NULL, locked_by = NULL,
		     last_error_code = $2, last_error_message = $3, updated_at = now()
		 WHERE job_id = $1`,
		jobID, errCode, truncateError(errMsg))
	return err
}

// ResetJob forces re-extraction for a revision: existing events are deleted
// and the job row returns to PENDING with a clean attempt budget, atomically.
func (s *Store) ResetJob(ctx context.Context, artifactUID, revisionID string) (*Job, error) {
	var reset *Job
	err := s.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM semantic_event WHERE artifact_uid = $1 AND revision_id = $2`,
			artifactUID, revisionID,
		); err != nil {
			return fmt.Errorf("deleting events for reset: %w", err)
		}

		j, err := scanJob(tx.QueryRow(ctx,
			`UPDATE event_jobs
			 SET status = 'PENDING', attempts = 0, next_run_at = now(),
			     locked_at = NULL, locked_by = NULL,
			     last_error_code = NULL, last_error_message = NULL, updated_at = now()
			 WHERE artifact_uid = $1 AND revision_id = $2 AND job_type = $3
			 RETURNING `+jobColumns,
			artifactUID, revisionID, JobTypeExtract))
		if err != nil {
			return err
		}
		reset = j
		return nil
	})
	return reset, err
}

// GetJob fetches the extraction job for a revision.
func (s *Store) GetJob(ctx context.Context, artifactUID, revisionID string) (*Job, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM event_jobs
		 WHERE artifact_uid = $1 AND revision_id = $2 AND job_type = $3`,
		artifactUID, revisionID, JobTypeExtract))
}

// ReapStaleJobs returns PROCESSING rows abandoned by dead workers to
// PENDING. Attempts are not incremented: the claim already counted the
// attempt and the work never concluded.
func (s *Store) ReapStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE event_jobs
		 SET status = 'PENDING', locked_at = NULL, locked_by = NULL, updated_at = now()
		 WHERE status = 'PROCESSING' AND locked_at < $1`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reaping stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// truncateError bounds stored error messages.
func truncateError(msg string) string {
	const max = 2000
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
