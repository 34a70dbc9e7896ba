package repo

import (
	"context"
	"fmt"
	"time"
)

// InsertJob enqueues a job row.
func (r *PostgresRepository) InsertJob(ctx context.Context, job Job) (*Job, error) {
	const q = `
INSERT INTO jobs (id, job_type, payload, status, retry_count, max_retries, scheduled_at)
VALUES ($1, $2, $3, 'pending', 0, $4, $5)
RETURNING ` + jobColumns + `;
`
	stored, err := scanJob(r.pool.QueryRow(ctx, q, ensureID(job.ID), job.Type, string(job.Payload), job.MaxRetries, job.ScheduledAt))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return stored, nil
}

// GetJob loads a job by id.
func (r *PostgresRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 LIMIT 1;`
	j, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get job: %w", pgNotFound(err))
	}
	return j, nil
}

// ClaimDueJobs marks up to limit due jobs as processing and returns them.
// Processing jobs locked before staleBefore are reclaimed from crashed workers.
func (r *PostgresRepository) ClaimDueJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]Job, error) {
	const q = `
UPDATE jobs
SET status = 'processing', locked_at = $1, updated_at = $1
WHERE id IN (
    SELECT id FROM jobs
    WHERE (status = 'pending' AND scheduled_at <= $1)
       OR (status = 'processing' AND locked_at <= $2)
    ORDER BY scheduled_at ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns + `;
`
	rows, err := r.pool.Query(ctx, q, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed jobs: %w", err)
	}
	return out, nil
}

// CompleteJob marks a processing job as completed.
func (r *PostgresRepository) CompleteJob(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE jobs SET status = 'completed', locked_at = NULL, updated_at = $2 WHERE id = $1;`
	if _, err := r.pool.Exec(ctx, q, id, now); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RescheduleJob returns a failed job to pending at the given time.
func (r *PostgresRepository) RescheduleJob(ctx context.Context, id string, retryCount int, at time.Time, lastError string) error {
	const q = `
UPDATE jobs
SET status = 'pending', retry_count = $2, scheduled_at = $3, last_error = $4, locked_at = NULL, updated_at = NOW()
WHERE id = $1;
`
	if _, err := r.pool.Exec(ctx, q, id, retryCount, at, lastError); err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// FailJob marks a job as permanently failed.
func (r *PostgresRepository) FailJob(ctx context.Context, id string, retryCount int, lastError string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'failed', retry_count = $2, last_error = $3, locked_at = NULL, updated_at = $4
WHERE id = $1;
`
	if _, err := r.pool.Exec(ctx, q, id, retryCount, lastError, now); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}
