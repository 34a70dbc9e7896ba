package repo

import (
	"context"
	"fmt"
	"time"
)

// InsertSchedule stores a new scheduled purchase.
func (r *PostgresRepository) InsertSchedule(ctx context.Context, s ScheduledPurchase) (*ScheduledPurchase, error) {
	params, err := marshalJSON(s.Params)
	if err != nil {
		return nil, err
	}
	freq, err := marshalJSON(s.Frequency)
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO scheduled_purchases (id, user_id, params, frequency, next_run_at, retry_count, max_retries, is_active)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
RETURNING ` + scheduleColumns + `;
`
	stored, err := scanSchedule(r.pool.QueryRow(ctx, q, ensureID(s.ID), s.UserID, params, freq, s.NextRunAt, s.MaxRetries, s.IsActive))
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return stored, nil
}

// GetSchedule loads a schedule by id.
func (r *PostgresRepository) GetSchedule(ctx context.Context, id string) (*ScheduledPurchase, error) {
	const q = `SELECT ` + scheduleColumns + ` FROM scheduled_purchases WHERE id = $1 LIMIT 1;`
	s, err := scanSchedule(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", pgNotFound(err))
	}
	return s, nil
}

// ListDueSchedules returns active, unleased schedules due before dueBefore, oldest first.
func (r *PostgresRepository) ListDueSchedules(ctx context.Context, dueBefore, now time.Time, limit int) ([]ScheduledPurchase, error) {
	const q = `
SELECT ` + scheduleColumns + `
FROM scheduled_purchases
WHERE is_active
  AND next_run_at <= $1
  AND (locked_until IS NULL OR locked_until <= $2)
ORDER BY next_run_at ASC
LIMIT $3;
`
	rows, err := r.pool.Query(ctx, q, dueBefore, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduledPurchase
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due schedules: %w", err)
	}
	return out, nil
}

// ClaimSchedule leases a schedule to the caller until leaseUntil. It reports whether the lease was acquired.
func (r *PostgresRepository) ClaimSchedule(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	const q = `
UPDATE scheduled_purchases
SET locked_until = $3, updated_at = $2
WHERE id = $1 AND is_active AND (locked_until IS NULL OR locked_until <= $2);
`
	ct, err := r.pool.Exec(ctx, q, id, now, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// SaveScheduleState writes the run bookkeeping of a schedule and releases its lease.
func (r *PostgresRepository) SaveScheduleState(ctx context.Context, s ScheduledPurchase) error {
	const q = `
UPDATE scheduled_purchases
SET next_run_at = $2,
    retry_count = $3,
    success_count = $4,
    failure_count = $5,
    is_active = $6,
    paused_at = $7,
    pause_reason = $8,
    last_run_at = $9,
    locked_until = NULL,
    updated_at = NOW()
WHERE id = $1;
`
	ct, err := r.pool.Exec(ctx, q, s.ID, s.NextRunAt, s.RetryCount, s.SuccessCount, s.FailureCount, s.IsActive, s.PausedAt, s.PauseReason, s.LastRunAt)
	if err != nil {
		return fmt.Errorf("save schedule state: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("save schedule state %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// InsertExecutionLog appends a scheduler decision.
func (r *PostgresRepository) InsertExecutionLog(ctx context.Context, entry ExecutionLog) error {
	const q = `
INSERT INTO schedule_execution_logs (id, schedule_id, user_id, outcome, message, reference, next_run_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	if _, err := r.pool.Exec(ctx, q, ensureID(entry.ID), entry.ScheduleID, entry.UserID, entry.Outcome, entry.Message, entry.Reference, entry.NextRunAt); err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs returns the latest execution log entries of a schedule.
func (r *PostgresRepository) ListExecutionLogs(ctx context.Context, scheduleID string, limit int) ([]ExecutionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT ` + logColumns + `
FROM schedule_execution_logs
WHERE schedule_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	var out []ExecutionLog
	for rows.Next() {
		l, err := scanExecutionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution logs: %w", err)
	}
	return out, nil
}
