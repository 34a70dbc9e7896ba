package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ReserveIdempotencyKey inserts a pending record for res.Key. An existing row is
// taken over only when its pending lock has lapsed or the record has expired.
// When the key is held by someone else the current record is returned.
func (r *PostgresRepository) ReserveIdempotencyKey(ctx context.Context, res IdempotencyReservation) (bool, *IdempotencyRecord, error) {
	const q = `
INSERT INTO idempotency_keys (idem_key, status, result, locked_until, expires_at, created_at)
VALUES ($1, 'pending', NULL, $2, $3, $4)
ON CONFLICT (idem_key) DO UPDATE SET
    status = 'pending',
    result = NULL,
    locked_until = EXCLUDED.locked_until,
    expires_at = EXCLUDED.expires_at,
    created_at = EXCLUDED.created_at
WHERE (idempotency_keys.status = 'pending' AND idempotency_keys.locked_until <= $4)
   OR idempotency_keys.expires_at <= $4
RETURNING idem_key;
`
	var key string
	err := r.pool.QueryRow(ctx, q, res.Key, res.LockedUntil, res.ExpiresAt, res.Now).Scan(&key)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	existing, err := r.GetIdempotencyRecord(ctx, res.Key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return false, existing, nil
}

// GetIdempotencyRecord loads the record stored for key.
func (r *PostgresRepository) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	const q = `SELECT ` + idemColumns + ` FROM idempotency_keys WHERE idem_key = $1;`
	rec, err := scanIdempotency(r.pool.QueryRow(ctx, q, key))
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", pgNotFound(err))
	}
	return rec, nil
}

// CompleteIdempotencyKey stores the result snapshot of a pending key.
func (r *PostgresRepository) CompleteIdempotencyKey(ctx context.Context, key string, result []byte, expiresAt time.Time) error {
	const q = `
UPDATE idempotency_keys
SET status = 'completed', result = $2, expires_at = $3
WHERE idem_key = $1 AND status = 'pending';
`
	ct, err := r.pool.Exec(ctx, q, key, string(result), expiresAt)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("complete idempotency key %s: %w", key, ErrNotFound)
	}
	return nil
}

// ReleaseIdempotencyKey drops a pending record so the operation can be retried.
func (r *PostgresRepository) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	const q = `DELETE FROM idempotency_keys WHERE idem_key = $1 AND status = 'pending';`
	if _, err := r.pool.Exec(ctx, q, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// PurgeIdempotencyKeys deletes expired records.
func (r *PostgresRepository) PurgeIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	ct, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1 AND status = 'completed';`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return ct.RowsAffected(), nil
}
