package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertUser stores or refreshes contact details for a user.
func (r *SQLiteRepository) UpsertUser(ctx context.Context, user User) (*User, error) {
	id := ensureID(user.ID)
	now := nowUTC()
	const q = `
INSERT INTO users (id, email, phone, display_name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    email = COALESCE(excluded.email, users.email),
    phone = COALESCE(excluded.phone, users.phone),
    display_name = COALESCE(excluded.display_name, users.display_name),
    updated_at = excluded.updated_at;
`
	if _, err := r.db.ExecContext(ctx, q, id, user.Email, user.Phone, user.DisplayName, now, now); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return r.GetUserByID(ctx, id)
}

// GetUserByID returns user by internal identifier.
func (r *SQLiteRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id = ? LIMIT 1;`
	u, err := scanUser(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", sqliteNotFound(err))
	}
	return u, nil
}

// GetBalance returns the wallet balance for a user, zero when no wallet exists yet.
func (r *SQLiteRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id = ?`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// DebitWallet subtracts amount where balance >= amount and records txn in the same transaction.
func (r *SQLiteRepository) DebitWallet(ctx context.Context, userID string, amount int64, txn Transaction) (*WalletResult, error) {
	var result WalletResult
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		balance, err := sqliteConditionalDebit(ctx, tx, userID, amount)
		if err != nil {
			return err
		}
		inserted, err := sqliteInsertTransaction(ctx, tx, txn)
		if err != nil {
			return err
		}
		result = WalletResult{Balance: balance, Transaction: *inserted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CreditWallet increments the balance unconditionally and records txn in the same transaction.
func (r *SQLiteRepository) CreditWallet(ctx context.Context, userID string, amount int64, txn Transaction) (*WalletResult, error) {
	var result WalletResult
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
INSERT INTO wallets (user_id, balance, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    balance = wallets.balance + excluded.balance,
    updated_at = excluded.updated_at;
`
		if _, err := tx.ExecContext(ctx, q, userID, amount, nowUTC()); err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
		var balance int64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id = ?`, userID).Scan(&balance); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		inserted, err := sqliteInsertTransaction(ctx, tx, txn)
		if err != nil {
			return err
		}
		result = WalletResult{Balance: balance, Transaction: *inserted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// InsertTransaction appends a transaction row without touching balances.
func (r *SQLiteRepository) InsertTransaction(ctx context.Context, txn Transaction) (*Transaction, error) {
	var inserted *Transaction
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = sqliteInsertTransaction(ctx, tx, txn)
		return err
	})
	return inserted, err
}

// GetTransactionByRef retrieves a transaction by its caller reference.
func (r *SQLiteRepository) GetTransactionByRef(ctx context.Context, ref string) (*Transaction, error) {
	const q = `SELECT ` + txColumns + ` FROM transactions WHERE reference = ? LIMIT 1;`
	t, err := scanTransaction(r.db.QueryRowContext(ctx, q, ref))
	if err != nil {
		return nil, fmt.Errorf("get transaction by ref: %w", sqliteNotFound(err))
	}
	return t, nil
}

// UpdateTransactionStatus moves a transaction from one status to another; it reports whether a row changed.
func (r *SQLiteRepository) UpdateTransactionStatus(ctx context.Context, ref string, from, to TransactionStatus, externalRef *string) (bool, error) {
	const q = `
UPDATE transactions
SET status = ?,
    external_reference = COALESCE(?, external_reference),
    updated_at = ?
WHERE reference = ? AND status = ?;
`
	res, err := r.db.ExecContext(ctx, q, string(to), externalRef, nowUTC(), ref, string(from))
	if err != nil {
		return false, fmt.Errorf("update transaction status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update transaction status: %w", err)
	}
	return n == 1, nil
}

// ListTransactions returns the latest transactions of a user.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `SELECT ` + txColumns + ` FROM transactions WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// CreateGiftWithDebit pre-debits the sender and stores the gift atomically.
func (r *SQLiteRepository) CreateGiftWithDebit(ctx context.Context, gift GiftCard, txn Transaction) (*GiftCard, *WalletResult, error) {
	var (
		stored *GiftCard
		wallet WalletResult
	)
	id := ensureID(gift.ID)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		balance, err := sqliteConditionalDebit(ctx, tx, gift.SenderID, gift.Amount)
		if err != nil {
			return err
		}
		inserted, err := sqliteInsertTransaction(ctx, tx, txn)
		if err != nil {
			return err
		}
		wallet = WalletResult{Balance: balance, Transaction: *inserted}

		now := nowUTC()
		const q = `
INSERT INTO gift_cards (id, sender_id, amount, service_type, product_code, recipient_user_id, recipient_email,
    recipient_phone, message, status, retry_count, max_retries, expires_at, deliver_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?);
`
		if _, err := tx.ExecContext(ctx, q,
			id,
			gift.SenderID,
			gift.Amount,
			gift.ServiceType,
			gift.ProductCode,
			gift.RecipientUserID,
			gift.RecipientEmail,
			gift.RecipientPhone,
			gift.Message,
			string(gift.Status),
			gift.MaxRetries,
			gift.ExpiresAt.UTC(),
			utcPtr(gift.DeliverAt),
			now,
			now,
		); err != nil {
			return fmt.Errorf("insert gift: %w", err)
		}
		stored, err = scanGift(tx.QueryRowContext(ctx, `SELECT `+giftColumns+` FROM gift_cards WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("read gift: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return stored, &wallet, nil
}

// GetGift loads a gift card by id.
func (r *SQLiteRepository) GetGift(ctx context.Context, id string) (*GiftCard, error) {
	const q = `SELECT ` + giftColumns + ` FROM gift_cards WHERE id = ? LIMIT 1;`
	g, err := scanGift(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get gift: %w", sqliteNotFound(err))
	}
	return g, nil
}

// TransitionGift applies a status change only if the current status is one of tr.From.
func (r *SQLiteRepository) TransitionGift(ctx context.Context, tr GiftTransition) (*GiftTransitionResult, error) {
	if len(tr.From) == 0 {
		return nil, fmt.Errorf("transition gift: no source status")
	}
	increment := 0
	switch {
	case tr.IncrementRetry:
		increment = 1
	case tr.ReleaseRetry:
		increment = -1
	}
	args := []any{
		string(tr.To),
		increment,
		tr.LastError,
		tr.ProviderReference,
		tr.TransactionID,
		tr.ClaimedBy,
		utcPtr(tr.ClaimedAt),
		tr.Now.UTC(),
		tr.GiftID,
	}
	placeholders := ""
	for i, s := range tr.From {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(s))
	}
	args = append(args, tr.RetryBelow, tr.RetryBelow)

	q := `
UPDATE gift_cards
SET status = ?,
    retry_count = retry_count + ?,
    last_error = COALESCE(?, last_error),
    provider_reference = COALESCE(?, provider_reference),
    transaction_id = COALESCE(?, transaction_id),
    claimed_by = COALESCE(?, claimed_by),
    claimed_at = COALESCE(?, claimed_at),
    updated_at = ?
WHERE id = ?
  AND status IN (` + placeholders + `)
  AND (? IS NULL OR retry_count < ?);
`
	var result GiftTransitionResult
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("transition gift: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition gift: %w", err)
		}
		result.Applied = n == 1
		g, err := scanGift(tx.QueryRowContext(ctx, `SELECT `+giftColumns+` FROM gift_cards WHERE id = ?`, tr.GiftID))
		if err != nil {
			return fmt.Errorf("get gift: %w", sqliteNotFound(err))
		}
		result.Gift = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListGiftsDueForDelivery returns scheduled gifts whose delivery time has arrived.
func (r *SQLiteRepository) ListGiftsDueForDelivery(ctx context.Context, now time.Time, limit int) ([]GiftCard, error) {
	const q = `
SELECT ` + giftColumns + `
FROM gift_cards
WHERE status = 'scheduled' AND (deliver_at IS NULL OR deliver_at <= ?)
ORDER BY deliver_at ASC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due gifts: %w", err)
	}
	defer rows.Close()

	var gifts []GiftCard
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gift: %w", err)
		}
		gifts = append(gifts, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due gifts: %w", err)
	}
	return gifts, nil
}

// ListStaleCreditingGifts returns gifts that entered crediting at or before before.
func (r *SQLiteRepository) ListStaleCreditingGifts(ctx context.Context, before time.Time, limit int) ([]GiftCard, error) {
	const q = `
SELECT ` + giftColumns + `
FROM gift_cards
WHERE status = 'crediting' AND updated_at <= ?
ORDER BY updated_at ASC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale gifts: %w", err)
	}
	defer rows.Close()

	var gifts []GiftCard
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gift: %w", err)
		}
		gifts = append(gifts, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale gifts: %w", err)
	}
	return gifts, nil
}

// InsertSchedule stores a new scheduled purchase.
func (r *SQLiteRepository) InsertSchedule(ctx context.Context, s ScheduledPurchase) (*ScheduledPurchase, error) {
	params, err := marshalJSON(s.Params)
	if err != nil {
		return nil, err
	}
	freq, err := marshalJSON(s.Frequency)
	if err != nil {
		return nil, err
	}
	id := ensureID(s.ID)
	now := nowUTC()
	const q = `
INSERT INTO scheduled_purchases (id, user_id, params, frequency, next_run_at, retry_count, max_retries,
    success_count, failure_count, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, ?, 0, 0, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q, id, s.UserID, params, freq, s.NextRunAt.UTC(), s.MaxRetries, s.IsActive, now, now); err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return r.GetSchedule(ctx, id)
}

// GetSchedule loads a schedule by id.
func (r *SQLiteRepository) GetSchedule(ctx context.Context, id string) (*ScheduledPurchase, error) {
	const q = `SELECT ` + scheduleColumns + ` FROM scheduled_purchases WHERE id = ? LIMIT 1;`
	s, err := scanSchedule(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", sqliteNotFound(err))
	}
	return s, nil
}

// ListDueSchedules returns active, unleased schedules due before dueBefore, oldest first.
func (r *SQLiteRepository) ListDueSchedules(ctx context.Context, dueBefore, now time.Time, limit int) ([]ScheduledPurchase, error) {
	const q = `
SELECT ` + scheduleColumns + `
FROM scheduled_purchases
WHERE is_active = 1
  AND next_run_at <= ?
  AND (locked_until IS NULL OR locked_until <= ?)
ORDER BY next_run_at ASC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, dueBefore.UTC(), now.UTC(), limit)
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

// ClaimSchedule leases a schedule to the caller until leaseUntil.
func (r *SQLiteRepository) ClaimSchedule(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	const q = `
UPDATE scheduled_purchases
SET locked_until = ?, updated_at = ?
WHERE id = ? AND is_active = 1 AND (locked_until IS NULL OR locked_until <= ?);
`
	res, err := r.db.ExecContext(ctx, q, leaseUntil.UTC(), now.UTC(), id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	return n == 1, nil
}

// SaveScheduleState writes the run bookkeeping of a schedule and releases its lease.
func (r *SQLiteRepository) SaveScheduleState(ctx context.Context, s ScheduledPurchase) error {
	const q = `
UPDATE scheduled_purchases
SET next_run_at = ?,
    retry_count = ?,
    success_count = ?,
    failure_count = ?,
    is_active = ?,
    paused_at = ?,
    pause_reason = ?,
    last_run_at = ?,
    locked_until = NULL,
    updated_at = ?
WHERE id = ?;
`
	res, err := r.db.ExecContext(ctx, q,
		s.NextRunAt.UTC(),
		s.RetryCount,
		s.SuccessCount,
		s.FailureCount,
		s.IsActive,
		utcPtr(s.PausedAt),
		s.PauseReason,
		utcPtr(s.LastRunAt),
		nowUTC(),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("save schedule state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save schedule state: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save schedule state %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// InsertExecutionLog appends a scheduler decision.
func (r *SQLiteRepository) InsertExecutionLog(ctx context.Context, entry ExecutionLog) error {
	const q = `
INSERT INTO schedule_execution_logs (id, schedule_id, user_id, outcome, message, reference, next_run_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	created := entry.CreatedAt
	if created.IsZero() {
		created = nowUTC()
	}
	if _, err := r.db.ExecContext(ctx, q, ensureID(entry.ID), entry.ScheduleID, entry.UserID, entry.Outcome, entry.Message, entry.Reference, utcPtr(entry.NextRunAt), created.UTC()); err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs returns the latest execution log entries of a schedule.
func (r *SQLiteRepository) ListExecutionLogs(ctx context.Context, scheduleID string, limit int) ([]ExecutionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT ` + logColumns + `
FROM schedule_execution_logs
WHERE schedule_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, scheduleID, limit)
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

// InsertJob enqueues a job row.
func (r *SQLiteRepository) InsertJob(ctx context.Context, job Job) (*Job, error) {
	id := ensureID(job.ID)
	now := nowUTC()
	scheduled := job.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	const q = `
INSERT INTO jobs (id, job_type, payload, status, retry_count, max_retries, scheduled_at, created_at, updated_at)
VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q, id, job.Type, string(job.Payload), job.MaxRetries, scheduled.UTC(), now, now); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return r.GetJob(ctx, id)
}

// GetJob loads a job by id.
func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ? LIMIT 1;`
	j, err := scanJob(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get job: %w", sqliteNotFound(err))
	}
	return j, nil
}

// ClaimDueJobs marks up to limit due jobs as processing and returns them.
func (r *SQLiteRepository) ClaimDueJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]Job, error) {
	var claimed []Job
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		const pick = `
SELECT id FROM jobs
WHERE (status = 'pending' AND scheduled_at <= ?)
   OR (status = 'processing' AND locked_at <= ?)
ORDER BY scheduled_at ASC
LIMIT ?;
`
		rows, err := tx.QueryContext(ctx, pick, now.UTC(), staleBefore.UTC(), limit)
		if err != nil {
			return fmt.Errorf("select due jobs: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan job id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate due jobs: %w", err)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'processing', locked_at = ?, updated_at = ? WHERE id = ?`, now.UTC(), now.UTC(), id); err != nil {
				return fmt.Errorf("lock job %s: %w", id, err)
			}
			j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
			if err != nil {
				return fmt.Errorf("read job %s: %w", id, err)
			}
			claimed = append(claimed, *j)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	return claimed, nil
}

// CompleteJob marks a processing job as completed.
func (r *SQLiteRepository) CompleteJob(ctx context.Context, id string, now time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', locked_at = NULL, updated_at = ? WHERE id = ?`, now.UTC(), id); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RescheduleJob returns a failed job to pending at the given time.
func (r *SQLiteRepository) RescheduleJob(ctx context.Context, id string, retryCount int, at time.Time, lastError string) error {
	const q = `
UPDATE jobs
SET status = 'pending', retry_count = ?, scheduled_at = ?, last_error = ?, locked_at = NULL, updated_at = ?
WHERE id = ?;
`
	if _, err := r.db.ExecContext(ctx, q, retryCount, at.UTC(), lastError, nowUTC(), id); err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// FailJob marks a job as permanently failed.
func (r *SQLiteRepository) FailJob(ctx context.Context, id string, retryCount int, lastError string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'failed', retry_count = ?, last_error = ?, locked_at = NULL, updated_at = ?
WHERE id = ?;
`
	if _, err := r.db.ExecContext(ctx, q, retryCount, lastError, now.UTC(), id); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// ReserveIdempotencyKey inserts a pending record for res.Key, taking over lapsed or expired rows.
func (r *SQLiteRepository) ReserveIdempotencyKey(ctx context.Context, res IdempotencyReservation) (bool, *IdempotencyRecord, error) {
	var (
		reserved bool
		existing *IdempotencyRecord
	)
	now := res.Now.UTC()
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
INSERT INTO idempotency_keys (idem_key, status, result, locked_until, expires_at, created_at)
VALUES (?, 'pending', NULL, ?, ?, ?)
ON CONFLICT (idem_key) DO UPDATE SET
    status = 'pending',
    result = NULL,
    locked_until = excluded.locked_until,
    expires_at = excluded.expires_at,
    created_at = excluded.created_at
WHERE (idempotency_keys.status = 'pending' AND idempotency_keys.locked_until <= ?)
   OR idempotency_keys.expires_at <= ?;
`
		out, err := tx.ExecContext(ctx, q, res.Key, res.LockedUntil.UTC(), res.ExpiresAt.UTC(), now, now, now)
		if err != nil {
			return fmt.Errorf("reserve idempotency key: %w", err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return fmt.Errorf("reserve idempotency key: %w", err)
		}
		if n == 1 {
			reserved = true
			return nil
		}
		rec, err := scanIdempotency(tx.QueryRowContext(ctx, `SELECT `+idemColumns+` FROM idempotency_keys WHERE idem_key = ?`, res.Key))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("get idempotency record: %w", err)
		}
		existing = rec
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return reserved, existing, nil
}

// GetIdempotencyRecord loads the record stored for key.
func (r *SQLiteRepository) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	const q = `SELECT ` + idemColumns + ` FROM idempotency_keys WHERE idem_key = ?;`
	rec, err := scanIdempotency(r.db.QueryRowContext(ctx, q, key))
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", sqliteNotFound(err))
	}
	return rec, nil
}

// CompleteIdempotencyKey stores the result snapshot of a pending key.
func (r *SQLiteRepository) CompleteIdempotencyKey(ctx context.Context, key string, result []byte, expiresAt time.Time) error {
	const q = `
UPDATE idempotency_keys
SET status = 'completed', result = ?, expires_at = ?
WHERE idem_key = ? AND status = 'pending';
`
	res, err := r.db.ExecContext(ctx, q, string(result), expiresAt.UTC(), key)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete idempotency key %s: %w", key, ErrNotFound)
	}
	return nil
}

// ReleaseIdempotencyKey drops a pending record so the operation can be retried.
func (r *SQLiteRepository) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE idem_key = ? AND status = 'pending'`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// PurgeIdempotencyKeys deletes expired records.
func (r *SQLiteRepository) PurgeIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ? AND status = 'completed'`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

func sqliteConditionalDebit(ctx context.Context, q sqliteQuerier, userID string, amount int64) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE wallets SET balance = balance - ?, updated_at = ? WHERE user_id = ? AND balance >= ?`, amount, nowUTC(), userID, amount)
	if err != nil {
		return 0, fmt.Errorf("conditional debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("conditional debit: %w", err)
	}
	if n == 0 {
		return 0, ErrInsufficientFunds
	}
	var balance int64
	if err := q.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func sqliteInsertTransaction(ctx context.Context, q sqliteQuerier, txn Transaction) (*Transaction, error) {
	id := ensureID(txn.ID)
	now := nowUTC()
	const stmt = `
INSERT INTO transactions (id, user_id, type, amount, status, reference, external_reference, description, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	if _, err := q.ExecContext(ctx, stmt,
		id,
		txn.UserID,
		string(txn.Type),
		txn.Amount,
		string(txn.Status),
		txn.Reference,
		txn.ExternalReference,
		txn.Description,
		now,
		now,
	); err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	t, err := scanTransaction(q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("read transaction: %w", err)
	}
	return t, nil
}
