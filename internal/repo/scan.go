package repo

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const (
	txColumns       = "id, user_id, type, amount, status, reference, external_reference, description, created_at, updated_at"
	giftColumns     = "id, sender_id, amount, service_type, product_code, recipient_user_id, recipient_email, recipient_phone, message, status, retry_count, max_retries, last_error, expires_at, deliver_at, provider_reference, transaction_id, claimed_by, claimed_at, created_at, updated_at"
	scheduleColumns = "id, user_id, params, frequency, next_run_at, retry_count, max_retries, success_count, failure_count, is_active, paused_at, pause_reason, last_run_at, locked_until, created_at, updated_at"
	logColumns      = "id, schedule_id, user_id, outcome, message, reference, next_run_at, created_at"
	jobColumns      = "id, job_type, payload, status, retry_count, max_retries, scheduled_at, last_error, locked_at, created_at, updated_at"
	idemColumns     = "idem_key, status, result, locked_until, expires_at, created_at"
	userColumns     = "id, email, phone, display_name, created_at, updated_at"
)

func scanTransaction(row scanner) (*Transaction, error) {
	var t Transaction
	var typ, status string
	if err := row.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &status, &t.Reference, &t.ExternalReference, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Type = TransactionType(typ)
	t.Status = TransactionStatus(status)
	return &t, nil
}

func scanGift(row scanner) (*GiftCard, error) {
	var g GiftCard
	var status string
	if err := row.Scan(
		&g.ID, &g.SenderID, &g.Amount, &g.ServiceType, &g.ProductCode,
		&g.RecipientUserID, &g.RecipientEmail, &g.RecipientPhone, &g.Message,
		&status, &g.RetryCount, &g.MaxRetries, &g.LastError,
		&g.ExpiresAt, &g.DeliverAt, &g.ProviderReference, &g.TransactionID,
		&g.ClaimedBy, &g.ClaimedAt, &g.CreatedAt, &g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	g.Status = GiftStatus(status)
	return &g, nil
}

func scanSchedule(row scanner) (*ScheduledPurchase, error) {
	var s ScheduledPurchase
	var params, freq []byte
	if err := row.Scan(
		&s.ID, &s.UserID, &params, &freq, &s.NextRunAt,
		&s.RetryCount, &s.MaxRetries, &s.SuccessCount, &s.FailureCount, &s.IsActive,
		&s.PausedAt, &s.PauseReason, &s.LastRunAt, &s.LockedUntil, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &s.Params); err != nil {
		return nil, fmt.Errorf("decode schedule params: %w", err)
	}
	if err := json.Unmarshal(freq, &s.Frequency); err != nil {
		return nil, fmt.Errorf("decode schedule frequency: %w", err)
	}
	return &s, nil
}

func scanExecutionLog(row scanner) (*ExecutionLog, error) {
	var l ExecutionLog
	if err := row.Scan(&l.ID, &l.ScheduleID, &l.UserID, &l.Outcome, &l.Message, &l.Reference, &l.NextRunAt, &l.CreatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var status string
	if err := row.Scan(&j.ID, &j.Type, &j.Payload, &status, &j.RetryCount, &j.MaxRetries, &j.ScheduledAt, &j.LastError, &j.LockedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	return &j, nil
}

func scanIdempotency(row scanner) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var status string
	if err := row.Scan(&rec.Key, &status, &rec.Result, &rec.LockedUntil, &rec.ExpiresAt, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Status = IdempotencyStatus(status)
	return &rec, nil
}

func scanUser(row scanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Phone, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(data), nil
}

func ensureID(id string) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	return uuid.NewString()
}

func giftStatusStrings(statuses []GiftStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
