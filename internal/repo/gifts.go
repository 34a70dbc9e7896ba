package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreateGiftWithDebit pre-debits the sender and stores the gift atomically.
func (r *PostgresRepository) CreateGiftWithDebit(ctx context.Context, gift GiftCard, txn Transaction) (*GiftCard, *WalletResult, error) {
	var (
		stored *GiftCard
		wallet WalletResult
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		balance, err := pgConditionalDebit(ctx, tx, gift.SenderID, gift.Amount)
		if err != nil {
			return err
		}
		inserted, err := pgInsertTransaction(ctx, tx, txn)
		if err != nil {
			return err
		}
		wallet = WalletResult{Balance: balance, Transaction: *inserted}

		const q = `
INSERT INTO gift_cards (id, sender_id, amount, service_type, product_code, recipient_user_id, recipient_email,
    recipient_phone, message, status, retry_count, max_retries, expires_at, deliver_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13)
RETURNING ` + giftColumns + `;
`
		stored, err = scanGift(tx.QueryRow(ctx, q,
			ensureID(gift.ID),
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
			gift.ExpiresAt,
			gift.DeliverAt,
		))
		if err != nil {
			return fmt.Errorf("insert gift: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return stored, &wallet, nil
}

// GetGift loads a gift card by id.
func (r *PostgresRepository) GetGift(ctx context.Context, id string) (*GiftCard, error) {
	const q = `SELECT ` + giftColumns + ` FROM gift_cards WHERE id = $1 LIMIT 1;`
	g, err := scanGift(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get gift: %w", pgNotFound(err))
	}
	return g, nil
}

// TransitionGift applies a status change only if the current status is one of tr.From.
// A single UPDATE decides the race; losers get the current row back with Applied=false.
func (r *PostgresRepository) TransitionGift(ctx context.Context, tr GiftTransition) (*GiftTransitionResult, error) {
	const q = `
UPDATE gift_cards
SET status = $3,
    retry_count = retry_count + $4,
    last_error = COALESCE($5, last_error),
    provider_reference = COALESCE($6, provider_reference),
    transaction_id = COALESCE($7, transaction_id),
    claimed_by = COALESCE($8, claimed_by),
    claimed_at = COALESCE($9, claimed_at),
    updated_at = $10
WHERE id = $1
  AND status = ANY($2::text[])
  AND ($11::int IS NULL OR retry_count < $11::int)
RETURNING ` + giftColumns + `;
`
	increment := 0
	switch {
	case tr.IncrementRetry:
		increment = 1
	case tr.ReleaseRetry:
		increment = -1
	}
	g, err := scanGift(r.pool.QueryRow(ctx, q,
		tr.GiftID,
		giftStatusStrings(tr.From),
		string(tr.To),
		increment,
		tr.LastError,
		tr.ProviderReference,
		tr.TransactionID,
		tr.ClaimedBy,
		tr.ClaimedAt,
		tr.Now,
		tr.RetryBelow,
	))
	if err == nil {
		return &GiftTransitionResult{Applied: true, Gift: g}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition gift: %w", err)
	}
	current, err := r.GetGift(ctx, tr.GiftID)
	if err != nil {
		return nil, err
	}
	return &GiftTransitionResult{Applied: false, Gift: current}, nil
}

// ListGiftsDueForDelivery returns scheduled gifts whose delivery time has arrived.
func (r *PostgresRepository) ListGiftsDueForDelivery(ctx context.Context, now time.Time, limit int) ([]GiftCard, error) {
	const q = `
SELECT ` + giftColumns + `
FROM gift_cards
WHERE status = 'scheduled' AND (deliver_at IS NULL OR deliver_at <= $1)
ORDER BY deliver_at ASC NULLS FIRST
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, now, limit)
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
func (r *PostgresRepository) ListStaleCreditingGifts(ctx context.Context, before time.Time, limit int) ([]GiftCard, error) {
	const q = `
SELECT ` + giftColumns + `
FROM gift_cards
WHERE status = 'crediting' AND updated_at <= $1
ORDER BY updated_at ASC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, before, limit)
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
