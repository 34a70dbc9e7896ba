package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetBalance returns the wallet balance for a user, zero when no wallet exists yet.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// DebitWallet subtracts amount where balance >= amount and records txn in the same transaction.
func (r *PostgresRepository) DebitWallet(ctx context.Context, userID string, amount int64, txn Transaction) (*WalletResult, error) {
	var result WalletResult
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		balance, err := pgConditionalDebit(ctx, tx, userID, amount)
		if err != nil {
			return err
		}
		inserted, err := pgInsertTransaction(ctx, tx, txn)
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
func (r *PostgresRepository) CreditWallet(ctx context.Context, userID string, amount int64, txn Transaction) (*WalletResult, error) {
	var result WalletResult
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const q = `
INSERT INTO wallets (user_id, balance, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (user_id) DO UPDATE SET
    balance = wallets.balance + EXCLUDED.balance,
    updated_at = NOW()
RETURNING balance;
`
		var balance int64
		if err := tx.QueryRow(ctx, q, userID, amount).Scan(&balance); err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
		inserted, err := pgInsertTransaction(ctx, tx, txn)
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
func (r *PostgresRepository) InsertTransaction(ctx context.Context, txn Transaction) (*Transaction, error) {
	return pgInsertTransaction(ctx, r.pool, txn)
}

// GetTransactionByRef retrieves a transaction by its caller reference.
func (r *PostgresRepository) GetTransactionByRef(ctx context.Context, ref string) (*Transaction, error) {
	const q = `SELECT ` + txColumns + ` FROM transactions WHERE reference = $1 LIMIT 1;`
	t, err := scanTransaction(r.pool.QueryRow(ctx, q, ref))
	if err != nil {
		return nil, fmt.Errorf("get transaction by ref: %w", pgNotFound(err))
	}
	return t, nil
}

// UpdateTransactionStatus moves a transaction from one status to another; it reports whether a row changed.
func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, ref string, from, to TransactionStatus, externalRef *string) (bool, error) {
	const q = `
UPDATE transactions
SET status = $3,
    external_reference = COALESCE($4, external_reference),
    updated_at = NOW()
WHERE reference = $1 AND status = $2;
`
	ct, err := r.pool.Exec(ctx, q, ref, string(from), string(to), externalRef)
	if err != nil {
		return false, fmt.Errorf("update transaction status: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ListTransactions returns the latest transactions of a user.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `SELECT ` + txColumns + ` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2;`
	rows, err := r.pool.Query(ctx, q, userID, limit)
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

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgConditionalDebit(ctx context.Context, q pgQuerier, userID string, amount int64) (int64, error) {
	const stmt = `
UPDATE wallets
SET balance = balance - $2, updated_at = NOW()
WHERE user_id = $1 AND balance >= $2
RETURNING balance;
`
	var balance int64
	if err := q.QueryRow(ctx, stmt, userID, amount).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientFunds
		}
		return 0, fmt.Errorf("conditional debit: %w", err)
	}
	return balance, nil
}

func pgInsertTransaction(ctx context.Context, q pgQuerier, txn Transaction) (*Transaction, error) {
	const stmt = `
INSERT INTO transactions (id, user_id, type, amount, status, reference, external_reference, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + txColumns + `;
`
	inserted, err := scanTransaction(q.QueryRow(ctx, stmt,
		ensureID(txn.ID),
		txn.UserID,
		string(txn.Type),
		txn.Amount,
		string(txn.Status),
		txn.Reference,
		txn.ExternalReference,
		txn.Description,
	))
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return inserted, nil
}
