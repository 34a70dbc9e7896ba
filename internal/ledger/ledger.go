// Package ledger moves money in and out of user wallets.
//
// Every balance change is paired with exactly one transaction row in the same
// database transaction. Debits never take a balance below zero.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/metrics"
	"vtu-engine/internal/repo"
)

// RefundPrefix prefixes the reference of the credit that reverses a debit.
const RefundPrefix = "REFUND_"

// Store is the subset of repo.Repository used by the ledger.
type Store interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	DebitWallet(ctx context.Context, userID string, amount int64, txn repo.Transaction) (*repo.WalletResult, error)
	CreditWallet(ctx context.Context, userID string, amount int64, txn repo.Transaction) (*repo.WalletResult, error)
	GetTransactionByRef(ctx context.Context, ref string) (*repo.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, ref string, from, to repo.TransactionStatus, externalRef *string) (bool, error)
}

// Entry describes one wallet movement. Amount is always positive.
type Entry struct {
	UserID      string
	Amount      int64
	Type        repo.TransactionType
	Reference   string
	Description string
	// Status of the transaction row; debits for outbound purchases start pending.
	Status repo.TransactionStatus
}

// Balance is the post-operation wallet state.
type Balance struct {
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
}

// RefundResult reports a refund; Duplicate is set when the refund already existed.
type RefundResult struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Balance   int64  `json:"balance"`
	Duplicate bool   `json:"duplicate"`
}

// Ledger wraps the wallet primitives with validation and error kinds.
type Ledger struct {
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New constructs a Ledger.
func New(store Store, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, metrics: m, logger: logger.With("component", "ledger")}
}

// Debit removes e.Amount from the wallet if the balance covers it.
func (l *Ledger) Debit(ctx context.Context, e Entry) (Balance, error) {
	if err := validate(e); err != nil {
		return Balance{}, err
	}
	status := e.Status
	if status == "" {
		status = repo.TxPending
	}
	res, err := l.store.DebitWallet(ctx, e.UserID, e.Amount, repo.Transaction{
		UserID:      e.UserID,
		Type:        e.Type,
		Amount:      -e.Amount,
		Status:      status,
		Reference:   e.Reference,
		Description: e.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrInsufficientFunds):
			l.observe("debit", "insufficient")
			return Balance{}, apperr.New(apperr.KindInsufficientBalance, "insufficient wallet balance")
		case errors.Is(err, repo.ErrDuplicateReference):
			l.observe("debit", "duplicate")
			return Balance{}, apperr.Newf(apperr.KindAlreadyProcessed, "transaction %s already recorded", e.Reference)
		}
		l.observe("debit", "error")
		return Balance{}, fmt.Errorf("debit wallet: %w", err)
	}
	l.observe("debit", "ok")
	return toBalance(e.UserID, res), nil
}

// Credit adds e.Amount to the wallet unconditionally.
func (l *Ledger) Credit(ctx context.Context, e Entry) (Balance, error) {
	if err := validate(e); err != nil {
		return Balance{}, err
	}
	res, err := l.store.CreditWallet(ctx, e.UserID, e.Amount, repo.Transaction{
		UserID:      e.UserID,
		Type:        e.Type,
		Amount:      e.Amount,
		Status:      repo.TxSuccess,
		Reference:   e.Reference,
		Description: e.Description,
	})
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateReference) {
			l.observe("credit", "duplicate")
			return Balance{}, apperr.Newf(apperr.KindAlreadyProcessed, "transaction %s already recorded", e.Reference)
		}
		l.observe("credit", "error")
		return Balance{}, fmt.Errorf("credit wallet: %w", err)
	}
	l.observe("credit", "ok")
	return toBalance(e.UserID, res), nil
}

// Refund credits back the amount of the debit stored under originalRef.
// Refunding the same reference twice leaves the balance unchanged.
func (l *Ledger) Refund(ctx context.Context, originalRef string) (RefundResult, error) {
	originalRef = strings.TrimSpace(originalRef)
	if originalRef == "" {
		return RefundResult{}, apperr.New(apperr.KindValidation, "refund reference is required")
	}
	refundRef := RefundPrefix + originalRef

	original, err := l.store.GetTransactionByRef(ctx, originalRef)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return RefundResult{}, apperr.Newf(apperr.KindValidation, "transaction %s not found", originalRef)
		}
		return RefundResult{}, fmt.Errorf("load original transaction: %w", err)
	}
	// Only debits are refundable; refunding a credit would mint money.
	if original.Amount >= 0 {
		return RefundResult{}, apperr.Newf(apperr.KindValidation, "transaction %s is not a debit", originalRef)
	}
	amount := -original.Amount

	res, err := l.store.CreditWallet(ctx, original.UserID, amount, repo.Transaction{
		UserID:      original.UserID,
		Type:        repo.TxRefund,
		Amount:      amount,
		Status:      repo.TxSuccess,
		Reference:   refundRef,
		Description: "Refund for " + originalRef,
	})
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateReference) {
			l.observe("refund", "duplicate")
			balance, balErr := l.store.GetBalance(ctx, original.UserID)
			if balErr != nil {
				return RefundResult{}, fmt.Errorf("read balance: %w", balErr)
			}
			return RefundResult{Reference: refundRef, Amount: amount, Balance: balance, Duplicate: true}, nil
		}
		l.observe("refund", "error")
		return RefundResult{}, fmt.Errorf("refund wallet: %w", err)
	}
	l.observe("refund", "ok")
	l.logger.Info("refunded transaction", "reference", originalRef, "user_id", original.UserID, "amount", amount)
	return RefundResult{Reference: refundRef, Amount: amount, Balance: res.Balance}, nil
}

// Finalize moves a pending transaction to a terminal status. It reports whether the row changed.
func (l *Ledger) Finalize(ctx context.Context, ref string, status repo.TransactionStatus, externalRef string) (bool, error) {
	if status != repo.TxSuccess && status != repo.TxFailed {
		return false, apperr.Newf(apperr.KindValidation, "invalid final status %q", status)
	}
	var ext *string
	if externalRef != "" {
		ext = &externalRef
	}
	changed, err := l.store.UpdateTransactionStatus(ctx, ref, repo.TxPending, status, ext)
	if err != nil {
		return false, fmt.Errorf("finalize transaction: %w", err)
	}
	result := "noop"
	if changed {
		result = "ok"
	}
	l.observe("finalize_"+string(status), result)
	return changed, nil
}

// Balance returns the current wallet balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.store.GetBalance(ctx, userID)
}

// Transaction returns the transaction stored under ref.
func (l *Ledger) Transaction(ctx context.Context, ref string) (*repo.Transaction, error) {
	return l.store.GetTransactionByRef(ctx, ref)
}

func (l *Ledger) observe(op, result string) {
	if l.metrics != nil {
		l.metrics.LedgerOperations.WithLabelValues(op, result).Inc()
	}
}

func validate(e Entry) error {
	switch {
	case strings.TrimSpace(e.UserID) == "":
		return apperr.New(apperr.KindValidation, "user id is required")
	case e.Amount <= 0:
		return apperr.New(apperr.KindValidation, "amount must be positive")
	case strings.TrimSpace(e.Reference) == "":
		return apperr.New(apperr.KindValidation, "reference is required")
	case !e.Type.Valid():
		return apperr.Newf(apperr.KindValidation, "unknown transaction type %q", e.Type)
	}
	return nil
}

func toBalance(userID string, res *repo.WalletResult) Balance {
	return Balance{
		UserID:        userID,
		Balance:       res.Balance,
		TransactionID: res.Transaction.ID,
		Reference:     res.Transaction.Reference,
	}
}
