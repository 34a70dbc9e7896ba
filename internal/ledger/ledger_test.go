package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/logging"
	"vtu-engine/internal/repo"
	"vtu-engine/migrations"
)

func newTestLedger(t *testing.T) (*Ledger, *repo.SQLiteRepository) {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(r, nil, logging.Discard()), r
}

func TestDebitInsufficientBalanceLeavesNoTrace(t *testing.T) {
	l, r := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Credit(ctx, Entry{UserID: "u1", Amount: 500, Type: repo.TxDeposit, Reference: "DEP1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := l.Debit(ctx, Entry{UserID: "u1", Amount: 1000, Type: repo.TxAirtime, Reference: "P1"})
	if apperr.KindOf(err) != apperr.KindInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := r.GetTransactionByRef(ctx, "P1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no transaction row, got %v", err)
	}
	bal, _ := l.Balance(ctx, "u1")
	if bal != 500 {
		t.Fatalf("expected balance 500, got %d", bal)
	}
}

func TestDebitValidatesInput(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	cases := []Entry{
		{UserID: "", Amount: 10, Type: repo.TxAirtime, Reference: "A"},
		{UserID: "u1", Amount: 0, Type: repo.TxAirtime, Reference: "A"},
		{UserID: "u1", Amount: 10, Type: repo.TxAirtime, Reference: " "},
		{UserID: "u1", Amount: 10, Type: "lottery", Reference: "A"},
	}
	for i, c := range cases {
		if _, err := l.Debit(ctx, c); apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestRefundPairsWithDebitOnce(t *testing.T) {
	l, r := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Credit(ctx, Entry{UserID: "u1", Amount: 1000, Type: repo.TxDeposit, Reference: "DEP1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.Debit(ctx, Entry{UserID: "u1", Amount: 400, Type: repo.TxData, Reference: "P1"}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	first, err := l.Refund(ctx, "P1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if first.Duplicate || first.Amount != 400 || first.Balance != 1000 {
		t.Fatalf("unexpected refund result %+v", first)
	}
	second, err := l.Refund(ctx, "P1")
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if !second.Duplicate || second.Balance != 1000 {
		t.Fatalf("expected duplicate no-op, got %+v", second)
	}

	refund, err := r.GetTransactionByRef(ctx, "REFUND_P1")
	if err != nil {
		t.Fatalf("load refund row: %v", err)
	}
	if refund.Type != repo.TxRefund || refund.Amount != 400 {
		t.Fatalf("unexpected refund row %+v", refund)
	}
}

func TestRefundRejectsCredits(t *testing.T) {
	l, r := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Credit(ctx, Entry{UserID: "u1", Amount: 1000, Type: repo.TxDeposit, Reference: "DEP1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if _, err := l.Refund(ctx, "DEP1"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error refunding a credit, got %v", err)
	}
	if _, err := r.GetTransactionByRef(ctx, "REFUND_DEP1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no refund row, got %v", err)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 1000 {
		t.Fatalf("balance must be unchanged, got %d", bal)
	}
}

func TestFinalizeOnlyMovesPending(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Credit(ctx, Entry{UserID: "u1", Amount: 1000, Type: repo.TxDeposit, Reference: "DEP1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.Debit(ctx, Entry{UserID: "u1", Amount: 100, Type: repo.TxAirtime, Reference: "P1"}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	changed, err := l.Finalize(ctx, "P1", repo.TxSuccess, "EXT-1")
	if err != nil || !changed {
		t.Fatalf("finalize: changed=%v err=%v", changed, err)
	}
	changed, err = l.Finalize(ctx, "P1", repo.TxFailed, "")
	if err != nil || changed {
		t.Fatalf("expected terminal transaction to stay: changed=%v err=%v", changed, err)
	}
	txn, _ := l.Transaction(ctx, "P1")
	if txn.Status != repo.TxSuccess || txn.ExternalReference == nil || *txn.ExternalReference != "EXT-1" {
		t.Fatalf("unexpected transaction %+v", txn)
	}
	if _, err := l.Finalize(ctx, "P1", repo.TxPending, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for pending target, got %v", err)
	}
}
