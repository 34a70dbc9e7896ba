package purchase

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/idempotency"
	"vtu-engine/internal/jobs"
	"vtu-engine/internal/ledger"
	"vtu-engine/internal/logging"
	"vtu-engine/internal/notify"
	"vtu-engine/internal/provider"
	"vtu-engine/internal/repo"
	"vtu-engine/internal/vtu"
	"vtu-engine/migrations"
)

type fakeGateway struct {
	mu      sync.Mutex
	result  provider.Result
	status  provider.Result
	calls   int
	lastReq provider.Request
}

func (f *fakeGateway) Purchase(_ context.Context, req provider.Request) provider.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	return f.result
}

func (f *fakeGateway) Status(context.Context, string) provider.Result {
	return f.status
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []notify.Kind
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, kind notify.Kind, _ map[string]any) error {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	svc      *Service
	repo     *repo.SQLiteRepository
	queue    *jobs.Queue
	gateway  *fakeGateway
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "purchase.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &fixture{
		repo:     r,
		gateway:  &fakeGateway{result: provider.Result{Outcome: provider.OutcomeSuccess, Reference: "P-1"}},
		notifier: &recordingNotifier{},
		now:      time.Now().UTC(),
	}
	clock := func() time.Time { return f.now }
	f.queue = jobs.New(r, jobs.Config{MaxRetries: 3, Now: clock}, nil, logging.Discard())
	guard := idempotency.New(idempotency.NewRepoStore(r), idempotency.Config{LockTTL: time.Minute, Retention: time.Hour}, logging.Discard())
	f.svc = New(ledger.New(r, nil, logging.Discard()), f.gateway, guard, f.queue, f.notifier, Config{VerifyDelay: time.Minute, Now: clock}, logging.Discard())
	f.svc.RegisterJobs(f.queue)
	return f
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.repo.CreditWallet(context.Background(), userID, amount, repo.Transaction{
		UserID: userID, Type: repo.TxDeposit, Amount: amount, Status: repo.TxSuccess, Reference: "DEP_" + userID,
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.repo.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func airtime(amount int64) repo.ServiceParams {
	return repo.ServiceParams{Service: repo.TxAirtime, Network: "MTN", Target: "08031234567", Amount: amount}
}

func TestPurchaseSucceeds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 1000)
	ctx := context.Background()

	rc, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: airtime(300)})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if rc.Status != provider.OutcomeSuccess || rc.Balance != 700 {
		t.Fatalf("unexpected receipt %+v", rc)
	}
	if f.gateway.lastReq.Network != "mtn" {
		t.Fatalf("expected normalised network, got %q", f.gateway.lastReq.Network)
	}
	txn, err := f.repo.GetTransactionByRef(ctx, rc.Reference)
	if err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if txn.Status != repo.TxSuccess || txn.Amount != -300 || txn.ExternalReference == nil || *txn.ExternalReference != "P-1" {
		t.Fatalf("unexpected transaction %+v", txn)
	}
}

func TestDuplicateSubmissionDebitsOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 1000)
	ctx := context.Background()

	first, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: airtime(300), IdempotencyKey: "k-1"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: airtime(300), IdempotencyKey: "k-1"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Reference != second.Reference {
		t.Fatalf("replay must return the stored receipt: %s vs %s", first.Reference, second.Reference)
	}
	if f.gateway.calls != 1 || f.balance(t, "u1") != 700 {
		t.Fatalf("expected one provider call and one debit, got %d calls balance %d", f.gateway.calls, f.balance(t, "u1"))
	}

	// Without a client key the derived key collapses identical submissions in the same bucket.
	if _, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: airtime(100)}); err != nil {
		t.Fatalf("derived first: %v", err)
	}
	if _, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: airtime(100)}); err != nil {
		t.Fatalf("derived second: %v", err)
	}
	if f.balance(t, "u1") != 600 {
		t.Fatalf("expected derived key to dedupe, balance %d", f.balance(t, "u1"))
	}
}

func TestProviderFailureRefunds(t *testing.T) {
	for _, outcome := range []provider.Outcome{provider.OutcomeFailed, provider.OutcomeUnavailable} {
		f := newFixture(t)
		f.fund(t, "u1", 1000)
		f.gateway.result = provider.Result{Outcome: outcome, Message: "provider down"}
		ctx := context.Background()

		_, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: airtime(400)})
		if !apperr.Retryable(err) {
			t.Fatalf("%s: expected retryable provider error, got %v", outcome, err)
		}
		e, ok := apperr.As(err)
		if !ok {
			t.Fatalf("%s: expected typed error", outcome)
		}
		rc, _ := e.Result.(Receipt)
		if f.balance(t, "u1") != 1000 || rc.Balance != 1000 {
			t.Fatalf("%s: expected full refund, balance %d receipt %+v", outcome, f.balance(t, "u1"), rc)
		}
		txn, _ := f.repo.GetTransactionByRef(ctx, rc.Reference)
		if txn.Status != repo.TxFailed {
			t.Fatalf("%s: expected failed debit, got %s", outcome, txn.Status)
		}
		refund, err := f.repo.GetTransactionByRef(ctx, ledger.RefundPrefix+rc.Reference)
		if err != nil || refund.Amount != 400 {
			t.Fatalf("%s: expected paired refund, got %+v %v", outcome, refund, err)
		}

		// The failed attempt released the key, so a retry runs again.
		f.gateway.result = provider.Result{Outcome: provider.OutcomeSuccess}
		if _, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: airtime(400)}); err != nil {
			t.Fatalf("%s: retry: %v", outcome, err)
		}
		if f.balance(t, "u1") != 600 {
			t.Fatalf("%s: expected retry debit, balance %d", outcome, f.balance(t, "u1"))
		}
	}
}

func TestInsufficientBalanceSkipsProvider(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 100)
	_, err := f.svc.Purchase(context.Background(), Request{UserID: "u1", Params: airtime(300)})
	if !errors.Is(err, apperr.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if f.gateway.calls != 0 || f.balance(t, "u1") != 100 {
		t.Fatalf("expected no provider call and untouched balance")
	}
}

func TestValidationRejectsBadRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Purchase(context.Background(), Request{UserID: "u1", Params: repo.ServiceParams{Service: "lottery", Target: "123", Amount: 0}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProcessingIsVerifiedByJob(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 1000)
	f.gateway.result = provider.Result{Outcome: provider.OutcomeProcessing, Reference: "P-9"}
	ctx := context.Background()

	rc, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: airtime(250)})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if rc.Status != provider.OutcomeProcessing || f.balance(t, "u1") != 750 {
		t.Fatalf("processing keeps the debit: %+v", rc)
	}

	f.gateway.status = provider.Result{Outcome: provider.OutcomeProcessing}
	f.now = f.now.Add(2 * time.Minute)
	report, err := f.queue.ProcessPending(ctx)
	if err != nil || report.Rescheduled != 1 {
		t.Fatalf("expected verify job to retry, got %+v %v", report, err)
	}

	f.gateway.status = provider.Result{Outcome: provider.OutcomeFailed, Message: "reversed"}
	f.now = f.now.Add(time.Hour)
	report, err = f.queue.ProcessPending(ctx)
	if err != nil || report.Completed != 1 {
		t.Fatalf("expected verify job to settle, got %+v %v", report, err)
	}
	txn, _ := f.repo.GetTransactionByRef(ctx, rc.Reference)
	if txn.Status != repo.TxFailed || f.balance(t, "u1") != 1000 {
		t.Fatalf("expected refunded failure, status %s balance %d", txn.Status, f.balance(t, "u1"))
	}
	if len(f.notifier.kinds) != 1 || f.notifier.kinds[0] != notify.KindPurchaseFailed {
		t.Fatalf("expected failure notification, got %v", f.notifier.kinds)
	}
}

func TestCallbackSettlesOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 1000)
	f.gateway.result = provider.Result{Outcome: provider.OutcomeProcessing}
	ctx := context.Background()

	rc, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: airtime(200)})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	cb := vtu.Callback{Reference: rc.Reference, Status: vtu.StatusSuccess, ProviderReference: "P-5"}
	for i := 0; i < 2; i++ {
		if err := f.svc.HandleStatusCallback(ctx, cb); err != nil {
			t.Fatalf("callback %d: %v", i, err)
		}
	}
	txn, _ := f.repo.GetTransactionByRef(ctx, rc.Reference)
	if txn.Status != repo.TxSuccess || f.balance(t, "u1") != 800 {
		t.Fatalf("unexpected settlement status %s balance %d", txn.Status, f.balance(t, "u1"))
	}
	if len(f.notifier.kinds) != 1 {
		t.Fatalf("expected a single notification, got %v", f.notifier.kinds)
	}
	if err := f.svc.HandleStatusCallback(ctx, vtu.Callback{Reference: "missing", Status: vtu.StatusFailed}); err != nil {
		t.Fatalf("unknown reference must be acknowledged: %v", err)
	}
}

func TestRefundJobIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 1000)
	ctx := context.Background()
	_, err := f.repo.DebitWallet(ctx, "u1", 300, repo.Transaction{
		UserID: "u1", Type: repo.TxData, Amount: -300, Status: repo.TxPending, Reference: "DATA_X",
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.queue.Enqueue(ctx, jobs.RefundPayload{Reference: "DATA_X"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	report, err := f.queue.ProcessPending(ctx)
	if err != nil || report.Completed != 2 {
		t.Fatalf("expected both refund jobs to complete, got %+v %v", report, err)
	}
	if f.balance(t, "u1") != 1000 {
		t.Fatalf("expected single refund, balance %d", f.balance(t, "u1"))
	}
}

type staticCatalog map[string]provider.Plan

func (c staticCatalog) Plans(context.Context, string) ([]provider.Plan, error) {
	out := make([]provider.Plan, 0, len(c))
	for _, p := range c {
		out = append(out, p)
	}
	return out, nil
}

func (c staticCatalog) Plan(_ context.Context, _, code string) (provider.Plan, error) {
	p, ok := c[code]
	if !ok {
		return provider.Plan{}, provider.ErrUnknownPlan
	}
	return p, nil
}

func (c staticCatalog) Float(context.Context) (float64, error) { return 0, nil }

func TestProductPriceIsCheckedBeforeDebit(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.Catalog = staticCatalog{"MTN-1GB": {Code: "MTN-1GB", Price: 300, Available: true}}
	f.fund(t, "u1", 1000)
	ctx := context.Background()
	data := func(code string, amount int64) repo.ServiceParams {
		return repo.ServiceParams{Service: repo.TxData, Network: "mtn", Target: "08031234567", ProductCode: code, Amount: amount}
	}

	if _, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: data("MTN-1GB", 100)}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for underpriced plan, got %v", err)
	}
	if _, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: data("MTN-50GB", 300)}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for unknown plan, got %v", err)
	}
	if f.gateway.calls != 0 || f.balance(t, "u1") != 1000 {
		t.Fatalf("rejected requests must not debit or reach the provider")
	}

	if _, err := f.svc.Purchase(ctx, Request{UserID: "u1", Params: data("MTN-1GB", 300)}); err != nil {
		t.Fatalf("purchase at listed price: %v", err)
	}
	if f.gateway.lastReq.ProductCode != "MTN-1GB" || f.balance(t, "u1") != 700 {
		t.Fatalf("unexpected provider request %+v", f.gateway.lastReq)
	}
}
