// Package purchase orchestrates a wallet-funded top-up: reserve an idempotency
// key, debit the wallet, call the provider, then settle or refund.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/idempotency"
	"vtu-engine/internal/jobs"
	"vtu-engine/internal/ledger"
	"vtu-engine/internal/notify"
	"vtu-engine/internal/provider"
	"vtu-engine/internal/repo"
	"vtu-engine/internal/vtu"
)

// Gateway is the provider surface used by the service.
type Gateway interface {
	Purchase(ctx context.Context, req provider.Request) provider.Result
	Status(ctx context.Context, reference string) provider.Result
}

// Enqueuer schedules compensating and verification jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload, opts ...jobs.Option) (*repo.Job, error)
}

// Request is a user initiated purchase.
type Request struct {
	UserID         string             `json:"user_id" validate:"required,max=64"`
	Params         repo.ServiceParams `json:"params"`
	IdempotencyKey string             `json:"-" validate:"omitempty,max=128"`
}

// Order is one debit-and-buy attempt under a caller chosen reference.
type Order struct {
	UserID      string
	Params      repo.ServiceParams
	Reference   string
	Type        repo.TransactionType
	Description string
}

// Receipt is the stored result of a purchase.
type Receipt struct {
	Reference         string           `json:"reference"`
	Status            provider.Outcome `json:"status"`
	ProviderReference string           `json:"provider_reference,omitempty"`
	Service           string           `json:"service"`
	Target            string           `json:"target"`
	Amount            int64            `json:"amount"`
	Balance           int64            `json:"balance"`
	Message           string           `json:"message,omitempty"`
}

// Config holds orchestration parameters.
type Config struct {
	KeyBucket   time.Duration
	VerifyDelay time.Duration
	// Catalog, when set, checks product purchases against the price list.
	Catalog provider.Catalog
	Now     func() time.Time
}

// Service runs purchases.
type Service struct {
	ledger   *ledger.Ledger
	gateway  Gateway
	guard    *idempotency.Guard
	queue    Enqueuer
	notifier notify.Notifier
	validate *validator.Validate
	cfg      Config
	logger   *slog.Logger
}

// New constructs a Service. notifier may be nil.
func New(l *ledger.Ledger, gw Gateway, guard *idempotency.Guard, queue Enqueuer, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.KeyBucket <= 0 {
		cfg.KeyBucket = time.Minute
	}
	if cfg.VerifyDelay <= 0 {
		cfg.VerifyDelay = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		ledger:   l,
		gateway:  gw,
		guard:    guard,
		queue:    queue,
		notifier: notifier,
		validate: validator.New(),
		cfg:      cfg,
		logger:   logger.With("component", "purchase"),
	}
}

// Purchase validates req and executes it at most once per idempotency key.
func (s *Service) Purchase(ctx context.Context, req Request) (Receipt, error) {
	req.Params.Network = strings.ToLower(strings.TrimSpace(req.Params.Network))
	req.Params.Target = strings.TrimSpace(req.Params.Target)
	if err := s.validate.Struct(req); err != nil {
		return Receipt{}, apperr.Wrap(apperr.KindValidation, "invalid purchase request", err)
	}
	if err := provider.CheckPrice(ctx, s.cfg.Catalog, req.Params.Service, req.Params.ProductCode, req.Params.Amount); err != nil {
		return Receipt{}, err
	}

	var key string
	if req.IdempotencyKey != "" {
		key = idempotency.ClientKey("purchase", req.UserID, req.IdempotencyKey)
	} else {
		derived, err := idempotency.DeriveKey("purchase", req.UserID, req.Params, s.cfg.Now(), s.cfg.KeyBucket)
		if err != nil {
			return Receipt{}, err
		}
		key = derived
	}

	return idempotency.Run(ctx, s.guard, key, func(ctx context.Context) (Receipt, error) {
		return s.Execute(ctx, Order{
			UserID:    req.UserID,
			Params:    req.Params,
			Reference: NewReference(req.Params.Service),
		})
	})
}

// NewReference returns a fresh ledger reference for a service.
func NewReference(service repo.TransactionType) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(string(service)) + "_" + strings.ToUpper(id[:20])
}

// Execute debits the wallet and buys from the provider. A failed or
// unavailable provider outcome is refunded before the error is returned.
func (s *Service) Execute(ctx context.Context, o Order) (receipt Receipt, err error) {
	txType := o.Type
	if txType == "" {
		txType = o.Params.Service
	}
	desc := o.Description
	if desc == "" {
		desc = fmt.Sprintf("%s %s %s", o.Params.Service, o.Params.Network, o.Params.Target)
	}
	logger := s.logger.With("reference", o.Reference, "user_id", o.UserID)

	debit, err := s.ledger.Debit(ctx, ledger.Entry{
		UserID:      o.UserID,
		Amount:      o.Params.Amount,
		Type:        txType,
		Reference:   o.Reference,
		Description: strings.TrimSpace(desc),
		Status:      repo.TxPending,
	})
	if err != nil {
		return Receipt{}, err
	}

	receipt = Receipt{
		Reference: o.Reference,
		Service:   string(o.Params.Service),
		Target:    o.Params.Target,
		Amount:    o.Params.Amount,
		Balance:   debit.Balance,
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("purchase panicked after debit", "panic", p)
			s.reverse(ctx, o.Reference, fmt.Sprint(p))
			panic(p)
		}
	}()

	res := s.gateway.Purchase(ctx, provider.Request{
		Reference:   o.Reference,
		Service:     o.Params.Service,
		Network:     o.Params.Network,
		Target:      o.Params.Target,
		ProductCode: o.Params.ProductCode,
		Amount:      o.Params.Amount,
	})
	receipt.Status = res.Outcome
	receipt.ProviderReference = res.Reference
	receipt.Message = res.Message

	switch res.Outcome {
	case provider.OutcomeSuccess:
		if _, ferr := s.ledger.Finalize(ctx, o.Reference, repo.TxSuccess, res.Reference); ferr != nil {
			logger.Error("finalize successful purchase", "error", ferr)
			s.enqueueVerify(ctx, o)
		}
		logger.Info("purchase succeeded", "provider_reference", res.Reference)
		return receipt, nil
	case provider.OutcomeProcessing:
		logger.Info("purchase processing", "provider_reference", res.Reference)
		s.enqueueVerify(ctx, o)
		return receipt, nil
	default:
		logger.Warn("purchase failed, refunding", "outcome", res.Outcome, "message", res.Message)
		balance, refunded := s.reverse(ctx, o.Reference, res.Message)
		if refunded {
			receipt.Balance = balance
		}
		return receipt, apperr.New(apperr.KindOf(res.Err()), res.Message).WithResult(receipt)
	}
}

// reverse marks the debit failed and refunds it. When the refund cannot be
// written now, a refund job takes over.
func (s *Service) reverse(ctx context.Context, reference, reason string) (int64, bool) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.ledger.Finalize(ctx, reference, repo.TxFailed, ""); err != nil {
		s.logger.Error("mark purchase failed", "reference", reference, "error", err)
	}
	refund, err := s.ledger.Refund(ctx, reference)
	if err == nil {
		return refund.Balance, true
	}
	s.logger.Error("inline refund failed, queueing refund job", "reference", reference, "error", err)
	if s.queue == nil {
		return 0, false
	}
	if _, qerr := s.queue.Enqueue(ctx, jobs.RefundPayload{Reference: reference, Reason: reason}); qerr != nil {
		s.logger.Error("queue refund job", "reference", reference, "error", qerr)
	}
	return 0, false
}

func (s *Service) enqueueVerify(ctx context.Context, o Order) {
	if s.queue == nil {
		return
	}
	_, err := s.queue.Enqueue(context.WithoutCancel(ctx),
		jobs.VerifyTransactionPayload{Reference: o.Reference, UserID: o.UserID},
		jobs.At(s.cfg.Now().Add(s.cfg.VerifyDelay)))
	if err != nil {
		s.logger.Error("queue verification job", "reference", o.Reference, "error", err)
	}
}

// RegisterJobs installs the refund and verification handlers on q.
func (s *Service) RegisterJobs(q *jobs.Queue) {
	q.Register(jobs.TypeRefund, s.handleRefund)
	q.Register(jobs.TypeVerifyTransaction, s.handleVerify)
}

func (s *Service) handleRefund(ctx context.Context, job repo.Job) error {
	var p jobs.RefundPayload
	if err := jobs.Decode(job, &p); err != nil {
		return err
	}
	if _, err := s.ledger.Finalize(ctx, p.Reference, repo.TxFailed, ""); err != nil {
		return err
	}
	res, err := s.ledger.Refund(ctx, p.Reference)
	if err != nil {
		return err
	}
	s.logger.Info("refund job applied", "reference", p.Reference, "duplicate", res.Duplicate)
	return nil
}

// errStillProcessing keeps a verification job retrying.
var errStillProcessing = errors.New("transaction still processing at provider")

func (s *Service) handleVerify(ctx context.Context, job repo.Job) error {
	var p jobs.VerifyTransactionPayload
	if err := jobs.Decode(job, &p); err != nil {
		return err
	}
	res := s.gateway.Status(ctx, p.Reference)
	switch res.Outcome {
	case provider.OutcomeSuccess, provider.OutcomeFailed:
		_, err := s.settle(ctx, p.Reference, res.Outcome == provider.OutcomeSuccess, res.Reference, res.Message)
		return err
	}
	if job.RetryCount+1 >= job.MaxRetries {
		s.logger.Error("transaction unresolved after verification attempts, manual reconciliation needed",
			"reference", p.Reference, "attempts", job.RetryCount+1)
	}
	return errStillProcessing
}

// HandleStatusCallback settles a transaction reported by the provider webhook.
func (s *Service) HandleStatusCallback(ctx context.Context, cb vtu.Callback) error {
	switch cb.Status {
	case vtu.StatusSuccess, vtu.StatusFailed:
	default:
		s.logger.Debug("ignoring non-terminal callback", "reference", cb.Reference, "status", cb.Status)
		return nil
	}
	_, err := s.settle(ctx, cb.Reference, cb.Status == vtu.StatusSuccess, cb.ProviderReference, cb.Message)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("callback for unknown transaction", "reference", cb.Reference)
		return nil
	}
	return err
}

// settle moves a pending purchase to its final state and notifies the owner.
// It reports whether this call made the change.
func (s *Service) settle(ctx context.Context, reference string, success bool, providerRef, message string) (bool, error) {
	txn, err := s.ledger.Transaction(ctx, reference)
	if err != nil {
		return false, fmt.Errorf("load transaction %s: %w", reference, err)
	}
	if txn.Status != repo.TxPending {
		return false, nil
	}
	data := map[string]any{
		"reference": reference,
		"amount":    -txn.Amount,
		"service":   string(txn.Type),
		"target":    txn.Description,
	}
	if success {
		changed, err := s.ledger.Finalize(ctx, reference, repo.TxSuccess, providerRef)
		if err != nil || !changed {
			return false, err
		}
		notify.Send(ctx, s.notifier, s.logger, txn.UserID, notify.KindPurchaseSucceeded, data)
		return true, nil
	}
	changed, err := s.ledger.Finalize(ctx, reference, repo.TxFailed, providerRef)
	if err != nil {
		return false, err
	}
	if _, err := s.ledger.Refund(ctx, reference); err != nil {
		return changed, fmt.Errorf("refund %s: %w", reference, err)
	}
	data["reason"] = message
	if changed {
		notify.Send(ctx, s.notifier, s.logger, txn.UserID, notify.KindPurchaseFailed, data)
	}
	return changed, nil
}
