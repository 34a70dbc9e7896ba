// Package gift implements sending and claiming gift cards.
//
// A gift is paid for up front by the sender. Claiming moves it through an
// intermediate crediting state with a single conditional update, so at most
// one claim attempt can be delivering the benefit at any time, and every
// attempt that reaches the provider consumes one unit of the retry budget.
package gift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/ledger"
	"vtu-engine/internal/metrics"
	"vtu-engine/internal/notify"
	"vtu-engine/internal/provider"
	"vtu-engine/internal/repo"
)

// ServiceWallet credits the claimant's wallet instead of buying from the provider.
const ServiceWallet = "wallet"

// DefaultMaxRetries is the claim attempt budget of a gift.
const DefaultMaxRetries = 3

const contactSupport = "gift could not be delivered after several attempts, please contact support"

// Store is the persistence subset used by the service.
type Store interface {
	CreateGiftWithDebit(ctx context.Context, gift repo.GiftCard, txn repo.Transaction) (*repo.GiftCard, *repo.WalletResult, error)
	GetGift(ctx context.Context, id string) (*repo.GiftCard, error)
	TransitionGift(ctx context.Context, tr repo.GiftTransition) (*repo.GiftTransitionResult, error)
	ListGiftsDueForDelivery(ctx context.Context, now time.Time, limit int) ([]repo.GiftCard, error)
	ListStaleCreditingGifts(ctx context.Context, before time.Time, limit int) ([]repo.GiftCard, error)
	GetUserByID(ctx context.Context, id string) (*repo.User, error)
}

// Gateway buys airtime and data for the claimant.
type Gateway interface {
	Purchase(ctx context.Context, req provider.Request) provider.Result
	Status(ctx context.Context, reference string) provider.Result
}

// Config holds gift parameters.
type Config struct {
	MaxRetries int
	TTL        time.Duration
	// CreditingLease is how long a claim may sit in crediting before
	// RecoverStale settles it. It must exceed the provider timeout.
	CreditingLease time.Duration
	// Catalog, when set, checks data gifts against the price list.
	Catalog provider.Catalog
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Service runs the gift lifecycle.
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	gateway  Gateway
	notifier notify.Notifier
	validate *validator.Validate
	cfg      Config
	logger   *slog.Logger
}

// New builds a Service. notifier may be nil.
func New(store Store, l *ledger.Ledger, gw Gateway, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.CreditingLease <= 0 {
		cfg.CreditingLease = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:    store,
		ledger:   l,
		gateway:  gw,
		notifier: notifier,
		validate: validator.New(),
		cfg:      cfg,
		logger:   logger.With("component", "gift"),
	}
}

// SendRequest creates a gift.
type SendRequest struct {
	SenderID        string     `json:"sender_id" validate:"required,max=64"`
	Amount          int64      `json:"amount" validate:"required,gt=0"`
	ServiceType     string     `json:"service_type" validate:"required,oneof=airtime data wallet"`
	ProductCode     string     `json:"product_code,omitempty" validate:"max=64"`
	RecipientUserID string     `json:"recipient_user_id,omitempty" validate:"required_without_all=RecipientEmail RecipientPhone,max=64"`
	RecipientEmail  string     `json:"recipient_email,omitempty" validate:"omitempty,email"`
	RecipientPhone  string     `json:"recipient_phone,omitempty" validate:"omitempty,min=10,max=16"`
	Message         string     `json:"message,omitempty" validate:"max=280"`
	DeliverAt       *time.Time `json:"deliver_at,omitempty"`
}

// ClaimRequest is a claim attempt by an authenticated user.
type ClaimRequest struct {
	GiftID     string `json:"gift_id" validate:"required"`
	ClaimantID string `json:"claimant_id" validate:"required"`
	// Phone and Network choose where airtime or data is delivered; Phone defaults to the claimant's number.
	Phone   string `json:"phone,omitempty"`
	Network string `json:"network,omitempty"`
}

// View is the client facing state of a gift.
type View struct {
	ID                string          `json:"id"`
	Status            repo.GiftStatus `json:"status"`
	Amount            int64           `json:"amount"`
	ServiceType       string          `json:"service_type"`
	Message           string          `json:"message,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	RetriesRemaining  int             `json:"retries_remaining"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	TransactionID     string          `json:"transaction_id,omitempty"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
}

func viewOf(g *repo.GiftCard) View {
	v := View{
		ID:               g.ID,
		Status:           g.Status,
		Amount:           g.Amount,
		ServiceType:      g.ServiceType,
		ExpiresAt:        g.ExpiresAt,
		RetriesRemaining: remaining(g),
		ClaimedAt:        g.ClaimedAt,
	}
	if g.Message != nil {
		v.Message = *g.Message
	}
	if g.ProviderReference != nil {
		v.ProviderReference = *g.ProviderReference
	}
	if g.TransactionID != nil {
		v.TransactionID = *g.TransactionID
	}
	return v
}

func remaining(g *repo.GiftCard) int {
	n := g.MaxRetries - g.RetryCount
	if n < 0 {
		return 0
	}
	return n
}

// Send debits the sender and stores the gift.
func (s *Service) Send(ctx context.Context, req SendRequest) (View, error) {
	req.RecipientEmail = strings.TrimSpace(req.RecipientEmail)
	req.RecipientPhone = strings.TrimSpace(req.RecipientPhone)
	if err := s.validate.Struct(req); err != nil {
		return View{}, apperr.Wrap(apperr.KindValidation, "invalid gift", err)
	}
	if req.RecipientUserID == req.SenderID {
		return View{}, apperr.New(apperr.KindValidation, "cannot send a gift to yourself")
	}
	if req.ServiceType != ServiceWallet {
		if err := provider.CheckPrice(ctx, s.cfg.Catalog, repo.TransactionType(req.ServiceType), req.ProductCode, req.Amount); err != nil {
			return View{}, err
		}
	}

	now := s.cfg.Now().UTC()
	status := repo.GiftDelivered
	var deliverAt *time.Time
	if req.DeliverAt != nil && req.DeliverAt.After(now) {
		at := req.DeliverAt.UTC()
		deliverAt = &at
		status = repo.GiftScheduled
	}
	g := repo.GiftCard{
		ID:              uuid.NewString(),
		SenderID:        req.SenderID,
		Amount:          req.Amount,
		ServiceType:     req.ServiceType,
		ProductCode:     req.ProductCode,
		RecipientUserID: optional(req.RecipientUserID),
		RecipientEmail:  optional(strings.ToLower(req.RecipientEmail)),
		RecipientPhone:  optional(req.RecipientPhone),
		Message:         optional(req.Message),
		Status:          status,
		MaxRetries:      s.cfg.MaxRetries,
		ExpiresAt:       now.Add(s.cfg.TTL),
		DeliverAt:       deliverAt,
	}
	created, _, err := s.store.CreateGiftWithDebit(ctx, g, repo.Transaction{
		UserID:      req.SenderID,
		Type:        repo.TxGift,
		Amount:      -req.Amount,
		Status:      repo.TxSuccess,
		Reference:   "GIFT_SEND_" + g.ID,
		Description: fmt.Sprintf("%s gift", req.ServiceType),
	})
	if err != nil {
		if errors.Is(err, repo.ErrInsufficientFunds) {
			return View{}, apperr.New(apperr.KindInsufficientBalance, "insufficient wallet balance")
		}
		return View{}, fmt.Errorf("create gift: %w", err)
	}
	s.logger.Info("gift sent", "gift_id", created.ID, "sender_id", created.SenderID, "status", created.Status)
	if created.Status == repo.GiftDelivered {
		s.announce(ctx, created)
	}
	return viewOf(created), nil
}

// DeliverDue releases scheduled gifts whose delivery time has passed.
func (s *Service) DeliverDue(ctx context.Context, limit int) (int, error) {
	now := s.cfg.Now().UTC()
	due, err := s.store.ListGiftsDueForDelivery(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list due gifts: %w", err)
	}
	delivered := 0
	for i := range due {
		res, err := s.store.TransitionGift(ctx, repo.GiftTransition{
			GiftID: due[i].ID,
			From:   []repo.GiftStatus{repo.GiftScheduled},
			To:     repo.GiftDelivered,
			Now:    now,
		})
		if err != nil {
			s.logger.Error("deliver gift", "gift_id", due[i].ID, "error", err)
			continue
		}
		if res.Applied {
			delivered++
			s.announce(ctx, res.Gift)
		}
	}
	return delivered, nil
}

func (s *Service) announce(ctx context.Context, g *repo.GiftCard) {
	if g.RecipientUserID == nil {
		return
	}
	data := map[string]any{"gift_id": g.ID, "amount": g.Amount, "service": g.ServiceType}
	if g.Message != nil {
		data["message"] = *g.Message
	}
	notify.Send(ctx, s.notifier, s.logger, *g.RecipientUserID, notify.KindGiftReceived, data)
}

// Open marks a delivered gift as seen by its recipient.
func (s *Service) Open(ctx context.Context, giftID, claimantID string) (View, error) {
	g, err := s.authorized(ctx, giftID, claimantID)
	if err != nil {
		return View{}, err
	}
	if g.Status != repo.GiftDelivered {
		return viewOf(g), nil
	}
	res, err := s.store.TransitionGift(ctx, repo.GiftTransition{
		GiftID: g.ID,
		From:   []repo.GiftStatus{repo.GiftDelivered},
		To:     repo.GiftOpened,
		Now:    s.cfg.Now().UTC(),
	})
	if err != nil {
		return View{}, fmt.Errorf("open gift: %w", err)
	}
	return viewOf(res.Gift), nil
}

// Claim delivers the gift to the claimant. Retryable failures return the
// number of attempts left on the error.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (View, error) {
	if err := s.validate.Struct(req); err != nil {
		return View{}, apperr.Wrap(apperr.KindValidation, "invalid claim", err)
	}
	g, err := s.authorized(ctx, req.GiftID, req.ClaimantID)
	if err != nil {
		s.observe("unauthorized")
		return View{}, err
	}
	logger := s.logger.With("gift_id", g.ID, "claimant_id", req.ClaimantID)
	now := s.cfg.Now().UTC()

	switch g.Status {
	case repo.GiftCredited:
		s.observe("already_claimed")
		return View{}, alreadyClaimed(g)
	case repo.GiftCrediting:
		s.observe("in_progress")
		return View{}, apperr.New(apperr.KindInProgress, "gift claim is already in progress")
	case repo.GiftExpired, repo.GiftCancelled:
		s.observe("unavailable")
		return View{}, apperr.Newf(apperr.KindValidation, "gift is %s", g.Status)
	case repo.GiftScheduled:
		s.observe("not_delivered")
		return View{}, apperr.New(apperr.KindValidation, "gift has not been delivered yet")
	}

	if now.After(g.ExpiresAt) {
		if _, err := s.store.TransitionGift(ctx, repo.GiftTransition{
			GiftID: g.ID,
			From:   []repo.GiftStatus{repo.GiftScheduled, repo.GiftDelivered, repo.GiftOpened},
			To:     repo.GiftExpired,
			Now:    now,
		}); err != nil {
			return View{}, fmt.Errorf("expire gift: %w", err)
		}
		s.observe("expired")
		return View{}, apperr.New(apperr.KindValidation, "gift expired")
	}

	if g.RetryCount >= g.MaxRetries {
		s.observe("exhausted")
		return View{}, apperr.New(apperr.KindValidation, contactSupport).WithRemaining(0)
	}

	limit := g.MaxRetries
	res, err := s.store.TransitionGift(ctx, repo.GiftTransition{
		GiftID:         g.ID,
		From:           []repo.GiftStatus{repo.GiftDelivered, repo.GiftOpened},
		To:             repo.GiftCrediting,
		RetryBelow:     &limit,
		IncrementRetry: true,
		ClaimedBy:      &req.ClaimantID,
		Now:            now,
	})
	if err != nil {
		return View{}, fmt.Errorf("start crediting: %w", err)
	}
	if !res.Applied {
		switch res.Gift.Status {
		case repo.GiftCrediting:
			s.observe("in_progress")
			return View{}, apperr.New(apperr.KindInProgress, "gift claim is already in progress")
		case repo.GiftCredited:
			s.observe("already_claimed")
			return View{}, alreadyClaimed(res.Gift)
		}
		s.observe("exhausted")
		return View{}, apperr.New(apperr.KindValidation, contactSupport).WithRemaining(0)
	}
	g = res.Gift
	logger.Info("crediting gift", "attempt", g.RetryCount)

	outcome, providerRef, txID, detail := s.deliver(ctx, g, req)
	if outcome == provider.OutcomeSuccess || outcome == provider.OutcomeProcessing {
		return s.complete(ctx, g, req.ClaimantID, providerRef, txID)
	}
	return View{}, s.fail(ctx, g, outcome, detail)
}

// deliver hands the benefit over and never returns an error: every failure is
// reported as an outcome so the gift can leave the crediting state.
func (s *Service) deliver(ctx context.Context, g *repo.GiftCard, req ClaimRequest) (provider.Outcome, string, string, string) {
	if g.ServiceType == ServiceWallet {
		bal, err := s.ledger.Credit(ctx, ledger.Entry{
			UserID:      req.ClaimantID,
			Amount:      g.Amount,
			Type:        repo.TxGift,
			Reference:   "GIFT_" + g.ID,
			Description: "Gift from " + g.SenderID,
		})
		if err == nil {
			return provider.OutcomeSuccess, "", bal.TransactionID, ""
		}
		if errors.Is(err, apperr.ErrAlreadyProcessed) {
			// Credited by an attempt that crashed before recording it.
			txn, terr := s.ledger.Transaction(ctx, "GIFT_"+g.ID)
			if terr == nil {
				return provider.OutcomeSuccess, "", txn.ID, ""
			}
		}
		s.logger.Error("credit gift to wallet", "gift_id", g.ID, "error", err)
		return provider.OutcomeFailed, "", "", "wallet credit failed"
	}

	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		if u, err := s.store.GetUserByID(ctx, req.ClaimantID); err == nil && u.Phone != nil {
			phone = *u.Phone
		} else if g.RecipientPhone != nil {
			phone = *g.RecipientPhone
		}
	}
	if phone == "" {
		return provider.OutcomeFailed, "", "", "no phone number to deliver the gift to"
	}
	ref := attemptReference(g)
	res := s.gateway.Purchase(ctx, provider.Request{
		Reference:   ref,
		Service:     repo.TransactionType(g.ServiceType),
		Network:     strings.ToLower(strings.TrimSpace(req.Network)),
		Target:      phone,
		ProductCode: g.ProductCode,
		Amount:      g.Amount,
	})
	return res.Outcome, res.Reference, ref, res.Message
}

func (s *Service) complete(ctx context.Context, g *repo.GiftCard, claimantID, providerRef, txID string) (View, error) {
	now := s.cfg.Now().UTC()
	res, err := s.store.TransitionGift(context.WithoutCancel(ctx), repo.GiftTransition{
		GiftID:            g.ID,
		From:              []repo.GiftStatus{repo.GiftCrediting},
		To:                repo.GiftCredited,
		ProviderReference: optional(providerRef),
		TransactionID:     optional(txID),
		ClaimedAt:         &now,
		Now:               now,
	})
	if err != nil {
		return View{}, fmt.Errorf("mark gift credited: %w", err)
	}
	if !res.Applied {
		if res.Gift.Status == repo.GiftCredited {
			return viewOf(res.Gift), nil
		}
		return View{}, fmt.Errorf("mark gift credited: unexpected status %s", res.Gift.Status)
	}
	s.observe("credited")
	s.logger.Info("gift credited", "gift_id", g.ID, "claimant_id", claimantID, "provider_reference", providerRef)

	data := map[string]any{"gift_id": g.ID, "amount": g.Amount, "service": g.ServiceType, "claimed_by": claimantID}
	notify.Send(ctx, s.notifier, s.logger, g.SenderID, notify.KindGiftClaimed, data)
	notify.Send(ctx, s.notifier, s.logger, claimantID, notify.KindGiftClaimed, data)
	return viewOf(res.Gift), nil
}

func (s *Service) fail(ctx context.Context, g *repo.GiftCard, outcome provider.Outcome, detail string) error {
	if detail == "" {
		detail = "gift delivery failed"
	}
	unavailable := outcome == provider.OutcomeUnavailable
	reopened, err := s.reopen(ctx, g, unavailable, detail)
	if err != nil {
		return err
	}
	left := remaining(reopened)
	s.logger.Warn("gift claim failed", "gift_id", g.ID, "outcome", outcome, "error", detail, "remaining", left)

	if unavailable {
		s.observe("unavailable")
		return apperr.New(apperr.KindProviderUnavailable, "service temporarily unavailable, please try again later").WithRemaining(left)
	}
	s.observe("failed")
	msg := detail
	if left == 0 {
		msg = contactSupport
	}
	return apperr.New(apperr.KindProviderFailed, msg).WithRemaining(left)
}

// reopen returns a crediting gift to opened. release gives back the attempt.
func (s *Service) reopen(ctx context.Context, g *repo.GiftCard, release bool, detail string) (*repo.GiftCard, error) {
	res, err := s.store.TransitionGift(context.WithoutCancel(ctx), repo.GiftTransition{
		GiftID:       g.ID,
		From:         []repo.GiftStatus{repo.GiftCrediting},
		To:           repo.GiftOpened,
		ReleaseRetry: release,
		LastError:    &detail,
		Now:          s.cfg.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("reopen gift: %w", err)
	}
	return res.Gift, nil
}

// RecoverStale settles gifts left in crediting for longer than the
// crediting lease, which only happens when a claim died between entering
// crediting and recording its outcome. The attempt is looked up where it
// would have landed: the wallet ledger for wallet gifts, the provider for
// the rest. Attempts the provider cannot answer for yet stay put.
func (s *Service) RecoverStale(ctx context.Context, limit int) (int, error) {
	now := s.cfg.Now().UTC()
	stale, err := s.store.ListStaleCreditingGifts(ctx, now.Add(-s.cfg.CreditingLease), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale gifts: %w", err)
	}
	recovered := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		ok, err := s.recoverAttempt(ctx, &stale[i])
		if err != nil {
			s.logger.Error("recover gift", "gift_id", stale[i].ID, "error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (s *Service) recoverAttempt(ctx context.Context, g *repo.GiftCard) (bool, error) {
	claimant := ""
	if g.ClaimedBy != nil {
		claimant = *g.ClaimedBy
	}
	logger := s.logger.With("gift_id", g.ID, "attempt", g.RetryCount)

	if g.ServiceType == ServiceWallet {
		txn, err := s.ledger.Transaction(ctx, "GIFT_"+g.ID)
		switch {
		case err == nil:
			logger.Info("recovering credited wallet gift")
			_, err = s.complete(ctx, g, claimant, "", txn.ID)
			return err == nil, err
		case errors.Is(err, repo.ErrNotFound):
			logger.Warn("reopening interrupted wallet gift")
			s.observe("recovered_open")
			_, err = s.reopen(ctx, g, true, "gift claim was interrupted, please try again")
			return err == nil, err
		default:
			return false, fmt.Errorf("load gift credit: %w", err)
		}
	}

	ref := attemptReference(g)
	res := s.gateway.Status(ctx, ref)
	switch {
	case res.Succeeded():
		logger.Info("recovering delivered gift", "outcome", res.Outcome)
		_, err := s.complete(ctx, g, claimant, res.Reference, ref)
		return err == nil, err
	case res.Outcome == provider.OutcomeFailed && !res.Retryable:
		logger.Warn("reopening rejected gift attempt", "error", res.Message)
		s.observe("recovered_open")
		detail := res.Message
		if detail == "" {
			detail = "gift delivery failed"
		}
		_, err := s.reopen(ctx, g, false, detail)
		return err == nil, err
	}
	logger.Warn("gift attempt still unresolved", "outcome", res.Outcome)
	return false, nil
}

func attemptReference(g *repo.GiftCard) string {
	return "GIFT_" + g.ID + "_" + strconv.Itoa(g.RetryCount)
}

// authorized loads the gift and checks the claimant is its recipient. Missing
// gifts and foreign gifts produce the same error.
func (s *Service) authorized(ctx context.Context, giftID, claimantID string) (*repo.GiftCard, error) {
	denied := apperr.New(apperr.KindUnauthorized, "gift not found or not addressed to you")
	g, err := s.store.GetGift(ctx, giftID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, denied
		}
		return nil, fmt.Errorf("load gift: %w", err)
	}
	claimant := &repo.User{ID: claimantID}
	if u, err := s.store.GetUserByID(ctx, claimantID); err == nil {
		claimant = u
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("load claimant: %w", err)
	}
	if !IsRecipient(g, claimant) {
		return nil, denied
	}
	return g, nil
}

// IsRecipient matches a user against the gift's recorded recipient by id,
// case-insensitive email, or the last ten digits of the phone number.
func IsRecipient(g *repo.GiftCard, u *repo.User) bool {
	if g.RecipientUserID != nil && *g.RecipientUserID == u.ID {
		return true
	}
	if g.RecipientEmail != nil && u.Email != nil && *g.RecipientEmail != "" &&
		strings.EqualFold(strings.TrimSpace(*g.RecipientEmail), strings.TrimSpace(*u.Email)) {
		return true
	}
	if g.RecipientPhone != nil && u.Phone != nil {
		a, b := lastDigits(*g.RecipientPhone, 10), lastDigits(*u.Phone, 10)
		return len(a) == 10 && a == b
	}
	return false
}

func lastDigits(s string, n int) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) > n {
		d = d[len(d)-n:]
	}
	return d
}

func alreadyClaimed(g *repo.GiftCard) error {
	return apperr.New(apperr.KindAlreadyClaimed, "gift already claimed").WithResult(viewOf(g))
}

func (s *Service) observe(outcome string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.GiftClaims.WithLabelValues(outcome).Inc()
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
