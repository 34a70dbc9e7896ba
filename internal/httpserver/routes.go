package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/breaker"
	"vtu-engine/internal/gift"
	"vtu-engine/internal/jobs"
	"vtu-engine/internal/provider"
	"vtu-engine/internal/purchase"
	"vtu-engine/internal/repo"
	"vtu-engine/internal/schedule"
)

const maxBodyBytes = 64 << 10

// Purchases places direct purchases.
type Purchases interface {
	Purchase(ctx context.Context, req purchase.Request) (purchase.Receipt, error)
}

// Gifts manages gift cards.
type Gifts interface {
	Send(ctx context.Context, req gift.SendRequest) (gift.View, error)
	Open(ctx context.Context, giftID, claimantID string) (gift.View, error)
	Claim(ctx context.Context, req gift.ClaimRequest) (gift.View, error)
	DeliverDue(ctx context.Context, limit int) (int, error)
	RecoverStale(ctx context.Context, limit int) (int, error)
}

// Schedules manages scheduled purchases.
type Schedules interface {
	Create(ctx context.Context, req schedule.CreateRequest) (*repo.ScheduledPurchase, error)
	Pause(ctx context.Context, id, userID, reason string) (*repo.ScheduledPurchase, error)
	Resume(ctx context.Context, id, userID string) (*repo.ScheduledPurchase, error)
	History(ctx context.Context, id, userID string, limit int) ([]repo.ExecutionLog, error)
	Sweep(ctx context.Context) (schedule.SweepReport, error)
}

// Jobs drains the background job queue.
type Jobs interface {
	ProcessPending(ctx context.Context) (jobs.Report, error)
}

// Wallets reads balances.
type Wallets interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// Breakers exposes circuit state.
type Breakers interface {
	Snapshots(ctx context.Context) (map[string]breaker.Snapshot, error)
}

// Catalog serves the provider price list and reseller float.
type Catalog interface {
	Plans(ctx context.Context, service string) ([]provider.Plan, error)
	Float(ctx context.Context) (float64, error)
}

// Handlers groups the services mounted by the server.
type Handlers struct {
	VTUWebhook http.Handler
	Purchases  Purchases
	Gifts      Gifts
	Schedules  Schedules
	Jobs       Jobs
	Wallets    Wallets
	Breakers   Breakers
	Catalog    Catalog
	// GiftBatch bounds DeliverDue and RecoverStale per cron call.
	GiftBatch int
}

func (s *Server) mountAPI(r *mux.Router) {
	h := s.handlers
	if h.Wallets != nil {
		r.HandleFunc("/wallet", s.handleBalance).Methods(http.MethodGet)
	}
	if h.Purchases != nil {
		r.HandleFunc("/purchases", s.handlePurchase).Methods(http.MethodPost)
	}
	if h.Catalog != nil {
		r.HandleFunc("/plans/{service}", s.handlePlans).Methods(http.MethodGet)
	}
	if h.Gifts != nil {
		r.HandleFunc("/gifts", s.handleSendGift).Methods(http.MethodPost)
		r.HandleFunc("/gifts/{id}", s.handleOpenGift).Methods(http.MethodGet)
		r.HandleFunc("/gifts/{id}/claim", s.handleClaimGift).Methods(http.MethodPost)
	}
	if h.Schedules != nil {
		r.HandleFunc("/schedules", s.handleCreateSchedule).Methods(http.MethodPost)
		r.HandleFunc("/schedules/{id}/pause", s.handlePauseSchedule).Methods(http.MethodPost)
		r.HandleFunc("/schedules/{id}/resume", s.handleResumeSchedule).Methods(http.MethodPost)
		r.HandleFunc("/schedules/{id}/logs", s.handleScheduleLogs).Methods(http.MethodGet)
	}
}

func (s *Server) mountCron(r *mux.Router) {
	h := s.handlers
	if h.Schedules != nil {
		r.HandleFunc("/schedules", s.handleScheduleSweep).Methods(http.MethodPost)
	}
	if h.Jobs != nil {
		r.HandleFunc("/jobs", s.handleJobSweep).Methods(http.MethodPost)
	}
	if h.Gifts != nil {
		r.HandleFunc("/gifts", s.handleGiftSweep).Methods(http.MethodPost)
	}
	if h.Breakers != nil {
		r.HandleFunc("/breakers", s.handleBreakers).Methods(http.MethodGet)
	}
	if h.Catalog != nil {
		r.HandleFunc("/float", s.handleFloat).Methods(http.MethodGet)
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	balance, err := s.handlers.Wallets.Balance(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"user_id": uid, "balance": balance})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var params repo.ServiceParams
	if !s.decode(w, r, &params) {
		return
	}
	receipt, err := s.handlers.Purchases.Purchase(r.Context(), purchase.Request{
		UserID:         userID(r),
		Params:         params,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if receipt.Status == provider.OutcomeProcessing {
		status = http.StatusAccepted
	}
	writeStatus(w, status, receipt)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	plans, err := s.handlers.Catalog.Plans(r.Context(), service)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindProviderUnavailable, "price list unavailable, please try again later", err))
		return
	}
	writeJSON(w, map[string]any{"service": service, "plans": plans})
}

func (s *Server) handleSendGift(w http.ResponseWriter, r *http.Request) {
	var req gift.SendRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.SenderID = userID(r)
	view, err := s.handlers.Gifts.Send(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeStatus(w, http.StatusCreated, view)
}

func (s *Server) handleOpenGift(w http.ResponseWriter, r *http.Request) {
	view, err := s.handlers.Gifts.Open(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleClaimGift(w http.ResponseWriter, r *http.Request) {
	var req gift.ClaimRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	req.GiftID = mux.Vars(r)["id"]
	req.ClaimantID = userID(r)
	view, err := s.handlers.Gifts.Claim(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req schedule.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)
	sp, err := s.handlers.Schedules.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeStatus(w, http.StatusCreated, sp)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	sp, err := s.handlers.Schedules.Pause(r.Context(), mux.Vars(r)["id"], userID(r), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, sp)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	sp, err := s.handlers.Schedules.Resume(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, sp)
}

func (s *Server) handleScheduleLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.handlers.Schedules.History(r.Context(), mux.Vars(r)["id"], userID(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"logs": logs})
}

func (s *Server) handleScheduleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.handlers.Schedules.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleJobSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.handlers.Jobs.ProcessPending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleGiftSweep(w http.ResponseWriter, r *http.Request) {
	limit := s.handlers.GiftBatch
	if limit <= 0 {
		limit = 100
	}
	delivered, err := s.handlers.Gifts.DeliverDue(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recovered, err := s.handlers.Gifts.RecoverStale(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]int{"delivered": delivered, "recovered": recovered})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.handlers.Breakers.Snapshots(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, snaps)
}

func (s *Server) handleFloat(w http.ResponseWriter, r *http.Request) {
	float, err := s.handlers.Catalog.Float(r.Context())
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindProviderUnavailable, "provider balance unavailable", err))
		return
	}
	writeJSON(w, map[string]float64{"float": float})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		writeStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return false
	}
	return true
}

type errorBody struct {
	Error            apperr.Kind `json:"error"`
	Message          string      `json:"message"`
	Retryable        bool        `json:"retryable"`
	RetriesRemaining *int        `json:"retries_remaining,omitempty"`
	Result           any         `json:"result,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	kind := apperr.KindOf(err)
	body := errorBody{Error: kind, Retryable: apperr.Retryable(err)}
	if e, ok := apperr.As(err); ok && kind != apperr.KindInternal {
		body.Message = e.Message
		body.RetriesRemaining = e.Remaining
		body.Result = e.Result
	} else {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("http").Inc()
		}
		body.Error = apperr.KindInternal
		body.Message = "internal error"
	}
	writeStatus(w, apperr.HTTPStatus(body.Error), body)
}
