// Package schedule runs recurring purchases.
//
// A sweep picks active schedules that are due, leases each one so that
// overlapping sweeps cannot run it twice, attempts the purchase and writes the
// next run time. Insufficient balance is retried with backoff and pauses the
// schedule once the retry budget is spent. A failed purchase is retried the
// same way but, once exhausted, skips to the next regular occurrence. An open
// circuit delays the run without consuming the budget.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/backoff"
	"vtu-engine/internal/metrics"
	"vtu-engine/internal/notify"
	"vtu-engine/internal/provider"
	"vtu-engine/internal/purchase"
	"vtu-engine/internal/repo"
)

// Run outcomes recorded in execution logs.
const (
	OutcomeSuccess             = "success"
	OutcomeRetry               = "retry"
	OutcomeFailed              = "failed"
	OutcomeUnavailable         = "unavailable"
	OutcomeInsufficientBalance = "insufficient_balance"
	OutcomePaused              = "paused"
	OutcomeError               = "error"
)

// DefaultMaxRetries is the per-occurrence retry budget of a schedule.
const DefaultMaxRetries = 3

const pausedForBalance = "insufficient balance"

// Store is the persistence subset used by the scheduler.
type Store interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	InsertSchedule(ctx context.Context, s repo.ScheduledPurchase) (*repo.ScheduledPurchase, error)
	GetSchedule(ctx context.Context, id string) (*repo.ScheduledPurchase, error)
	ListDueSchedules(ctx context.Context, dueBefore, now time.Time, limit int) ([]repo.ScheduledPurchase, error)
	ClaimSchedule(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	SaveScheduleState(ctx context.Context, s repo.ScheduledPurchase) error
	InsertExecutionLog(ctx context.Context, entry repo.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, scheduleID string, limit int) ([]repo.ExecutionLog, error)
}

// Purchaser executes one purchase attempt.
type Purchaser interface {
	Execute(ctx context.Context, o purchase.Order) (purchase.Receipt, error)
}

// Config holds scheduler parameters.
type Config struct {
	BatchSize        int
	Tolerance        time.Duration
	Lease            time.Duration
	UnavailableDelay time.Duration
	MaxRetries       int
	Retry            backoff.Policy
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// Scheduler owns scheduled purchases.
type Scheduler struct {
	store     Store
	purchaser Purchaser
	notifier  notify.Notifier
	cfg       Config
	logger    *slog.Logger
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Due       int            `json:"due"`
	Processed int            `json:"processed"`
	Skipped   int            `json:"skipped"`
	Outcomes  map[string]int `json:"outcomes"`
}

// New builds a Scheduler. notifier may be nil.
func New(store Store, p Purchaser, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.UnavailableDelay <= 0 {
		cfg.UnavailableDelay = 15 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Retry == nil {
		cfg.Retry = backoff.Exponential{Base: 30 * time.Minute, Max: 6 * time.Hour}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:     store,
		purchaser: p,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
	}
}

// Sweep runs every due schedule, at most BatchSize per call.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	now := s.cfg.Now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now.Add(s.cfg.Tolerance), now, s.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list due schedules: %w", err)
	}
	report := SweepReport{Due: len(due), Outcomes: map[string]int{}}
	for i := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sp := due[i]
		ok, err := s.store.ClaimSchedule(ctx, sp.ID, now, now.Add(s.cfg.Lease))
		if err != nil {
			s.logger.Error("claim schedule", "schedule_id", sp.ID, "error", err)
			report.Skipped++
			continue
		}
		if !ok {
			report.Skipped++
			continue
		}
		outcome := s.run(ctx, &sp, now)
		report.Processed++
		report.Outcomes[outcome]++
	}
	if report.Processed > 0 {
		s.logger.Info("schedule sweep finished", "due", report.Due, "processed", report.Processed, "outcomes", report.Outcomes)
	}
	return report, nil
}

// Reference is the ledger reference of one attempt of a schedule slot.
func Reference(sp *repo.ScheduledPurchase) string {
	return fmt.Sprintf("SCHED_%s_%d_%d", sp.ID, sp.NextRunAt.Unix(), sp.RetryCount)
}

func (s *Scheduler) run(ctx context.Context, sp *repo.ScheduledPurchase, now time.Time) string {
	logger := s.logger.With("schedule_id", sp.ID, "user_id", sp.UserID)
	var (
		outcome string
		message string
		ref     *string
	)
	data := map[string]any{
		"schedule_id": sp.ID,
		"service":     string(sp.Params.Service),
		"target":      sp.Params.Target,
		"amount":      sp.Params.Amount,
	}

	balance, err := s.store.GetBalance(ctx, sp.UserID)
	switch {
	case err != nil:
		logger.Error("read balance for schedule", "error", err)
		outcome, message = OutcomeError, "balance lookup failed"
		sp.NextRunAt = now.Add(s.cfg.UnavailableDelay)
	case balance < sp.Params.Amount:
		outcome, message = s.insufficient(ctx, sp, now, data)
	default:
		reference := Reference(sp)
		ref = &reference
		data["reference"] = reference
		receipt, perr := s.purchaser.Execute(ctx, purchase.Order{
			UserID:      sp.UserID,
			Params:      sp.Params,
			Reference:   reference,
			Type:        repo.TxScheduled,
			Description: fmt.Sprintf("scheduled %s %s", sp.Params.Service, sp.Params.Target),
		})
		outcome, message = s.settle(ctx, sp, now, receipt, perr, data)
	}

	if err := s.store.SaveScheduleState(context.WithoutCancel(ctx), *sp); err != nil {
		logger.Error("save schedule state", "error", err)
	}
	next := sp.NextRunAt
	entry := repo.ExecutionLog{
		ScheduleID: sp.ID,
		UserID:     sp.UserID,
		Outcome:    outcome,
		Message:    message,
		Reference:  ref,
		CreatedAt:  now,
	}
	if sp.IsActive {
		entry.NextRunAt = &next
	}
	if err := s.store.InsertExecutionLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("insert execution log", "error", err)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ScheduleRuns.WithLabelValues(outcome).Inc()
	}
	logger.Info("schedule run", "outcome", outcome, "message", message, "next_run_at", next, "active", sp.IsActive)
	return outcome
}

func (s *Scheduler) insufficient(ctx context.Context, sp *repo.ScheduledPurchase, now time.Time, data map[string]any) (string, string) {
	sp.RetryCount++
	if sp.RetryCount >= sp.MaxRetries {
		reason := pausedForBalance
		sp.IsActive = false
		sp.PausedAt = &now
		sp.PauseReason = &reason
		data["reason"] = reason
		notify.Send(ctx, s.notifier, s.logger, sp.UserID, notify.KindSchedulePaused, data)
		return OutcomePaused, "paused after repeated insufficient balance"
	}
	sp.NextRunAt = backoff.RetryAt(s.cfg.Retry, now, sp.RetryCount)
	return OutcomeInsufficientBalance, pausedForBalance
}

func (s *Scheduler) settle(ctx context.Context, sp *repo.ScheduledPurchase, now time.Time, receipt purchase.Receipt, err error, data map[string]any) (string, string) {
	if err == nil || apperr.IsSuccessLike(err) {
		sp.RetryCount = 0
		sp.SuccessCount++
		sp.LastRunAt = &now
		sp.NextRunAt = s.nextRegular(sp, now)
		// Processing purchases are announced by the verify job once settled.
		if err != nil || receipt.Status != provider.OutcomeProcessing {
			notify.Send(ctx, s.notifier, s.logger, sp.UserID, notify.KindPurchaseSucceeded, data)
		}
		return OutcomeSuccess, "purchase completed"
	}

	switch apperr.KindOf(err) {
	case apperr.KindInsufficientBalance:
		return s.insufficient(ctx, sp, now, data)
	case apperr.KindProviderUnavailable:
		sp.NextRunAt = now.Add(s.cfg.UnavailableDelay)
		return OutcomeUnavailable, messageOf(err)
	}

	sp.LastRunAt = &now
	sp.RetryCount++
	if sp.RetryCount >= sp.MaxRetries {
		sp.RetryCount = 0
		sp.FailureCount++
		sp.NextRunAt = s.nextRegular(sp, now)
		data["reason"] = messageOf(err)
		notify.Send(ctx, s.notifier, s.logger, sp.UserID, notify.KindPurchaseFailed, data)
		return OutcomeFailed, messageOf(err)
	}
	sp.NextRunAt = backoff.RetryAt(s.cfg.Retry, now, sp.RetryCount)
	return OutcomeRetry, messageOf(err)
}

// nextRegular returns the first occurrence after the slot that just ran. A
// sweep may run a slot up to Tolerance early, so now alone could yield the
// same slot again.
func (s *Scheduler) nextRegular(sp *repo.ScheduledPurchase, now time.Time) time.Time {
	from := now
	if sp.NextRunAt.After(from) {
		from = sp.NextRunAt
	}
	next, err := NextRun(sp.Frequency, from)
	if err != nil {
		// A stored frequency that no longer validates stops the schedule.
		s.logger.Error("compute next run", "schedule_id", sp.ID, "error", err)
		reason := "invalid frequency"
		sp.IsActive = false
		sp.PausedAt = &now
		sp.PauseReason = &reason
		return now
	}
	return next
}

func messageOf(err error) string {
	if e, ok := apperr.As(err); ok && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// CreateRequest creates a schedule.
type CreateRequest struct {
	UserID     string             `json:"user_id" validate:"required,max=64"`
	Params     repo.ServiceParams `json:"params"`
	Frequency  repo.Frequency     `json:"frequency"`
	MaxRetries int                `json:"max_retries,omitempty" validate:"min=0,max=10"`
}

// Create validates and stores a new schedule.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*repo.ScheduledPurchase, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid schedule", err)
	}
	now := s.cfg.Now().UTC()
	next, err := NextRun(req.Frequency, now)
	if err != nil {
		return nil, err
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.MaxRetries
	}
	sp, err := s.store.InsertSchedule(ctx, repo.ScheduledPurchase{
		UserID:     req.UserID,
		Params:     req.Params,
		Frequency:  req.Frequency,
		NextRunAt:  next,
		MaxRetries: maxRetries,
		IsActive:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.logger.Info("schedule created", "schedule_id", sp.ID, "user_id", sp.UserID, "next_run_at", sp.NextRunAt)
	return sp, nil
}

// Pause deactivates a schedule owned by userID.
func (s *Scheduler) Pause(ctx context.Context, id, userID, reason string) (*repo.ScheduledPurchase, error) {
	sp, err := s.owned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !sp.IsActive {
		return sp, nil
	}
	if reason == "" {
		reason = "paused by user"
	}
	now := s.cfg.Now().UTC()
	sp.IsActive = false
	sp.PausedAt = &now
	sp.PauseReason = &reason
	if err := s.store.SaveScheduleState(ctx, *sp); err != nil {
		return nil, fmt.Errorf("pause schedule: %w", err)
	}
	return sp, nil
}

// Resume reactivates a schedule with a fresh retry budget.
func (s *Scheduler) Resume(ctx context.Context, id, userID string) (*repo.ScheduledPurchase, error) {
	sp, err := s.owned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	next, err := NextRun(sp.Frequency, s.cfg.Now().UTC())
	if err != nil {
		return nil, err
	}
	sp.IsActive = true
	sp.PausedAt = nil
	sp.PauseReason = nil
	sp.RetryCount = 0
	sp.NextRunAt = next
	if err := s.store.SaveScheduleState(ctx, *sp); err != nil {
		return nil, fmt.Errorf("resume schedule: %w", err)
	}
	return sp, nil
}

// History returns recent execution log entries of a schedule owned by userID.
func (s *Scheduler) History(ctx context.Context, id, userID string, limit int) ([]repo.ExecutionLog, error) {
	if _, err := s.owned(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.store.ListExecutionLogs(ctx, id, limit)
}

func (s *Scheduler) owned(ctx context.Context, id, userID string) (*repo.ScheduledPurchase, error) {
	sp, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.New(apperr.KindUnauthorized, "schedule not found")
		}
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	if sp.UserID != userID {
		return nil, apperr.New(apperr.KindUnauthorized, "schedule not found")
	}
	return sp, nil
}
