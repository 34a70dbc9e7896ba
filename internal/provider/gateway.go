// Package provider wraps the upstream VTU provider behind a circuit breaker and
// a per-call timeout, and classifies every call into one of four outcomes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/breaker"
	"vtu-engine/internal/metrics"
	"vtu-engine/internal/repo"
)

// Outcome classifies a provider call.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeProcessing  Outcome = "processing"
	OutcomeFailed      Outcome = "failed"
	OutcomeUnavailable Outcome = "unavailable"
)

// Upstream statuses reported through Response.Status.
const (
	StatusSuccess = "success"
	StatusPending = "pending"
	StatusFailed  = "failed"
)

const genericFailure = "provider request failed"

// Request describes a purchase at the provider. Reference is the ledger reference.
type Request struct {
	Reference   string               `json:"reference"`
	Service     repo.TransactionType `json:"service"`
	Network     string               `json:"network,omitempty"`
	Target      string               `json:"target"`
	ProductCode string               `json:"product_code,omitempty"`
	Amount      int64                `json:"amount"`
}

// Response is the raw answer of a Provider.
type Response struct {
	Status            string
	ProviderReference string
	Message           string
}

// Provider talks to one upstream. A returned error means the call itself broke
// (timeout, transport, malformed reply); explicit rejections come back as a
// failed Response.
type Provider interface {
	Name() string
	Purchase(ctx context.Context, req Request) (Response, error)
	Status(ctx context.Context, reference string) (Response, error)
}

// Result is the classified outcome of a gateway call.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	Reference string  `json:"provider_reference,omitempty"`
	Message   string  `json:"message,omitempty"`
	Retryable bool    `json:"retryable"`
}

// Succeeded reports whether the wallet debit should stand.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeProcessing
}

// Err maps failed and unavailable outcomes to typed errors.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeFailed:
		return apperr.New(apperr.KindProviderFailed, r.Message)
	case OutcomeUnavailable:
		return apperr.New(apperr.KindProviderUnavailable, r.Message)
	}
	return nil
}

// Config holds gateway parameters.
type Config struct {
	Timeout time.Duration
}

// Gateway is the only path to the provider.
type Gateway struct {
	provider Provider
	breakers *breaker.Registry
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New constructs a Gateway.
func New(p Provider, breakers *breaker.Registry, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Gateway{
		provider: p,
		breakers: breakers,
		timeout:  cfg.Timeout,
		metrics:  m,
		logger:   logger.With("component", "provider", "provider", p.Name()),
	}
}

// Purchase places an order at the provider.
func (g *Gateway) Purchase(ctx context.Context, req Request) Result {
	return g.call(ctx, "purchase", func(ctx context.Context) (Response, error) {
		return g.provider.Purchase(ctx, req)
	})
}

// Status checks a previously placed order.
func (g *Gateway) Status(ctx context.Context, reference string) Result {
	return g.call(ctx, "status", func(ctx context.Context) (Response, error) {
		return g.provider.Status(ctx, reference)
	})
}

func (g *Gateway) call(ctx context.Context, op string, fn func(ctx context.Context) (Response, error)) Result {
	start := time.Now()
	b := g.breakers.Get(g.provider.Name())
	ticket, err := b.Allow(ctx)
	if err != nil {
		if !errors.Is(err, breaker.ErrOpen) {
			g.logger.Error("breaker admission failed", "op", op, "error", err)
		}
		res := Result{Outcome: OutcomeUnavailable, Message: "service temporarily unavailable, please try again later", Retryable: true}
		g.observe(res.Outcome, start)
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := safeCall(callCtx, fn)
	if err != nil {
		ticket.Done(ctx, false)
		g.logger.Warn("provider call failed", "op", op, "error", err, "timeout", errors.Is(err, context.DeadlineExceeded))
		res := Result{Outcome: OutcomeFailed, Message: genericFailure, Retryable: true}
		g.observe(res.Outcome, start)
		return res
	}
	ticket.Done(ctx, true)

	res := classify(resp)
	g.observe(res.Outcome, start)
	return res
}

func classify(resp Response) Result {
	switch resp.Status {
	case StatusSuccess:
		return Result{Outcome: OutcomeSuccess, Reference: resp.ProviderReference, Message: resp.Message}
	case StatusFailed:
		msg := resp.Message
		if msg == "" {
			msg = genericFailure
		}
		return Result{Outcome: OutcomeFailed, Reference: resp.ProviderReference, Message: msg}
	default:
		// Pending and unrecognised statuses are settled later by status checks.
		return Result{Outcome: OutcomeProcessing, Reference: resp.ProviderReference, Message: resp.Message, Retryable: true}
	}
}

func safeCall(ctx context.Context, fn func(ctx context.Context) (Response, error)) (resp Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("provider panic: %v", p)
		}
	}()
	resp, err = fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return resp, err
}

func (g *Gateway) observe(outcome Outcome, start time.Time) {
	if g.metrics == nil {
		return
	}
	name := g.provider.Name()
	g.metrics.ProviderOutcomes.WithLabelValues(name, string(outcome)).Inc()
	g.metrics.ProviderLatency.WithLabelValues(name, string(outcome)).Observe(time.Since(start).Seconds())
}
