// Package breaker implements a per-provider circuit breaker.
//
// A breaker is closed while the provider behaves. Threshold consecutive
// failures open it; while open, calls are rejected without touching the
// network. After Cooldown a single trial call is let through (half-open):
// success closes the breaker, failure opens it again with a fresh timestamp.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vtu-engine/internal/metrics"
)

// ErrOpen is returned by Allow when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Snapshot is the observable breaker state.
type Snapshot struct {
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Trial   bool
	From    State
	To      State
}

// Transition is the state change caused by recording a result.
type Transition struct {
	From     State
	To       State
	Failures int
}

// Backend stores breaker state. Each method must be atomic per name.
type Backend interface {
	Allow(ctx context.Context, name string, now time.Time, cooldown time.Duration) (Decision, error)
	Record(ctx context.Context, name string, success, trial bool, now time.Time, threshold int, cooldown time.Duration) (Transition, error)
	Load(ctx context.Context, name string) (Snapshot, error)
}

// Config holds breaker parameters.
type Config struct {
	Threshold int
	Cooldown  time.Duration
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker guards calls to one provider.
type Breaker struct {
	name    string
	cfg     Config
	backend Backend
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Ticket is an admitted call. Done must be called exactly once with the call result.
type Ticket struct {
	b     *Breaker
	trial bool
	done  atomic.Bool
}

// Trial reports whether this call is the half-open trial call.
func (t *Ticket) Trial() bool {
	return t.trial
}

// Name returns the provider name.
func (b *Breaker) Name() string {
	return b.name
}

// Allow admits or rejects a call.
func (b *Breaker) Allow(ctx context.Context) (*Ticket, error) {
	d, err := b.backend.Allow(ctx, b.name, b.cfg.Now(), b.cfg.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("breaker %s allow: %w", b.name, err)
	}
	b.transitioned(d.From, d.To)
	if !d.Allowed {
		return nil, ErrOpen
	}
	return &Ticket{b: b, trial: d.Trial}, nil
}

// Done records the call result. Further calls are ignored.
func (t *Ticket) Done(ctx context.Context, success bool) {
	if t == nil || !t.done.CompareAndSwap(false, true) {
		return
	}
	b := t.b
	tr, err := b.backend.Record(context.WithoutCancel(ctx), b.name, success, t.trial, b.cfg.Now(), b.cfg.Threshold, b.cfg.Cooldown)
	if err != nil {
		b.logger.Error("record breaker result", "provider", b.name, "error", err)
		return
	}
	b.transitioned(tr.From, tr.To)
}

// Do runs fn through the breaker; any error counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ticket, err := b.Allow(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx)
	ticket.Done(ctx, err == nil)
	return err
}

// State returns the current snapshot.
func (b *Breaker) State(ctx context.Context) (Snapshot, error) {
	return b.backend.Load(ctx, b.name)
}

func (b *Breaker) transitioned(from, to State) {
	if from == to || to == "" {
		return
	}
	b.logger.Warn("circuit breaker transition", "provider", b.name, "from", from, "to", to)
	if b.metrics == nil {
		return
	}
	b.metrics.BreakerTransitions.WithLabelValues(b.name, string(to)).Inc()
	b.metrics.BreakerState.WithLabelValues(b.name).Set(stateValue(to))
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Registry hands out one breaker per provider name.
type Registry struct {
	cfg     Config
	backend Backend
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a registry over a shared backend.
func NewRegistry(cfg Config, backend Backend, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if backend == nil {
		backend = NewMemoryState()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		backend:  backend,
		metrics:  m,
		logger:   logger.With("component", "breaker"),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := &Breaker{
		name:    name,
		cfg:     r.cfg,
		backend: r.backend,
		metrics: r.metrics,
		logger:  r.logger,
	}
	r.breakers[name] = b
	return b
}

// Snapshots returns the state of every breaker created so far.
func (r *Registry) Snapshots(ctx context.Context) (map[string]Snapshot, error) {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		s, err := r.backend.Load(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load breaker %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}
