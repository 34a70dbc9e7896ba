// Package idempotency makes operations safe to retry by storing their results under a derived key.
//
// A key is reserved in a shared store before the operation runs. Concurrent
// callers holding the same key observe the pending reservation and are told to
// come back later; callers arriving after completion get the stored result and
// the operation is not executed again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/backoff"
	"vtu-engine/internal/metrics"
)

// Status mirrors the persisted state of a key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Record is what a store returns for a key that is already taken.
type Record struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Store persists reservations. Implementations must be visible to every instance.
type Store interface {
	// Reserve atomically claims key. When the key is taken, the current record is returned.
	Reserve(ctx context.Context, key string, now time.Time, lockTTL, retention time.Duration) (bool, *Record, error)
	Complete(ctx context.Context, key string, result []byte, expiresAt time.Time) error
	Release(ctx context.Context, key string) error
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Op is the guarded operation. Its result must be JSON serialisable.
type Op func(ctx context.Context) (any, error)

// Config controls lock and retention windows.
type Config struct {
	// LockTTL must outlive the guarded operation; an expired pending lock
	// lets the same key run again.
	LockTTL   time.Duration
	Retention time.Duration
	// CompleteAttempts bounds how often a finished result is written back.
	CompleteAttempts int
	CompleteRetry    backoff.Policy
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// Guard runs operations at most once per key.
type Guard struct {
	store            Store
	lockTTL          time.Duration
	retention        time.Duration
	completeAttempts int
	completeRetry    backoff.Policy
	metrics          *metrics.Metrics
	now              func() time.Time
	logger           *slog.Logger
}

// New constructs a Guard backed by store.
func New(store Store, cfg Config, logger *slog.Logger) *Guard {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CompleteAttempts <= 0 {
		cfg.CompleteAttempts = 5
	}
	if cfg.CompleteRetry == nil {
		cfg.CompleteRetry = backoff.Exponential{Base: 50 * time.Millisecond, Max: 2 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{
		store:            store,
		lockTTL:          cfg.LockTTL,
		retention:        cfg.Retention,
		completeAttempts: cfg.CompleteAttempts,
		completeRetry:    cfg.CompleteRetry,
		metrics:          cfg.Metrics,
		now:              cfg.Now,
		logger:           logger.With("component", "idempotency"),
	}
}

// Execute runs op once for key and returns its JSON result.
func (g *Guard) Execute(ctx context.Context, key string, op Op) (result json.RawMessage, err error) {
	if key == "" {
		return nil, apperr.New(apperr.KindValidation, "idempotency key is required")
	}
	now := g.now().UTC()
	reserved, existing, err := g.store.Reserve(ctx, key, now, g.lockTTL, g.retention)
	if err != nil {
		g.observe("store_error")
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if !reserved {
		if existing != nil && existing.Status == StatusCompleted {
			g.observe("replayed")
			g.logger.Debug("returning stored result", "key", key)
			return existing.Result, nil
		}
		g.observe("in_progress")
		return nil, apperr.New(apperr.KindInProgress, "request is already being processed")
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if relErr := g.store.Release(context.WithoutCancel(ctx), key); relErr != nil {
			g.logger.Error("release idempotency key", "key", key, "error", relErr)
		}
	}
	defer func() {
		if p := recover(); p != nil {
			release()
			panic(p)
		}
	}()

	value, opErr := op(ctx)
	if opErr != nil {
		release()
		g.observe("released")
		return nil, opErr
	}

	data, err := json.Marshal(value)
	if err != nil {
		release()
		return nil, fmt.Errorf("encode idempotent result: %w", err)
	}
	if err := g.complete(context.WithoutCancel(ctx), key, data); err != nil {
		// The operation already happened. Once the pending lock expires the key
		// can run again, so this needs an operator.
		g.logger.Error("store idempotent result", "key", key, "attempts", g.completeAttempts, "error", err)
		g.observe("complete_error")
		return data, nil
	}
	g.observe("executed")
	return data, nil
}

func (g *Guard) complete(ctx context.Context, key string, data []byte) error {
	var err error
	for attempt := 1; attempt <= g.completeAttempts; attempt++ {
		if err = g.store.Complete(ctx, key, data, g.now().UTC().Add(g.retention)); err == nil {
			return nil
		}
		if attempt < g.completeAttempts {
			g.logger.Warn("retrying idempotent result write", "key", key, "attempt", attempt, "error", err)
			time.Sleep(g.completeRetry.Delay(attempt))
		}
	}
	return err
}

// Purge removes expired records.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	return g.store.Purge(ctx, g.now().UTC())
}

func (g *Guard) observe(outcome string) {
	if g.metrics != nil {
		g.metrics.IdempotencyOutcomes.WithLabelValues(outcome).Inc()
	}
}

// Run is a typed wrapper around Guard.Execute.
func Run[T any](ctx context.Context, g *Guard, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := g.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode idempotent result: %w", err)
	}
	return out, nil
}

// DeriveKey hashes the operation scope, user, payload and a time bucket into a key.
// Identical submissions within the same bucket collide; the payload is encoded with encoding/json.
func DeriveKey(scope, userID string, payload any, now time.Time, bucket time.Duration) (string, error) {
	if bucket <= 0 {
		bucket = time.Minute
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode key payload: %w", err)
	}
	slot := now.UTC().UnixNano() / int64(bucket)

	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{'|'})
	h.Write([]byte(userID))
	h.Write([]byte{'|'})
	h.Write(body)
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(slot, 10)))
	return scope + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// ClientKey namespaces a caller supplied key by scope and user.
func ClientKey(scope, userID, key string) string {
	sum := sha256.Sum256([]byte(scope + "|" + userID + "|" + key))
	return scope + ":c:" + hex.EncodeToString(sum[:])
}
