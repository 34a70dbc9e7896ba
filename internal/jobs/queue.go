// Package jobs is a persisted background job queue with retry and backoff.
//
// Jobs are claimed in batches; a job whose lock is older than the lock TTL is
// treated as abandoned and claimed again, so handlers must be idempotent.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vtu-engine/internal/backoff"
	"vtu-engine/internal/metrics"
	"vtu-engine/internal/repo"
)

// ErrUnknownType is returned for jobs with no registered handler.
var ErrUnknownType = errors.New("unknown job type")

// Payload is a typed job body.
type Payload interface {
	JobType() string
}

// Handler processes one job payload.
type Handler func(ctx context.Context, job repo.Job) error

// Store is the persistence subset used by the queue.
type Store interface {
	InsertJob(ctx context.Context, job repo.Job) (*repo.Job, error)
	ClaimDueJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]repo.Job, error)
	CompleteJob(ctx context.Context, id string, now time.Time) error
	RescheduleJob(ctx context.Context, id string, retryCount int, at time.Time, lastError string) error
	FailJob(ctx context.Context, id string, retryCount int, lastError string, now time.Time) error
}

// Config holds queue parameters.
type Config struct {
	BatchSize  int
	MaxRetries int
	LockTTL    time.Duration
	Backoff    backoff.Policy
	Now        func() time.Time
}

// Queue enqueues and processes jobs.
type Queue struct {
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Report summarises one processing pass.
type Report struct {
	Claimed     int `json:"claimed"`
	Completed   int `json:"completed"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

// New builds a queue.
func New(store Store, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Exponential{Base: 30 * time.Second, Max: time.Hour}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		store:    store,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "jobs"),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Option customises an enqueued job.
type Option func(*repo.Job)

// At schedules the job for a later time.
func At(t time.Time) Option {
	return func(j *repo.Job) { j.ScheduledAt = t.UTC() }
}

// MaxRetries overrides the queue default.
func MaxRetries(n int) Option {
	return func(j *repo.Job) { j.MaxRetries = n }
}

// Enqueue persists a job for asynchronous processing.
func (q *Queue) Enqueue(ctx context.Context, p Payload, opts ...Option) (*repo.Job, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.JobType(), err)
	}
	job := repo.Job{
		Type:        p.JobType(),
		Payload:     body,
		MaxRetries:  q.cfg.MaxRetries,
		ScheduledAt: q.cfg.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&job)
	}
	created, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	q.logger.Info("job enqueued", "job_id", created.ID, "type", created.Type, "scheduled_at", created.ScheduledAt)
	return created, nil
}

// ProcessPending claims due jobs and runs them sequentially.
func (q *Queue) ProcessPending(ctx context.Context) (Report, error) {
	now := q.cfg.Now().UTC()
	claimed, err := q.store.ClaimDueJobs(ctx, now, now.Add(-q.cfg.LockTTL), q.cfg.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("claim jobs: %w", err)
	}
	report := Report{Claimed: len(claimed)}
	for _, job := range claimed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch q.run(ctx, job) {
		case outcomeCompleted:
			report.Completed++
		case outcomeRescheduled:
			report.Rescheduled++
		case outcomeFailed:
			report.Failed++
		}
	}
	return report, nil
}

type outcome string

const (
	outcomeCompleted   outcome = "completed"
	outcomeRescheduled outcome = "rescheduled"
	outcomeFailed      outcome = "failed"
)

func (q *Queue) run(ctx context.Context, job repo.Job) outcome {
	logger := q.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.RetryCount+1)
	err := q.invoke(ctx, job)
	now := q.cfg.Now().UTC()
	if err == nil {
		if cerr := q.store.CompleteJob(ctx, job.ID, now); cerr != nil {
			logger.Error("complete job", "error", cerr)
		}
		q.observe(job.Type, outcomeCompleted)
		return outcomeCompleted
	}

	retries := job.RetryCount + 1
	if errors.Is(err, ErrUnknownType) || retries >= job.MaxRetries {
		if ferr := q.store.FailJob(ctx, job.ID, retries, err.Error(), now); ferr != nil {
			logger.Error("fail job", "error", ferr)
		}
		logger.Error("job failed permanently", "error", err)
		q.observe(job.Type, outcomeFailed)
		return outcomeFailed
	}

	at := backoff.RetryAt(q.cfg.Backoff, now, retries)
	if rerr := q.store.RescheduleJob(ctx, job.ID, retries, at, err.Error()); rerr != nil {
		logger.Error("reschedule job", "error", rerr)
	}
	logger.Warn("job rescheduled", "error", err, "next_attempt", at)
	q.observe(job.Type, outcomeRescheduled)
	return outcomeRescheduled
}

func (q *Queue) invoke(ctx context.Context, job repo.Job) (err error) {
	q.mu.RLock()
	h, ok := q.handlers[job.Type]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, job.Type)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job handler panic: %v", p)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) observe(jobType string, o outcome) {
	if q.metrics != nil {
		q.metrics.JobRuns.WithLabelValues(jobType, string(o)).Inc()
	}
}

// Decode unmarshals a job payload into dest.
func Decode(job repo.Job, dest Payload) error {
	if err := json.Unmarshal(job.Payload, dest); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	return nil
}
