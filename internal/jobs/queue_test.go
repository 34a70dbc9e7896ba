package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vtu-engine/internal/backoff"
	"vtu-engine/internal/logging"
	"vtu-engine/internal/repo"
	"vtu-engine/migrations"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, maxRetries int) (*Queue, *repo.SQLiteRepository, *clock) {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{now: time.Now().UTC().Truncate(time.Second)}
	q := New(r, Config{
		MaxRetries: maxRetries,
		LockTTL:    time.Minute,
		Backoff:    backoff.Exponential{Base: 10 * time.Second, Max: time.Minute},
		Now:        clk.Now,
	}, nil, logging.Discard())
	return q, r, clk
}

func TestProcessPendingCompletesJob(t *testing.T) {
	q, r, _ := newTestQueue(t, 3)
	ctx := context.Background()
	var got RefundPayload
	q.Register(TypeRefund, func(ctx context.Context, job repo.Job) error {
		return Decode(job, &got)
	})

	job, err := q.Enqueue(ctx, RefundPayload{Reference: "TX-1", Reason: "provider failed"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	report, err := q.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Claimed != 1 || report.Completed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got.Reference != "TX-1" {
		t.Fatalf("handler saw payload %+v", got)
	}
	stored, err := r.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != repo.JobCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
}

func TestFailingJobBacksOffThenFails(t *testing.T) {
	q, r, clk := newTestQueue(t, 2)
	ctx := context.Background()
	calls := 0
	q.Register(TypeVerifyTransaction, func(ctx context.Context, job repo.Job) error {
		calls++
		return errors.New("provider still pending")
	})

	job, err := q.Enqueue(ctx, VerifyTransactionPayload{Reference: "TX-2", UserID: "u1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	report, _ := q.ProcessPending(ctx)
	if report.Rescheduled != 1 {
		t.Fatalf("expected reschedule, got %+v", report)
	}
	stored, _ := r.GetJob(ctx, job.ID)
	if stored.Status != repo.JobPending || stored.RetryCount != 1 || stored.LastError == nil {
		t.Fatalf("unexpected job after first failure %+v", stored)
	}

	if report, _ := q.ProcessPending(ctx); report.Claimed != 0 {
		t.Fatalf("job must wait for its backoff, got %+v", report)
	}

	clk.Advance(11 * time.Second)
	report, _ = q.ProcessPending(ctx)
	if report.Failed != 1 {
		t.Fatalf("expected permanent failure, got %+v", report)
	}
	stored, _ = r.GetJob(ctx, job.ID)
	if stored.Status != repo.JobFailed || stored.RetryCount != 2 {
		t.Fatalf("unexpected job after exhausting retries %+v", stored)
	}
	if calls != 2 {
		t.Fatalf("expected two handler calls, got %d", calls)
	}
}

func TestUnknownTypeFailsImmediately(t *testing.T) {
	q, r, _ := newTestQueue(t, 5)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, PurgeIdempotencyPayload{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	report, _ := q.ProcessPending(ctx)
	if report.Failed != 1 {
		t.Fatalf("expected failure, got %+v", report)
	}
	stored, _ := r.GetJob(ctx, job.ID)
	if stored.Status != repo.JobFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
}

func TestDelayedJobWaits(t *testing.T) {
	q, _, clk := newTestQueue(t, 3)
	ctx := context.Background()
	q.Register(TypeNotify, func(context.Context, repo.Job) error { return nil })
	if _, err := q.Enqueue(ctx, NotifyPayload{UserID: "u1", Kind: "purchase_succeeded"}, At(clk.Now().Add(time.Minute))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if report, _ := q.ProcessPending(ctx); report.Claimed != 0 {
		t.Fatalf("expected nothing due, got %+v", report)
	}
	clk.Advance(2 * time.Minute)
	if report, _ := q.ProcessPending(ctx); report.Completed != 1 {
		t.Fatalf("expected delayed job to run, got %+v", report)
	}
}
