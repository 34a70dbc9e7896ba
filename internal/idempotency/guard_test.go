package idempotency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/backoff"
	"vtu-engine/internal/logging"
	"vtu-engine/internal/repo"
	"vtu-engine/migrations"
)

func newTestGuard(t *testing.T) (*Guard, *repo.SQLiteRepository) {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "idem.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(NewRepoStore(r), Config{LockTTL: time.Minute, Retention: time.Hour}, logging.Discard()), r
}

type receipt struct {
	Balance int64 `json:"balance"`
}

func TestExecuteRunsOnceAndReplays(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	var calls int32

	op := func(ctx context.Context) (receipt, error) {
		atomic.AddInt32(&calls, 1)
		return receipt{Balance: 500}, nil
	}
	first, err := Run(ctx, g, "purchase:k", op)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := Run(ctx, g, "purchase:k", op)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected op to run once, ran %d times", calls)
	}
	if first.Balance != 500 || second.Balance != 500 {
		t.Fatalf("unexpected results %+v %+v", first, second)
	}
}

func TestConcurrentCallersExecuteOnce(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	const n = 10
	var (
		calls      int32
		inProgress int32
		wg         sync.WaitGroup
		start      = make(chan struct{})
	)
	op := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(100 * time.Millisecond)
		return receipt{Balance: 500}, nil
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := g.Execute(ctx, "purchase:same", op)
			if err == nil {
				return
			}
			if errors.Is(err, apperr.ErrInProgress) {
				atomic.AddInt32(&inProgress, 1)
				return
			}
			t.Errorf("unexpected error: %v", err)
		}()
	}
	close(start)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly one execution, got %d", calls)
	}
	if inProgress == 0 {
		t.Fatal("expected concurrent callers to observe the pending reservation")
	}
}

func TestFailedOpReleasesKey(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := g.Execute(ctx, "purchase:retry", func(ctx context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected op error, got %v", err)
	}

	raw, err := g.Execute(ctx, "purchase:retry", func(ctx context.Context) (any, error) {
		return receipt{Balance: 1}, nil
	})
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if string(raw) != `{"balance":1}` {
		t.Fatalf("unexpected result %s", raw)
	}
}

func TestExpiredLockCanBeReclaimed(t *testing.T) {
	_, r := newTestGuard(t)
	ctx := context.Background()
	clock := time.Now().UTC()
	g := New(NewRepoStore(r), Config{LockTTL: time.Minute, Retention: time.Hour, Now: func() time.Time { return clock }}, logging.Discard())

	// Simulate a crashed holder by reserving without completing.
	if ok, _, err := NewRepoStore(r).Reserve(ctx, "purchase:stale", clock, time.Minute, time.Hour); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if _, err := g.Execute(ctx, "purchase:stale", func(ctx context.Context) (any, error) { return 1, nil }); !errors.Is(err, apperr.ErrInProgress) {
		t.Fatalf("expected in-progress while lock is held, got %v", err)
	}

	clock = clock.Add(2 * time.Minute)
	raw, err := g.Execute(ctx, "purchase:stale", func(ctx context.Context) (any, error) { return 2, nil })
	if err != nil {
		t.Fatalf("execute after lock expiry: %v", err)
	}
	if string(raw) != "2" {
		t.Fatalf("unexpected result %s", raw)
	}
}

// flakyStore fails the first failures writes of a result.
type flakyStore struct {
	Store
	failures  int
	completes int
}

func (f *flakyStore) Complete(ctx context.Context, key string, result []byte, expiresAt time.Time) error {
	f.completes++
	if f.completes <= f.failures {
		return errors.New("connection reset")
	}
	return f.Store.Complete(ctx, key, result, expiresAt)
}

func TestCompleteIsRetriedBeforeLockExpires(t *testing.T) {
	_, r := newTestGuard(t)
	ctx := context.Background()
	now := time.Now().UTC()
	store := &flakyStore{Store: NewRepoStore(r), failures: 2}
	g := New(store, Config{
		LockTTL:       time.Minute,
		Retention:     time.Hour,
		CompleteRetry: backoff.Linear{Base: time.Millisecond},
		Now:           func() time.Time { return now },
	}, logging.Discard())

	var calls int32
	op := func(ctx context.Context) (receipt, error) {
		atomic.AddInt32(&calls, 1)
		return receipt{Balance: 700}, nil
	}
	if _, err := Run(ctx, g, "purchase:flaky", op); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if store.completes != 3 {
		t.Fatalf("expected the result write to be retried, got %d writes", store.completes)
	}

	now = now.Add(2 * time.Minute)
	got, err := Run(ctx, g, "purchase:flaky", op)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if calls != 1 || got.Balance != 700 {
		t.Fatalf("expected replay after the lock window, calls=%d result=%+v", calls, got)
	}
}

func TestDeriveKeyBuckets(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 10, 0, time.UTC)
	payload := map[string]any{"amount": 1000, "target": "08031234567"}

	a, err := DeriveKey("purchase", "u1", payload, base, time.Minute)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _ := DeriveKey("purchase", "u1", payload, base.Add(20*time.Second), time.Minute)
	if a != b {
		t.Fatal("expected same key inside one bucket")
	}
	c, _ := DeriveKey("purchase", "u1", payload, base.Add(time.Minute), time.Minute)
	if a == c {
		t.Fatal("expected different key in the next bucket")
	}
	d, _ := DeriveKey("purchase", "u2", payload, base, time.Minute)
	if a == d {
		t.Fatal("expected user to be part of the key")
	}
}
