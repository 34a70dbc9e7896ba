package notify

import (
	"context"
	"fmt"

	"vtu-engine/internal/jobs"
	"vtu-engine/internal/repo"
)

// Enqueuer is the job queue subset used by Queued.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload, opts ...jobs.Option) (*repo.Job, error)
}

// Queued defers delivery to the background job queue so a slow or failing
// channel is retried with backoff instead of blocking the caller.
type Queued struct {
	queue Enqueuer
}

// NewQueued builds a queued notifier.
func NewQueued(queue Enqueuer) *Queued {
	return &Queued{queue: queue}
}

func (q *Queued) Notify(ctx context.Context, userID string, kind Kind, data map[string]any) error {
	if _, err := q.queue.Enqueue(ctx, jobs.NotifyPayload{UserID: userID, Kind: string(kind), Data: data}); err != nil {
		return fmt.Errorf("queue notification: %w", err)
	}
	return nil
}

// JobHandler delivers queued notifications through target.
func JobHandler(target Notifier) jobs.Handler {
	return func(ctx context.Context, job repo.Job) error {
		var p jobs.NotifyPayload
		if err := jobs.Decode(job, &p); err != nil {
			return err
		}
		return target.Notify(ctx, p.UserID, Kind(p.Kind), p.Data)
	}
}
