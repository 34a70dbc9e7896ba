package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vtu-engine/internal/repo"
)

// KeyRepository is the subset of repo.Repository used by RepoStore.
type KeyRepository interface {
	ReserveIdempotencyKey(ctx context.Context, res repo.IdempotencyReservation) (bool, *repo.IdempotencyRecord, error)
	CompleteIdempotencyKey(ctx context.Context, key string, result []byte, expiresAt time.Time) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	PurgeIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)
}

// RepoStore keeps reservations in the SQL store behind a unique key.
type RepoStore struct {
	repo KeyRepository
}

// NewRepoStore wraps a repository.
func NewRepoStore(r KeyRepository) *RepoStore {
	return &RepoStore{repo: r}
}

func (s *RepoStore) Reserve(ctx context.Context, key string, now time.Time, lockTTL, retention time.Duration) (bool, *Record, error) {
	ok, rec, err := s.repo.ReserveIdempotencyKey(ctx, repo.IdempotencyReservation{
		Key:         key,
		Now:         now,
		LockedUntil: now.Add(lockTTL),
		ExpiresAt:   now.Add(retention),
	})
	if err != nil || ok || rec == nil {
		return ok, nil, err
	}
	return false, &Record{Status: Status(rec.Status), Result: rec.Result}, nil
}

func (s *RepoStore) Complete(ctx context.Context, key string, result []byte, expiresAt time.Time) error {
	return s.repo.CompleteIdempotencyKey(ctx, key, result, expiresAt)
}

func (s *RepoStore) Release(ctx context.Context, key string) error {
	return s.repo.ReleaseIdempotencyKey(ctx, key)
}

func (s *RepoStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.PurgeIdempotencyKeys(ctx, now)
}

// releaseScript deletes a key only while it is still pending.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.find(v, '"status":"pending"', 1, true) then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps reservations in Redis using SET NX; TTLs expire stale locks and old results.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore builds a store with the given key prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, now time.Time, lockTTL, retention time.Duration) (bool, *Record, error) {
	pending, err := json.Marshal(Record{Status: StatusPending})
	if err != nil {
		return false, nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, s.prefix+key, pending, lockTTL).Result()
		if err != nil {
			return false, nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return true, nil, nil
		}
		raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET.
			continue
		}
		if err != nil {
			return false, nil, fmt.Errorf("redis get: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return false, nil, fmt.Errorf("decode idempotency record: %w", err)
		}
		return false, &rec, nil
	}
	return false, &Record{Status: StatusPending}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, result []byte, expiresAt time.Time) error {
	payload, err := json.Marshal(Record{Status: StatusCompleted, Result: result})
	if err != nil {
		return err
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, s.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Purge is a no-op; Redis TTLs drop expired records.
func (s *RedisStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
