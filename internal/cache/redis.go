// Package cache owns the shared Redis connection and a namespaced JSON cache on
// top of it. Breaker and idempotency state borrow the raw client; cached
// documents such as provider price lists go through SetJSON and GetJSON.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"vtu-engine/internal/metrics"
)

// Redis is the shared client plus the JSON cache.
type Redis struct {
	client  *redis.Client
	prefix  string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
	// Prefix namespaces cache keys. Keys written through Client() are not prefixed.
	Prefix  string
	Metrics *metrics.Metrics
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Redis{
		client:  redis.NewClient(opts),
		prefix:  cfg.Prefix,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "redis"),
	}
}

// Client exposes the underlying go-redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// SetJSON caches value as JSON. Cached entries always expire.
func (r *Redis) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache %s: ttl must be positive", key)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", key, err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// GetJSON decodes the entry under key into dest and reports whether it was
// found. An entry that no longer decodes is dropped and reported as a miss.
func (r *Redis) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.observe("miss")
			return false, nil
		}
		r.observe("error")
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		r.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		if delErr := r.client.Del(ctx, r.prefix+key).Err(); delErr != nil {
			r.logger.Warn("delete cache entry", "key", key, "error", delErr)
		}
		r.observe("corrupt")
		return false, nil
	}
	r.observe("hit")
	return true, nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) observe(result string) {
	if r.metrics != nil {
		r.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
