package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var allowScript = redis.NewScript(`
local key = KEYS[1]
local trial_key = KEYS[2]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local state = redis.call('HGET', key, 'state') or 'closed'
local from = state
if state == 'closed' then
  return {1, 0, from, state}
end
if state == 'open' then
  local opened = tonumber(redis.call('HGET', key, 'opened_at') or '0')
  if now - opened < cooldown then
    return {0, 0, from, state}
  end
  state = 'half-open'
  redis.call('HSET', key, 'state', state)
end
if redis.call('SET', trial_key, '1', 'NX', 'PX', cooldown) then
  return {1, 1, from, state}
end
return {0, 0, from, state}
`)

var recordScript = redis.NewScript(`
local key = KEYS[1]
local trial_key = KEYS[2]
local success = ARGV[1] == '1'
local trial = ARGV[2] == '1'
local now = ARGV[3]
local threshold = tonumber(ARGV[4])
local state = redis.call('HGET', key, 'state') or 'closed'
local failures = tonumber(redis.call('HGET', key, 'failures') or '0')
if trial then
  redis.call('DEL', trial_key)
  if success then
    redis.call('HSET', key, 'state', 'closed', 'failures', 0, 'opened_at', 0)
    return {state, 'closed', 0}
  end
  redis.call('HSET', key, 'state', 'open', 'opened_at', now)
  return {state, 'open', failures}
end
if state ~= 'closed' then
  return {state, state, failures}
end
if success then
  redis.call('HSET', key, 'failures', 0)
  return {state, state, 0}
end
failures = redis.call('HINCRBY', key, 'failures', 1)
if failures >= threshold then
  redis.call('HSET', key, 'state', 'open', 'opened_at', now)
  return {state, 'open', failures}
end
return {state, state, failures}
`)

// RedisState shares breaker state between instances through Redis hashes.
// The half-open trial is a SET NX token that expires after one cool-down.
type RedisState struct {
	client *redis.Client
	prefix string
}

// NewRedisState builds a shared backend using keys under prefix.
func NewRedisState(client *redis.Client, prefix string) *RedisState {
	if prefix == "" {
		prefix = "breaker:"
	}
	return &RedisState{client: client, prefix: prefix}
}

func (s *RedisState) keys(name string) []string {
	return []string{s.prefix + name, s.prefix + name + ":trial"}
}

func (s *RedisState) Allow(ctx context.Context, name string, now time.Time, cooldown time.Duration) (Decision, error) {
	raw, err := allowScript.Run(ctx, s.client, s.keys(name), now.UnixMilli(), cooldown.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis breaker allow: %w", err)
	}
	if len(raw) != 4 {
		return Decision{}, fmt.Errorf("redis breaker allow: unexpected reply %v", raw)
	}
	return Decision{
		Allowed: toInt(raw[0]) == 1,
		Trial:   toInt(raw[1]) == 1,
		From:    State(toString(raw[2])),
		To:      State(toString(raw[3])),
	}, nil
}

func (s *RedisState) Record(ctx context.Context, name string, success, trial bool, now time.Time, threshold int, _ time.Duration) (Transition, error) {
	raw, err := recordScript.Run(ctx, s.client, s.keys(name), boolArg(success), boolArg(trial), now.UnixMilli(), threshold).Slice()
	if err != nil {
		return Transition{}, fmt.Errorf("redis breaker record: %w", err)
	}
	if len(raw) != 3 {
		return Transition{}, fmt.Errorf("redis breaker record: unexpected reply %v", raw)
	}
	return Transition{
		From:     State(toString(raw[0])),
		To:       State(toString(raw[1])),
		Failures: int(toInt(raw[2])),
	}, nil
}

func (s *RedisState) Load(ctx context.Context, name string) (Snapshot, error) {
	vals, err := s.client.HGetAll(ctx, s.prefix+name).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("redis breaker load: %w", err)
	}
	snap := Snapshot{State: StateClosed}
	if st, ok := vals["state"]; ok && st != "" {
		snap.State = State(st)
	}
	if f, err := strconv.Atoi(vals["failures"]); err == nil {
		snap.Failures = f
	}
	if ms, err := strconv.ParseInt(vals["opened_at"], 10, 64); err == nil && ms > 0 {
		snap.OpenedAt = time.UnixMilli(ms).UTC()
	}
	return snap, nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}
