package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript is applyWindow in Lua. It returns {start_ms, count, allowed}.
var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if start == nil or count == nil or now - start >= window then
  redis.call('HSET', KEYS[1], 'start', now, 'count', 1)
  redis.call('PEXPIRE', KEYS[1], window)
  return {now, 1, 1}
end
if limit > 0 and count >= limit then
  return {start, count, 0}
end
count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {start, count, 1}
`)

// quotaScript is applyQuota in Lua. It returns {runs, allowed}.
var quotaScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local runs = tonumber(redis.call('GET', KEYS[1]) or '0')
if limit > 0 and runs >= limit then
  return {runs, 0}
end
runs = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ttl)
return {runs, 1}
`)

// RedisCounters keeps counters in Redis. Each update is one script call
// (EVALSHA, falling back to EVAL when the script is not cached).
type RedisCounters struct {
	client redis.Scripter
}

// NewRedisCounters wraps a go-redis client.
func NewRedisCounters(client redis.Scripter) *RedisCounters {
	return &RedisCounters{client: client}
}

func (r *RedisCounters) HitWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, bool, error) {
	vals, err := windowScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return Window{}, false, fmt.Errorf("rate window script: %w", err)
	}
	if len(vals) != 3 {
		return Window{}, false, fmt.Errorf("rate window script returned %d values", len(vals))
	}
	return Window{Start: time.UnixMilli(vals[0]), Count: int(vals[1])}, vals[2] == 1, nil
}

func (r *RedisCounters) HitQuota(ctx context.Context, key string, limit int, now, expires time.Time) (int, bool, error) {
	ttl := max(expires.Sub(now).Milliseconds(), 1)
	vals, err := quotaScript.Run(ctx, r.client, []string{key}, limit, ttl).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("quota script: %w", err)
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("quota script returned %d values", len(vals))
	}
	return int(vals[0]), vals[1] == 1, nil
}
