package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/redis/go-redis/v9"
)

// hitScript mirrors apply. Times are unix milliseconds.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local block = tonumber(ARGV[4])

local e = redis.call('HMGET', key, 'count', 'reset_at', 'block_until')
local count = tonumber(e[1])
local resetAt = tonumber(e[2])
local blockUntil = tonumber(e[3]) or 0

if blockUntil > now then
  return {0, blockUntil - now, 0, 1}
end

if count == nil or blockUntil > 0 or now >= resetAt then
  redis.call('HSET', key, 'count', 1, 'reset_at', now + window, 'block_until', 0)
  redis.call('PEXPIRE', key, window)
  return {1, window, max - 1, 0}
end

count = redis.call('HINCRBY', key, 'count', 1)
if count > max then
  redis.call('HSET', key, 'block_until', now + block)
  redis.call('PEXPIRE', key, block)
  return {0, block, 0, 2}
end

return {1, resetAt - now, max - count, 0}
`)

// RedisStore shares windows across instances. Keys expire on their own, so
// no sweeper is needed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "klear:ratelimit:"}
}

// NewRedisClient connects using the service configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, cfg config.LimitConfig) (Result, error) {
	vals, err := hitScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(),
		cfg.Window.Milliseconds(),
		cfg.MaxRequests,
		cfg.BlockDuration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 4 {
		return Result{}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}

	res := Result{
		Allowed:   vals[0] == 1,
		ResetIn:   time.Duration(vals[1]) * time.Millisecond,
		Remaining: int(vals[2]),
	}
	switch vals[3] {
	case 1:
		res.Reason = ReasonBlocked
	case 2:
		res.Reason = ReasonExceeded
	}
	return res, nil
}
