package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/accessgate/internal/platform/clock"
)

const redisKeyPrefix = "accessgate:ratelimit:"

// slidingWindow prunes, counts and conditionally records in one atomic step.
// Scores are unix milliseconds; a denied request leaves the set untouched.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', key)
if count >= limit then
	local retry = window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		retry = math.max(tonumber(oldest[2]) + window - now, 1)
	end
	return {0, 0, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, limit - count - 1, 0}
`)

// RedisLimiter shares sliding-window state between processes through a Redis sorted set.
type RedisLimiter struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRedisLimiter builds a limiter on client. A nil clock uses the wall clock.
func NewRedisLimiter(client *redis.Client, c clock.Clock) *RedisLimiter {
	return &RedisLimiter{client: client, clock: clock.OrSystem(c)}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key Key, window time.Duration, limit int) (Result, error) {
	if window <= 0 || limit <= 0 {
		return Result{}, ErrInvalidQuota
	}
	now := l.clock.Now().UnixMilli()
	raw, err := slidingWindow.Run(ctx, l.client, []string{redisKey(key)},
		now, window.Milliseconds(), limit, fmt.Sprintf("%d:%s", now, uuid.NewString())).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis allow: %w", err)
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result %T", raw)
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	retry, _ := values[2].(int64)
	return Result{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retry) * time.Millisecond,
	}, nil
}

// Reset clears the bucket for key.
func (l *RedisLimiter) Reset(ctx context.Context, key Key) error {
	return l.client.Del(ctx, redisKey(key)).Err()
}

func redisKey(key Key) string {
	return redisKeyPrefix + key.IP + ":" + key.Action
}
