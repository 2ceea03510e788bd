package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const ipRateLimitPrefix = "ip_rate_limit:"

// Atomic sliding window: drop entries older than the window, admit when the
// remaining count is under the limit. Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

	local current_count = redis.call('ZCARD', key)
	if current_count < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window)
		return {1, current_count + 1, 0}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, current_count, tonumber(oldest[2])}
`)

// RateLimitDecision is the outcome of one limiter check.
type RateLimitDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// SlidingWindowLimiter caps requests per key over a rolling window.
type SlidingWindowLimiter struct {
	client *client.RedisClient
	clock  util.Clock
	limit  int
	window time.Duration
	seq    atomic.Uint64
}

func NewSlidingWindowLimiter(client *client.RedisClient, clock util.Clock, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{client: client, clock: clock, limit: limit, window: window}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (*RateLimitDecision, error) {
	now := l.clock.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(l.seq.Add(1), 10)

	res, err := slidingWindowScript.Run(ctx, l.client.Client,
		[]string{ipRateLimitPrefix + key},
		now, l.window.Milliseconds(), l.limit, member,
	).Int64Slice()
	if err != nil {
		util.Error("Sliding window rate limit failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	d := &RateLimitDecision{
		Allowed:   res[0] == 1,
		Remaining: l.limit - int(res[1]),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(res[2]+l.window.Milliseconds()-now) * time.Millisecond
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}
