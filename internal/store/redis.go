// redis.go -- shared go-redis client and the distributed rate limiter.
//
// Redis is optional. When REDIS_URL is set, rate limit counters are shared across
// instances and the outbox worker can be woken early; otherwise everything runs in-process.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to Redis and pings it before returning.
// One client is shared by every Redis-backed component; close it via defer in run().
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// rateLimitPrefix namespaces limiter keys so they never collide with other Redis users.
const rateLimitPrefix = "postern:ratelimit:"

// fixedWindowScript counts one hit against KEYS[1]. The first hit of a window sets the
// expiry, so the key disappears (and the window resets) exactly ARGV[1] ms after it opened.
// Returns the count after the increment.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisRateLimiter is a fixed-window limiter whose counters live in Redis.
// Same semantics as ratelimit.FixedWindow, shared by every instance pointing at the same Redis.
type RedisRateLimiter struct {
	rdb *redis.Client
}

// NewRedisRateLimiter wraps a shared client.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb}
}

// TryConsume records one hit for key and reports whether it fits within limit hits per window.
// limit <= 0 always accepts without touching Redis.
func (l *RedisRateLimiter) TryConsume(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	count, err := fixedWindowScript.Run(ctx, l.rdb, []string{rateLimitPrefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("consuming rate limit: %w", err)
	}
	return count <= int64(limit), nil
}

// RedisHealth adapts the shared client to the health endpoint.
type RedisHealth struct {
	RDB *redis.Client
}

// CheckHealth pings Redis.
func (h RedisHealth) CheckHealth(ctx context.Context) error {
	return h.RDB.Ping(ctx).Err()
}
