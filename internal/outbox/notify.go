// notify.go
//
// Redis-backed wake-up channel for the outbox worker. The durable queue is the
// delivery_tasks table; Redis only shortens the gap between a send being accepted
// and the worker picking it up. Losing a wake-up costs at most one worker delay.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WakeKey is the Redis list the worker blocks on between cycles.
const WakeKey = "postern:outbox:wake"

// maxPendingWakes caps the list; one pending token is enough to wake the worker,
// a few extra let several instances each get one.
const maxPendingWakes = 16

// notifyScript pushes a wake token only if the list is under the cap.
// KEYS[1] = wake key, ARGV[1] = cap.
var notifyScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[1]) then
    return 0
end
redis.call('RPUSH', KEYS[1], '1')
return 1
`)

// RedisNotifier wakes the worker through a capped Redis list.
type RedisNotifier struct {
	rdb *redis.Client
}

// NewRedisNotifier wraps the shared Redis client.
func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

// Notify pushes a wake token. Called by the send path after a task is committed.
func (n *RedisNotifier) Notify(ctx context.Context) error {
	if err := notifyScript.Run(ctx, n.rdb, []string{WakeKey}, maxPendingWakes).Err(); err != nil {
		return fmt.Errorf("pushing outbox wake-up: %w", err)
	}
	return nil
}

// Wait blocks until a wake token arrives, d elapses, or ctx is done.
// Returns nil in all three cases unless Redis itself fails.
func (n *RedisNotifier) Wait(ctx context.Context, d time.Duration) error {
	// BLPop rounds timeouts below 1s up; the worker delay is already >= 1s in practice.
	err := n.rdb.BLPop(ctx, d, WakeKey).Err()
	if err == nil || errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("waiting for outbox wake-up: %w", err)
}

// sleepWaiter is the fallback when Redis is not configured: a plain timer.
type sleepWaiter struct{}

func (sleepWaiter) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return nil
}
