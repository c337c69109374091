// notify_test.go
//
// sleepWaiter unit tests plus RedisNotifier against a local Redis; the Redis tests
// skip when nothing is listening on the test port.
package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestSleepWaiter(t *testing.T) {
	t.Run("returns after the delay", func(t *testing.T) {
		start := time.Now()
		if err := (sleepWaiter{}).Wait(context.Background(), 20*time.Millisecond); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if time.Since(start) < 20*time.Millisecond {
			t.Error("returned before the delay")
		}
	})

	t.Run("returns early on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		(sleepWaiter{}).Wait(ctx, time.Minute)
		if time.Since(start) > time.Second {
			t.Error("cancelled wait should return immediately")
		}
	})
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6380"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not available: %v", err)
	}
	rdb.Del(context.Background(), WakeKey)
	t.Cleanup(func() {
		rdb.Del(context.Background(), WakeKey)
		rdb.Close()
	})
	return rdb
}

func TestRedisNotifier(t *testing.T) {
	rdb := testRedis(t)
	n := NewRedisNotifier(rdb)
	ctx := context.Background()

	t.Run("notify wakes a waiter early", func(t *testing.T) {
		if err := n.Notify(ctx); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		start := time.Now()
		if err := n.Wait(ctx, 5*time.Second); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if time.Since(start) > time.Second {
			t.Error("wait should return as soon as a token is pending")
		}
	})

	t.Run("pending tokens are capped", func(t *testing.T) {
		for i := 0; i < maxPendingWakes+10; i++ {
			if err := n.Notify(ctx); err != nil {
				t.Fatalf("Notify: %v", err)
			}
		}
		got, err := rdb.LLen(ctx, WakeKey).Result()
		if err != nil {
			t.Fatalf("LLen: %v", err)
		}
		if got != maxPendingWakes {
			t.Errorf("pending wakes: got %d, want %d", got, maxPendingWakes)
		}
		rdb.Del(ctx, WakeKey)
	})

	t.Run("wait times out without a token", func(t *testing.T) {
		if err := n.Wait(ctx, time.Second); err != nil {
			t.Errorf("Wait: %v", err)
		}
	})
}
