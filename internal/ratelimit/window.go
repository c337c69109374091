// window.go
//
// In-memory fixed-window rate limiter. One bucket per key, each with its own
// mutex, so unrelated keys never contend. Counters live for the process only.
//
// Known limitation: a client can spend the full limit at the end of one window
// and again at the start of the next, i.e. up to 2x limit across a boundary.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	mu     sync.Mutex
	start  time.Time
	count  int
	window time.Duration
	swept  bool // removed from the map; callers holding it must fetch again
}

// FixedWindow counts attempts per key within fixed windows.
type FixedWindow struct {
	mu      sync.Mutex // guards buckets map only
	buckets map[string]*bucket
	now     func() time.Time
}

// NewFixedWindow returns an empty limiter using the wall clock.
func NewFixedWindow() *FixedWindow {
	return &FixedWindow{buckets: make(map[string]*bucket), now: time.Now}
}

// TryConsume reports whether one more attempt under key fits in the current window.
// limit <= 0 disables limiting for the call. The error is always nil; it is there
// so FixedWindow and the Redis-backed limiter share one signature.
func (l *FixedWindow) TryConsume(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	for {
		if allowed, live := l.consume(l.bucket(key), limit, window); live {
			return allowed, nil
		}
	}
}

// consume applies one attempt to b. live is false when Sweep removed b between the
// map lookup and the lock, in which case nothing was counted.
func (l *FixedWindow) consume(b *bucket, limit int, window time.Duration) (allowed, live bool) {
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.swept {
		return false, false
	}
	b.window = window
	if b.start.IsZero() || now.Sub(b.start) >= window {
		b.start = now
		b.count = 0
	}
	if b.count >= limit {
		return false, true
	}
	b.count++
	return true, true
}

func (l *FixedWindow) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// Sweep drops buckets whose window ended before now. Returns the number removed.
// Run periodically so one-off keys (e.g. per-IP) do not accumulate.
func (l *FixedWindow) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := !b.start.IsZero() && now.Sub(b.start) >= b.window
		if stale {
			b.swept = true
		}
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
