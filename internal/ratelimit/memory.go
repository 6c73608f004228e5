package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/odyssey-erp/accessgate/internal/platform/clock"
)

type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
	window time.Duration
	// dead is set by Sweep once the bucket has been unlinked from the map.
	dead bool
}

// prune drops every timestamp outside the window. Stamps may be out of order.
func (b *bucket) prune(now time.Time, window time.Duration) {
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if now.Sub(ts) <= window {
			kept = append(kept, ts)
		}
	}
	for i := len(kept); i < len(b.stamps); i++ {
		b.stamps[i] = time.Time{}
	}
	b.stamps = kept
}

func (b *bucket) oldest() time.Time {
	var oldest time.Time
	for i, ts := range b.stamps {
		if i == 0 || ts.Before(oldest) {
			oldest = ts
		}
	}
	return oldest
}

// MemoryLimiter is a single-process sliding-window limiter with one lock per bucket.
type MemoryLimiter struct {
	clock   clock.Clock
	mu      sync.RWMutex
	buckets map[Key]*bucket
}

// NewMemoryLimiter constructs an empty limiter. A nil clock uses the wall clock.
func NewMemoryLimiter(c clock.Clock) *MemoryLimiter {
	return &MemoryLimiter{clock: clock.OrSystem(c), buckets: make(map[Key]*bucket)}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key Key, window time.Duration, limit int) (Result, error) {
	if window <= 0 || limit <= 0 {
		return Result{}, ErrInvalidQuota
	}
	for {
		b := l.bucket(key)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		now := l.clock.Now()
		b.window = window
		b.prune(now, window)
		if len(b.stamps) >= limit {
			// a stamp on the window edge expires on the next tick
			retry := max(b.oldest().Add(window).Sub(now), time.Millisecond)
			b.mu.Unlock()
			return Result{Allowed: false, RetryAfter: retry}, nil
		}
		b.stamps = append(b.stamps, now)
		remaining := limit - len(b.stamps)
		b.mu.Unlock()
		return Result{Allowed: true, Remaining: remaining}, nil
	}
}

// Remaining reports how many more requests key may make without recording anything.
func (l *MemoryLimiter) Remaining(key Key, window time.Duration, limit int) int {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok {
		return limit
	}
	now := l.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, ts := range b.stamps {
		if now.Sub(ts) <= window {
			count++
		}
	}
	if count >= limit {
		return 0
	}
	return limit - count
}

// Sweep prunes every bucket and removes the empty ones. It returns the number removed.
func (l *MemoryLimiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		b.prune(now, b.window)
		if len(b.stamps) == 0 {
			b.dead = true
			delete(l.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (l *MemoryLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *MemoryLimiter) bucket(key Key) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[key] = b
	return b
}
