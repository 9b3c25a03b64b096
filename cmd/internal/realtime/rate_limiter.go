package realtime

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a keyed fixed-window limiter. Buckets are created lazily
// on first use and reset when their window elapses, so a burst that
// straddles a window boundary can see up to 2x the limit. That bound is
// accepted; the limiter protects capacity, it is not billing-grade.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket)}
}

// TryConsume counts one event against key and reports whether it fits in
// the current window.
func (r *RateLimiter) TryConsume(now time.Time, key string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok || now.After(b.resetAt) {
		r.buckets[key] = &bucket{count: 1, resetAt: now.Add(window)}
		return true
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

// Sweep drops buckets whose window has elapsed so idle keys do not pin
// memory forever.
func (r *RateLimiter) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, b := range r.buckets {
		if now.After(b.resetAt) {
			delete(r.buckets, key)
		}
	}
}

// RunSweeper sweeps on a fixed cadence until ctx is done.
func (r *RateLimiter) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = defaultSweepEvery
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.Sweep(now)
		}
	}
}

func (r *RateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
