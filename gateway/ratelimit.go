package gateway

import (
	"sync"
	"time"
)

// ConnRateLimiter caps how many connections one address may open within a
// sliding window. A nil limiter allows everything.
type ConnRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string][]time.Time
	now     func() time.Time
}

// NewConnRateLimiter returns nil when limit is not positive.
func NewConnRateLimiter(limit int, window time.Duration) *ConnRateLimiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	return &ConnRateLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records a connection attempt from addr and reports whether it fits
// the window.
func (rl *ConnRateLimiter) Allow(addr string) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	kept := rl.entries[addr][:0]
	for _, ts := range rl.entries[addr] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= rl.limit {
		rl.entries[addr] = kept
		return false
	}
	rl.entries[addr] = append(kept, now)
	return true
}
