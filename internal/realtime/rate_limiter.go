package realtime

import (
	"sync"
	"time"
)

// RateLimiter bounds the number of inbound envelopes a single connection may
// submit per sliding window. One instance guards one websocket connection.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time // admission times, oldest first
	limit  int
	window time.Duration
}

// NewRateLimiter falls back to the package defaults when limit or window is
// non-positive.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at now fits the window, recording it if so.
// Callers pass wall-clock time; admissions are therefore non-decreasing and
// expired entries can be pruned from the front.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	horizon := now.Add(-r.window)
	expired := 0
	for expired < len(r.stamps) && !r.stamps[expired].After(horizon) {
		expired++
	}
	if expired > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[expired:]...)
	}

	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
