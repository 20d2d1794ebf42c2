package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d within limit must be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("event beyond limit must be rejected")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Now()

	_ = rl.Allow(now)
	_ = rl.Allow(now)
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("still inside window, must reject")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("old events aged out, must allow")
	}
}

func TestRateLimiter_InvalidInputsFallBackToDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if !rl.Allow(time.Now()) {
		t.Fatalf("default-configured limiter must allow the first event")
	}
}
