package orchestrator

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a blocking sliding-window limiter: at most max calls in any
// window. Wait sleeps until the oldest call leaves the window, then checks
// again.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	calls  []time.Time
	now    func() time.Time
}

// NewRateLimiter creates a limiter. max <= 0 disables limiting.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{max: max, window: window, now: time.Now}
}

// Wait blocks until a call is allowed or ctx ends
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.max <= 0 || r.window <= 0 {
		return ctx.Err()
	}
	for {
		r.mu.Lock()
		now := r.now()
		r.pruneLocked(now)
		if len(r.calls) < r.max {
			r.calls = append(r.calls, now)
			r.mu.Unlock()
			return nil
		}
		wait := r.calls[0].Add(r.window).Sub(now)
		r.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// InWindow returns the number of calls inside the current window
func (r *RateLimiter) InWindow() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	return len(r.calls)
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.calls) && !r.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.calls = append(r.calls[:0], r.calls[i:]...)
	}
}
