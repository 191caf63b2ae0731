package gateway

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimitState is a snapshot of one provider's request budget.
type RateLimitState struct {
	WindowStart    time.Time     `json:"window_start"`
	RequestCount   int           `json:"request_count"`
	Limit          int           `json:"limit"`
	WindowDuration time.Duration `json:"window_duration"`
}

// Remaining is the number of calls left in the current window.
func (s RateLimitState) Remaining() int {
	if s.RequestCount >= s.Limit {
		return 0
	}
	return s.Limit - s.RequestCount
}

// RateLimiter is a fixed-window request counter shared by all callers of one
// provider. The window resets once it has fully elapsed.
type RateLimiter struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
}

// NewRateLimiter creates a limiter allowing limit calls per window.
func NewRateLimiter(limit int, window time.Duration, clock clockwork.Clock) *RateLimiter {
	return &RateLimiter{
		clock:       clock,
		limit:       limit,
		window:      window,
		windowStart: clock.Now(),
	}
}

// Allow reserves one call in the current window. It returns false without
// touching the counter when the window is exhausted.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetIfElapsed()
	if r.count >= r.limit {
		return false
	}
	r.count++
	return true
}

// State returns the current window after applying any pending reset.
func (r *RateLimiter) State() RateLimitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetIfElapsed()
	return RateLimitState{
		WindowStart:    r.windowStart,
		RequestCount:   r.count,
		Limit:          r.limit,
		WindowDuration: r.window,
	}
}

// caller holds r.mu
func (r *RateLimiter) resetIfElapsed() {
	now := r.clock.Now()
	if now.Sub(r.windowStart) >= r.window {
		r.windowStart = now
		r.count = 0
	}
}
