package dispatch

import (
	"sync"

	"golang.org/x/time/rate"

	"examrelay/pkg/types"
)

// RateLimiter implements per-connection token buckets for client invocations
// ARCHITECTURAL DISCOVERY: Per-connection state is dropped on unregister, so the
// limiter never outgrows the registry
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[types.ConnectionID]*rate.Limiter
}

// NewRateLimiter allows perSecond invocations with the given burst; perSecond <= 0 disables limiting
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{limiters: make(map[types.ConnectionID]*rate.Limiter)}
	rl.SetLimit(perSecond, burst)
	return rl
}

// Allow reports whether id may invoke now
func (rl *RateLimiter) Allow(id types.ConnectionID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit <= 0 {
		return true
	}

	limiter, exists := rl.limiters[id]
	if !exists {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[id] = limiter
	}
	return limiter.Allow()
}

// Forget drops the bucket of a departed connection
func (rl *RateLimiter) Forget(id types.ConnectionID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, id)
}

// SetLimit changes the rate for new and existing buckets
// FUNCTIONAL DISCOVERY: Called from the config watcher, so existing buckets are
// retuned in place instead of being reset to a full burst
func (rl *RateLimiter) SetLimit(perSecond float64, burst int) {
	if burst < 1 {
		burst = 1
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limit = rate.Limit(perSecond)
	rl.burst = burst
	if perSecond <= 0 {
		rl.limiters = make(map[types.ConnectionID]*rate.Limiter)
		return
	}
	for _, limiter := range rl.limiters {
		limiter.SetLimit(rl.limit)
		limiter.SetBurst(burst)
	}
}

// Tracked returns the number of live buckets
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
