package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-client requests-per-minute limit across the
// WebSocket surface. A zero or negative RPM disables limiting.
type RateLimiter struct {
	mu       sync.Mutex
	enabled  bool
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// client with the given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if rpm <= 0 {
		return &RateLimiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		enabled:  true,
		limit:    rate.Every(time.Minute / time.Duration(rpm)),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.enabled }

// Allow reports whether the client identified by key may proceed.
func (r *RateLimiter) Allow(key string) bool {
	if !r.enabled {
		return true
	}
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// Forget drops the state for a disconnected client.
func (r *RateLimiter) Forget(key string) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}
