package gateway

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

// RateLimit configures a ClientRateLimiter. Zero values use the defaults.
type RateLimit struct {
	RequestsPerMinute int
	MaxConcurrent     int
}

// DefaultRateLimit applies when no limits are configured
var DefaultRateLimit = RateLimit{RequestsPerMinute: 600, MaxConcurrent: 16}

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	limit              RateLimit
	window             time.Duration
	requests           []time.Time
	concurrentRequests int
}

// NewClientRateLimiter creates a rate limiter with the given limits
func NewClientRateLimiter(limit RateLimit) *ClientRateLimiter {
	if limit.RequestsPerMinute <= 0 {
		limit.RequestsPerMinute = DefaultRateLimit.RequestsPerMinute
	}
	if limit.MaxConcurrent <= 0 {
		limit.MaxConcurrent = DefaultRateLimit.MaxConcurrent
	}
	return &ClientRateLimiter{
		limit:  limit,
		window: time.Minute,
	}
}

// Acquire admits one request or reports which limit it exceeds. Every
// successful Acquire must be paired with Release.
func (r *ClientRateLimiter) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if r.concurrentRequests >= r.limit.MaxConcurrent {
		return ErrTooManyConcurrent
	}

	r.prune(now)
	if len(r.requests) >= r.limit.RequestsPerMinute {
		return ErrRateLimitExceeded
	}

	r.requests = append(r.requests, now)
	r.concurrentRequests++
	return nil
}

// Release records the end of a request
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// Stats returns the requests in the current window and the requests in flight
func (r *ClientRateLimiter) Stats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return len(r.requests), r.concurrentRequests
}

// prune drops requests older than the window. requests is ordered.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.requests) && !r.requests[i].After(cutoff) {
		i++
	}
	r.requests = r.requests[i:]
}

// idle reports whether the limiter holds no requests in the window and none
// in flight
func (r *ClientRateLimiter) idle(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now)
	return len(r.requests) == 0 && r.concurrentRequests == 0
}

// HostRateLimiters keeps one ClientRateLimiter per remote host. Limiters that
// have been idle for a full window are evicted, at most once per window.
type HostRateLimiters struct {
	mu        sync.Mutex
	limit     RateLimit
	window    time.Duration
	limiters  map[string]*ClientRateLimiter
	lastSweep time.Time
	now       func() time.Time
}

// NewHostRateLimiters creates an empty set of per-host limiters
func NewHostRateLimiters(limit RateLimit) *HostRateLimiters {
	return &HostRateLimiters{
		limit:    limit,
		window:   time.Minute,
		limiters: make(map[string]*ClientRateLimiter),
		now:      time.Now,
	}
}

// Get returns the limiter for host, creating it on first use
func (h *HostRateLimiters) Get(host string) *ClientRateLimiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if now.Sub(h.lastSweep) >= h.window {
		h.sweep(now)
		h.lastSweep = now
	}

	limiter, ok := h.limiters[host]
	if !ok {
		limiter = NewClientRateLimiter(h.limit)
		limiter.window = h.window
		h.limiters[host] = limiter
	}
	return limiter
}

// Len returns the number of tracked hosts
func (h *HostRateLimiters) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.limiters)
}

// sweep drops idle limiters. h.mu is held.
func (h *HostRateLimiters) sweep(now time.Time) {
	for host, limiter := range h.limiters {
		if limiter.idle(now) {
			delete(h.limiters, host)
		}
	}
}
