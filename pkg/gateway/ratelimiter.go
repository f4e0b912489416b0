package gateway

import (
	"sync"
	"time"
)

// Per-client defaults
const (
	DefaultRequestsPerMinute = 60
	DefaultMaxConcurrent     = 10
)

// ClientRateLimiter limits one client with a one-minute sliding window
// and a cap on in-flight requests.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter with the default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerMinute, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits one request. On success the returned release must be
// called when the request finishes; otherwise the RPCError carries
// RateLimitExceeded or TooManyConcurrent.
func (r *ClientRateLimiter) Acquire() (func(), *RPCError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return nil, &RPCError{Code: TooManyConcurrent, Message: "too many concurrent requests"}
	}

	now := r.now()
	r.pruneLocked(now)
	if len(r.requests) >= r.requestsPerMinute {
		return nil, &RPCError{Code: RateLimitExceeded, Message: "rate limit exceeded"}
	}

	r.requests = append(r.requests, now)
	r.inFlight++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.inFlight > 0 {
				r.inFlight--
			}
			r.mu.Unlock()
		})
	}, nil
}

// pruneLocked drops request times older than the window
func (r *ClientRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.requests) && !r.requests[i].After(cutoff) {
		i++
	}
	r.requests = r.requests[i:]
}

// Stats returns the requests in the current window and those in flight
func (r *ClientRateLimiter) Stats() (requests, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return len(r.requests), r.inFlight
}
