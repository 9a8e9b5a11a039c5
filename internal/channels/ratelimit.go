package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket: a burst up to capacity, refilled at a
// steady rate. Outbound transports use one per platform so a noisy
// session can't blow through that platform's API limits.
//
// Grounded on the teacher's internal/channels/ratelimit.go, trimmed to
// the operations the outbound path actually calls (Wait, Allow) and
// dropping the teacher's MultiRateLimiter wrapper -- this repo keys one
// limiter per Kind directly in the Dispatcher rather than through a
// second named-lookup layer.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter builds a limiter allowing up to capacity operations in
// a burst, refilling at rate operations/second thereafter.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &RateLimiter{rate: rate, capacity: float64(capacity), tokens: float64(capacity), lastRefill: time.Now()}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.nextTokenIn()):
		}
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

func (r *RateLimiter) nextTokenIn() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked()
	if r.tokens >= 1 {
		return 0
	}
	need := 1 - r.tokens
	return time.Duration(need / r.rate * float64(time.Second))
}

func (r *RateLimiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.rate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	r.lastRefill = now
}
