package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket guarding outbound platform calls. It
// permits bursts up to capacity and refills at rate tokens per second.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter with the given refill rate (tokens
// per second) and burst capacity.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &RateLimiter{
		rate:       rate,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked(time.Now())
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
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
		case <-time.After(r.nextTokenDelay()):
		}
	}
}

func (r *RateLimiter) nextTokenDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked(time.Now())
	if r.tokens >= 1 {
		return 0
	}
	missing := 1 - r.tokens
	return time.Duration(missing / r.rate * float64(time.Second))
}

func (r *RateLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.rate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	r.lastRefill = now
}
