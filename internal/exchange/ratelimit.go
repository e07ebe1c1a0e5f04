// ratelimit.go implements token-bucket rate limiting for the Kalshi API.
//
// Kalshi's basic access tier allows roughly 10 reads and 5 transactions per
// second. The buckets refill continuously rather than in one-second bursts so
// a tick of concurrent reads never trips the hard limit.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by Kalshi endpoint category. Every call
// waits on the matching bucket before the HTTP request goes out.
type RateLimiter struct {
	Read  *TokenBucket // market data, portfolio reads
	Order *TokenBucket // order placement and cancellation
}

// NewRateLimiter creates buckets tuned to the basic access tier.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Read:  NewTokenBucket(10, 10),
		Order: NewTokenBucket(5, 5),
	}
}
