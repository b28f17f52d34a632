// ratelimit.go implements token-bucket rate limiting for the upstream feeds.
//
// Wikipedia, GitHub and the weather API all throttle anonymous clients;
// GitHub in particular budgets 60 requests per hour without a token. Each
// upstream gets its own smooth-refill bucket so a burst of market generation
// or deferred resolution cannot trip a ban.
package feeds

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait() until a token is available or the context is cancelled.
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

// RateLimiter groups token buckets by upstream.
type RateLimiter struct {
	Wikipedia *TokenBucket // REST summary + action API + random article
	GitHub    *TokenBucket // search API, 60/hour unauthenticated
	Weather   *TokenBucket // Open-Meteo forecast endpoint
	News      *TokenBucket // RSS fetches
}

// NewRateLimiter creates buckets tuned to the upstreams' anonymous quotas,
// with capacities sized for one market-maker cycle.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Wikipedia: NewTokenBucket(20, 2),
		GitHub:    NewTokenBucket(5, 0.015), // ~54 per hour, under the 60 cap
		Weather:   NewTokenBucket(10, 1),
		News:      NewTokenBucket(10, 1),
	}
}
