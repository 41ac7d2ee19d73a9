// Package ratelimit throttles callers per key, usually the client IP.
package ratelimit

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"SecureEscrow/internal/metrics"
)

// Limiter decides whether a request for key may proceed now.
type Limiter interface {
	Allow(key string) bool
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucket keeps one token bucket per key. Idle buckets are dropped by
// Sweep.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
	now     func() time.Time
}

func NewTokenBucket(rps float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

func (tb *TokenBucket) Allow(key string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(tb.rps, tb.burst)}
		tb.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Sweep removes buckets not used for idle and returns how many were removed.
func (tb *TokenBucket) Sweep(idle time.Duration) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	cutoff := tb.now().Add(-idle)
	removed := 0
	for key, b := range tb.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(tb.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}

// StartSweeper drops idle buckets every interval until stop is closed.
func (tb *TokenBucket) StartSweeper(interval, idle time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			tb.Sweep(idle)
		}
	}
}

// Middleware rejects requests over the limit with 429, keyed by client IP.
func Middleware(l Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !l.Allow(c.IP()) {
			metrics.RateLimited.Inc()
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please slow down",
			})
		}
		return c.Next()
	}
}
