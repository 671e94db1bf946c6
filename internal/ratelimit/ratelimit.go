// Package ratelimit throttles credential endpoints (login, invite
// exchange) per client address to slow down guessing.
package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks the token state for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter implements a token-bucket rate limiter keyed by arbitrary
// string identifiers (here, client IPs).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
	now     func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows rate requests per window per key.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// getBucket returns the bucket for key, creating one if absent.
// Must be called with l.mu held.
func (l *Limiter) getBucket(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.rate), lastRefill: l.now()}
		l.buckets[key] = b
	}
	return b
}

// refill adds tokens based on elapsed time since the last refill.
// Must be called with l.mu held.
func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	refillRate := float64(l.rate) / l.window.Seconds()
	b.tokens += elapsed * refillRate
	if b.tokens > float64(l.rate) {
		b.tokens = float64(l.rate)
	}
	b.lastRefill = now
}

// Allow reports whether a request identified by key is permitted,
// consuming one token when it is.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getBucket(key)
	l.refill(b)

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Status returns the current limit state for key: the maximum tokens,
// the tokens remaining (floored), and when the bucket is fully
// replenished.
func (l *Limiter) Status(key string) (limit int, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getBucket(key)
	l.refill(b)

	limit = l.rate
	remaining = int(b.tokens)
	if remaining < 0 {
		remaining = 0
	}

	deficit := float64(l.rate) - b.tokens
	if deficit <= 0 {
		resetAt = l.now()
	} else {
		refillRate := float64(l.rate) / l.window.Seconds()
		resetAt = l.now().Add(time.Duration(deficit/refillRate*1e9) * time.Nanosecond)
	}
	return
}
