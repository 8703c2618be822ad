package auth

import (
	"sync"
	"time"
)

// RateLimitConfig sizes the per-key token buckets
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate (default: 600)
	RequestsPerMinute int

	// BurstSize is the bucket capacity (default: 50)
	BurstSize int
}

// RateLimiter tracks request rates per key with the token bucket algorithm.
// Keys are opaque; callers decide whether they name a user, a credential or an address.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket

	perSecond float64
	burst     float64
	now       func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

var _ Cleaner = (*RateLimiter)(nil)

// NewRateLimiter creates a rate limiter
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 50
	}

	return &RateLimiter{
		buckets:   make(map[string]*tokenBucket),
		perSecond: float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(cfg.BurstSize),
		now:       time.Now,
	}
}

// Allow consumes a token for key and reports whether one was available
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.refillLocked(key)
	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true
	}
	return false
}

// Remaining returns the tokens currently available to key
func (l *RateLimiter) Remaining(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.buckets[key]; !exists {
		return l.burst
	}
	return l.refillLocked(key).tokens
}

// Reset forgets the bucket for key
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// CleanupExpired drops buckets idle long enough to have refilled completely,
// which behave exactly like a fresh bucket, and returns how many were dropped
func (l *RateLimiter) CleanupExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	full := time.Duration(l.burst / l.perSecond * float64(time.Second))
	now := l.now()
	removed := 0
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastRefill) >= full {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// refillLocked returns the bucket for key topped up to now; caller holds the lock
func (l *RateLimiter) refillLocked(key string) *tokenBucket {
	now := l.now()
	bucket, exists := l.buckets[key]
	if !exists {
		bucket = &tokenBucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = bucket
		return bucket
	}

	if elapsed := now.Sub(bucket.lastRefill); elapsed > 0 {
		bucket.tokens = min(bucket.tokens+elapsed.Seconds()*l.perSecond, l.burst)
		bucket.lastRefill = now
	}
	return bucket
}
