package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(perMinute, burst int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(RateLimitConfig{RequestsPerMinute: perMinute, BurstSize: burst})
	l.now = clock.now
	return l, clock
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	l, clock := newTestLimiter(60, 3)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("user:alice"), "request %d", i)
	}
	assert.False(t, l.Allow("user:alice"))
	assert.True(t, l.Allow("user:bob"), "keys are independent")

	clock.advance(time.Second)
	assert.True(t, l.Allow("user:alice"))
	assert.False(t, l.Allow("user:alice"))

	clock.advance(time.Hour)
	assert.Equal(t, 3.0, l.Remaining("user:alice"), "refill stops at the burst size")
}

func TestRateLimiterRemainingAndReset(t *testing.T) {
	l, _ := newTestLimiter(60, 2)

	assert.Equal(t, 2.0, l.Remaining("k"))
	require.True(t, l.Allow("k"))
	assert.Equal(t, 1.0, l.Remaining("k"))

	l.Reset("k")
	assert.Equal(t, 2.0, l.Remaining("k"))
}

func TestRateLimiterCleanupExpired(t *testing.T) {
	l, clock := newTestLimiter(60, 5)

	require.True(t, l.Allow("stale"))
	clock.advance(4 * time.Second)
	require.True(t, l.Allow("fresh"))
	assert.Zero(t, l.CleanupExpired(), "a bucket that has not refilled is kept")

	clock.advance(time.Second)
	assert.Equal(t, 1, l.CleanupExpired())
	assert.Equal(t, 5.0, l.Remaining("stale"))

	l.mu.Lock()
	_, kept := l.buckets["fresh"]
	l.mu.Unlock()
	assert.True(t, kept)
}

func TestRateLimiterDefaults(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{})
	assert.Equal(t, 50.0, l.Remaining("any"))
	assert.Equal(t, 10.0, l.perSecond)
}
