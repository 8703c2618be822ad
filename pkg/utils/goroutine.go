package utils

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineLeakDetector fails a test when goroutines started during it are
// still running once it ends. Listeners use it to prove Stop releases their
// read loops and serve goroutines.
type GoroutineLeakDetector struct {
	t             testing.TB
	initialCount  int
	allowedGrowth int
	timeout       time.Duration
	pollInterval  time.Duration
}

// NewGoroutineLeakDetector records the current goroutine count
func NewGoroutineLeakDetector(t testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:            t,
		initialCount: runtime.NumGoroutine(),
		timeout:      2 * time.Second,
		pollInterval: 20 * time.Millisecond,
	}
}

// SetAllowedGrowth sets the number of goroutines allowed to outlive the test
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetTimeout bounds how long Check waits for goroutines to finish
func (d *GoroutineLeakDetector) SetTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.timeout = timeout
	return d
}

// Check polls until the goroutine count is back within bounds and fails the
// test with every goroutine's stack when the timeout passes first
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()

	deadline := time.Now().Add(d.timeout)
	for {
		count := runtime.NumGoroutine()
		if count-d.initialCount <= d.allowedGrowth {
			return
		}
		if time.Now().After(deadline) {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			d.t.Errorf("goroutine leak: started with %d, ended with %d (allowed growth %d)\n%s",
				d.initialCount, count, d.allowedGrowth, buf[:n])
			return
		}
		time.Sleep(d.pollInterval)
	}
}
