// Package ratelimit provides a non-blocking upload byte budget
package ratelimit

import (
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

const (
	minBurst = 64 * 1024
	maxBurst = 4 * 1024 * 1024
)

// Limiter meters outbound DATA bytes. The engine never blocks on it: a
// denied reservation ends the current window early and the next ACK or
// loss-triggered resend tries again.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	clock   clock.Clock
	enabled bool
}

// New creates a new rate limiter.
// bytesPerSecond of 0 or negative means unlimited.
func New(bytesPerSecond int64, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	l := &Limiter{clock: clk}
	l.UpdateRate(bytesPerSecond)
	return l
}

// burstFor uses one second worth of bytes, clamped to [64KB, 4MB]
func burstFor(bytesPerSecond int64) int {
	burst := bytesPerSecond
	if burst < minBurst {
		burst = minBurst
	}
	if burst > maxBurst {
		burst = maxBurst
	}
	return int(burst)
}

// Enabled returns whether rate limiting is active
func (l *Limiter) Enabled() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// UpdateRate changes the rate limit dynamically.
// bytesPerSecond of 0 or negative disables rate limiting.
func (l *Limiter) UpdateRate(bytesPerSecond int64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if bytesPerSecond <= 0 {
		l.enabled = false
		return
	}

	burst := burstFor(bytesPerSecond)
	now := l.clock.Now()
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
		// Start with an empty bucket so the first second is metered too.
		l.limiter.AllowN(now, burst)
	} else {
		l.limiter.SetLimitAt(now, rate.Limit(bytesPerSecond))
		l.limiter.SetBurstAt(now, burst)
	}
	l.enabled = true
}

// Allow reports whether n bytes may be sent now, consuming them if so.
// A disabled or nil limiter always allows.
func (l *Limiter) Allow(n int) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return true
	}
	return l.limiter.AllowN(l.clock.Now(), n)
}

// Tokens returns the bytes currently available, or -1 when unlimited.
func (l *Limiter) Tokens() float64 {
	if l == nil {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return -1
	}
	return l.limiter.TokensAt(l.clock.Now())
}
