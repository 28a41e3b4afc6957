// Package ratelimit bounds the rate of external connections the relay
// will admit, globally and per forward port.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket refilled at rate tokens per second,
// holding at most capacity tokens.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}

// Limiter manages a global connection budget plus one budget per forward
// port. A zero rate disables the corresponding check.
type Limiter struct {
	mu         sync.Mutex
	global     *TokenBucket
	perForward map[uint16]*TokenBucket
	rate       int
	burst      int
}

// New creates a limiter. globalRate bounds connections across all
// forwards, rate bounds each forward port separately, burst is the
// bucket capacity for both.
func New(globalRate, rate, burst int) *Limiter {
	l := &Limiter{
		perForward: make(map[uint16]*TokenBucket),
		rate:       rate,
		burst:      burst,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// AllowConnection reports whether one more external connection for the
// given forward port fits the budgets, consuming tokens when it does.
func (l *Limiter) AllowConnection(port uint16) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}

	if l.rate > 0 {
		l.mu.Lock()
		bucket, exists := l.perForward[port]
		if !exists {
			bucket = NewTokenBucket(l.rate, l.burst)
			l.perForward[port] = bucket
		}
		l.mu.Unlock()

		if !bucket.Allow() {
			return false
		}
	}

	return true
}

// CleanupExpired drops buckets for forward ports that are no longer
// registered.
func (l *Limiter) CleanupExpired(active map[uint16]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for port := range l.perForward {
		if !active[port] {
			delete(l.perForward, port)
		}
	}
}
