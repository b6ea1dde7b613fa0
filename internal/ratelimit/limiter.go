// Package ratelimit throttles outbound dialing with per-key token buckets.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config configures a Limiter.
type Config struct {
	// PerMinute is the sustained number of calls allowed per key.
	PerMinute float64
	// Burst is how many calls a quiet key may place back to back.
	Burst int
	// MaxKeys bounds memory; idle buckets are pruned past it.
	MaxKeys int
}

const defaultMaxKeys = 10000

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks one token bucket per key, typically a destination number.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	maxKeys int
	now     func() time.Time
}

// New creates a limiter. PerMinute must be positive.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    cfg.PerMinute / 60,
		burst:   float64(burst),
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// Allow consumes a token for key. When none is available it returns false
// and how long until one will be.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.pruneLocked(now)
		}
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}
	l.refill(b, now)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Duration(math.MaxInt64)
	}
	wait := (1 - b.tokens) / l.rate
	return false, time.Duration(math.Ceil(wait * float64(time.Second)))
}

// Reset forgets key's history.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rate)
}

// pruneLocked drops buckets that have refilled completely; they carry no
// state a fresh bucket would not.
func (l *Limiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= l.burst {
			delete(l.buckets, key)
		}
	}
}
