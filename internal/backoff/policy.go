// Package backoff computes retry delays and runs operations with retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines exponential backoff with jitter.
type BackoffPolicy struct {
	// InitialMs is the delay before the second attempt, in milliseconds.
	InitialMs float64
	// MaxMs caps any single delay.
	MaxMs float64
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter adds up to this fraction of the base delay.
	Jitter float64
}

// ComputeBackoff returns the delay to wait after the given attempt (1-indexed).
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand is ComputeBackoff with a caller-supplied random value in [0, 1).
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	total := math.Min(policy.MaxMs, base+base*policy.Jitter*randomValue)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy starts at 100ms and caps at 30s.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 100,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// ProviderAPIPolicy is tuned for synchronous telephony REST calls made
// while a caller is waiting on the line.
func ProviderAPIPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 200,
		MaxMs:     2000,
		Factor:    2,
		Jitter:    0.2,
	}
}
