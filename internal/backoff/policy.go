// Package backoff provides exponential backoff with jitter for provider retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to each delay.
	Jitter float64
}

// DefaultPolicy is tuned for LLM provider calls: 250ms, 1s, then capped.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     4 * time.Second,
		Factor:  4,
		Jitter:  0.1,
	}
}

// Delay calculates the backoff duration for a 1-indexed attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand computes initial * factor^(attempt-1) plus jitter, clamped to Max.
// The random value must be in [0.0, 1.0); injectable for deterministic tests.
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}
