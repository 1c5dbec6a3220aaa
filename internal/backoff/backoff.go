// Package backoff computes reconnect delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// JitterFraction bounds the random share added on top of the capped delay.
const JitterFraction = 0.25

// Policy describes an exponential backoff with a cap and additive jitter.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns min(Base*2^attempt, Max) plus up to a quarter of that on top.
// Attempts start at zero.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-provided random value in [0, 1).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	randomValue = math.Min(math.Max(randomValue, 0), 1)

	base := float64(p.Base) * math.Pow(2, float64(attempt))
	if p.Max > 0 {
		base = math.Min(base, float64(p.Max))
	}
	jitter := base * JitterFraction * randomValue

	return time.Duration(math.Round(base + jitter))
}
