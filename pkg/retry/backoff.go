package retry

import (
	"math"
	"math/rand"
	"time"
)

// MaxDelay is the ceiling every computed backoff delay is clamped to,
// regardless of attempt count (spec.md §8, property 7).
const MaxDelay = 30 * time.Second

// DefaultJitter is the fractional jitter spec.md §4.5 specifies.
const DefaultJitter = 0.1

// Backoff computes the exponential-backoff-with-jitter delay for attempt
// (the retry count, 0-indexed) given a base delay and jitter fraction.
// rnd is a source of uniform [0,1) randomness; pass nil to use the
// package-level math/rand source (tests should inject a fixed source).
//
// delay = min(base * 2^attempt, MaxDelay) * (1 + U(-jitter, +jitter))
func Backoff(attempt int, base time.Duration, jitter float64, rnd *rand.Rand) time.Duration {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	raw := float64(base) * math.Pow(2, float64(attempt))
	capped := math.Min(raw, float64(MaxDelay))

	// U(-jitter, +jitter)
	spread := (rnd.Float64()*2 - 1) * jitter
	delay := capped * (1 + spread)
	if delay < 0 {
		delay = 0
	}
	if delay > float64(MaxDelay) {
		delay = float64(MaxDelay)
	}
	return time.Duration(delay)
}

// Bounds returns the [min, max] interval a Backoff(attempt, base, jitter, _)
// result must fall within, per spec.md §8 property 7.
func Bounds(attempt int, base time.Duration, jitter float64) (min, max time.Duration) {
	raw := float64(base) * math.Pow(2, float64(attempt))
	capped := math.Min(raw, float64(MaxDelay))
	lo := capped * (1 - jitter)
	hi := capped * (1 + jitter)
	if lo < 0 {
		lo = 0
	}
	return time.Duration(lo), time.Duration(hi)
}
