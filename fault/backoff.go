package fault

import (
	"math"
	"math/rand"
	"time"
)

const (
	jitterMin = 1.0
	jitterMax = 3.0
)

// Backoff computes retry delays for transient failures:
//
//	delay = min(base * 2^(attempt-1) * jitter, max)
//
// with jitter drawn from [1.0, 3.0) for every attempt past the first.
// Attempts are 1-based; attempt <= 1 gets the undithered base delay.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// rng can be overridden by tests for determinism. Nil uses the global
	// source.
	rng *rand.Rand
}

// NewBackoff returns a backoff policy with the given base and cap.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

func (b *Backoff) random() float64 {
	if b.rng != nil {
		return b.rng.Float64()
	}
	return rand.Float64()
}

// Delay returns the delay before the given retry attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if attempt > 1 {
		d *= jitterMin + b.random()*(jitterMax-jitterMin)
	}
	if capped := float64(b.Max); d > capped {
		d = capped
	}
	return time.Duration(d)
}
