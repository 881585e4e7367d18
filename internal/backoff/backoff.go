// Package backoff computes retry schedules for failed attempts.
package backoff

import (
	"math"
	"time"
)

const (
	DefaultBaseDelay  = time.Second
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = time.Hour
)

// Calculator maps an attempt number to the delay before the next attempt:
// min(BaseDelay * Multiplier^(attempt-1), MaxDelay).
type Calculator struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Default returns a Calculator with 1s base delay, factor 2 and a 1h ceiling.
func Default() Calculator {
	return Calculator{
		BaseDelay:  DefaultBaseDelay,
		Multiplier: DefaultMultiplier,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Delay returns the backoff delay for a 1-based attempt number.
// Attempts below 1 are treated as the first attempt.
func (c Calculator) Delay(attempt int) time.Duration {
	c = c.normalized()
	if attempt < 1 {
		attempt = 1
	}

	// Clamp in float space so large attempt numbers saturate instead of overflowing.
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// Calculate returns the time the next attempt becomes eligible.
// A zero base means now.
func (c Calculator) Calculate(attempt int, base time.Time) time.Time {
	if base.IsZero() {
		base = time.Now()
	}
	return base.Add(c.Delay(attempt))
}

func (c Calculator) normalized() Calculator {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}
