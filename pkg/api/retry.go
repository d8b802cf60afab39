package api

import (
	"math"
	"time"
)

// RetryConfiguration controls re-dispatch of a step's job after failure.
// MaxAttempts includes the first attempt: MaxAttempts 1 means no retries.
type RetryConfiguration struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DelayForAttempt returns the delay to apply before the given attempt
// (1-based). Attempt 1 gets the base delay unmodified; attempt k > 1 gets
// base * multiplier^(k-1), capped at MaxDelay when a cap is set. A zero base
// delay always yields zero regardless of attempt.
func (r RetryConfiguration) DelayForAttempt(attempt int) time.Duration {
	if r.BaseDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return r.BaseDelay
	}
	multiplier := r.Multiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}
	d := time.Duration(float64(r.BaseDelay) * math.Pow(multiplier, float64(attempt-1)))
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

// AttemptsRemaining reports whether another attempt is allowed after
// `attempt` attempts have been made.
func (r RetryConfiguration) AttemptsRemaining(attempt int) bool {
	max := r.MaxAttempts
	if max < 1 {
		max = 1
	}
	return attempt < max
}
