package api

import (
	"fmt"
	"math"
	"time"
)

// PollTimeoutPolicy decides what happens when a polling step exhausts its
// attempt or duration budget.
type PollTimeoutPolicy string

const (
	// PollTimeoutFailWorkflow fails the step (and, through the step's
	// failure policy, usually the workflow).
	PollTimeoutFailWorkflow PollTimeoutPolicy = "FAIL_WORKFLOW"

	// PollTimeoutUseDefault stores the configured default output and
	// finalizes the step as succeeded.
	PollTimeoutUseDefault PollTimeoutPolicy = "USE_DEFAULT_OUTPUT"
)

// PollConfiguration drives the re-dispatch loop of a polling step.
type PollConfiguration struct {
	BaseInterval      time.Duration
	BackoffMultiplier float64
	MaxInterval       time.Duration
	MaxAttempts       int
	MaxDuration       time.Duration
	TimeoutPolicy     PollTimeoutPolicy

	// DefaultOutput is stored when the timeout policy is
	// PollTimeoutUseDefault. May be nil.
	DefaultOutput StepOutput
}

// IntervalForAttempt returns the wait before the given attempt (1-based):
// the base interval, or base * multiplier^(attempt-1) when the backoff
// multiplier exceeds 1.0, capped at MaxInterval.
func (p PollConfiguration) IntervalForAttempt(attempt int) time.Duration {
	d := p.BaseInterval
	if p.BackoffMultiplier > 1.0 && attempt > 1 {
		d = time.Duration(float64(p.BaseInterval) * math.Pow(p.BackoffMultiplier, float64(attempt-1)))
	}
	return p.CapInterval(d)
}

// CapInterval clamps an interval (for example an explicit override from a
// poll result) to MaxInterval.
func (p PollConfiguration) CapInterval(d time.Duration) time.Duration {
	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// Exhausted reports whether another poll attempt would exceed the attempt
// or duration budget.
func (p PollConfiguration) Exhausted(attempts int, startedAt, now time.Time) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return true
	}
	if p.MaxDuration > 0 && now.Sub(startedAt) >= p.MaxDuration {
		return true
	}
	return false
}

// PollResult is what a polling job reports back.
type PollResult struct {
	// Complete means the awaited condition holds; Output (if any) becomes
	// the step's output and the step finalizes as succeeded.
	Complete bool

	// Continue means the condition does not hold yet but polling should
	// go on. Complete false with Continue false aborts the step.
	Continue bool

	// NextInterval, when positive, overrides the computed interval for
	// the next attempt (still capped at MaxInterval).
	NextInterval time.Duration

	Output StepOutput
}

// PollAttempt records one iteration of a polling step. Immutable once
// created: at most one of the complete/continue flags may be set, and a
// record with neither is an aborted poll.
type PollAttempt struct {
	ID        string
	StepRunID string
	Attempt   int
	JobID     string

	Complete bool
	Continue bool

	NextIntervalOverride time.Duration

	ExecutedAt time.Time
}

// NewPollAttempt creates an attempt record, rejecting the impossible
// complete-and-continue combination.
func NewPollAttempt(stepRunID string, attempt int, jobID string, complete, cont bool, override time.Duration) (*PollAttempt, error) {
	if complete && cont {
		return nil, fmt.Errorf("poll attempt cannot be both complete and continue")
	}
	return &PollAttempt{
		ID:                   NewID(),
		StepRunID:            stepRunID,
		Attempt:              attempt,
		JobID:                jobID,
		Complete:             complete,
		Continue:             cont,
		NextIntervalOverride: override,
		ExecutedAt:           time.Now(),
	}, nil
}
