package api

import "time"

// StepRun is one execution attempt of a workflow step. It aggregates the
// outcomes of the jobs dispatched for the step: CompletedJobCount counts
// every job that reached a terminal state, FailedJobCount the subset that
// failed, so CompletedJobCount >= FailedJobCount always holds.
//
// A retried step gets a fresh StepRun with the next attempt number; runs
// are superseded, never deleted.
type StepRun struct {
	ID         string
	WorkflowID string
	StepKey    string
	Attempt    int
	Status     StepStatus

	StartedAt  *time.Time
	FinishedAt *time.Time

	FailureCode    string
	FailureMessage string

	CompletedJobCount int
	FailedJobCount    int

	// TotalJobCount is fixed once jobs are dispatched (fan-out sizing).
	// Zero means the step has not been sized yet.
	TotalJobCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewStepRun creates a Pending run for the given attempt (1-based).
func NewStepRun(workflowID, stepKey string, attempt int) *StepRun {
	now := time.Now()
	return &StepRun{
		ID:         NewID(),
		WorkflowID: workflowID,
		StepKey:    stepKey,
		Attempt:    attempt,
		Status:     StepPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *StepRun) transition(to StepStatus) error {
	if !s.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{Entity: "step run", From: string(s.Status), To: string(to)}
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	return nil
}

// Start moves the run from Pending to Running.
func (s *StepRun) Start() error {
	if err := s.transition(StepRunning); err != nil {
		return err
	}
	now := time.Now()
	s.StartedAt = &now
	return nil
}

// Succeed finalizes the run as Succeeded. The repository-level
// FinalizeStepRunSucceeded is the racing variant; this entity method is for
// single-owner paths and validation.
func (s *StepRun) Succeed() error {
	if err := s.transition(StepSucceeded); err != nil {
		return err
	}
	now := time.Now()
	s.FinishedAt = &now
	return nil
}

// Fail finalizes the run as Failed, recording code and message.
func (s *StepRun) Fail(code, message string) error {
	if err := s.transition(StepFailed); err != nil {
		return err
	}
	now := time.Now()
	s.FinishedAt = &now
	s.FailureCode = code
	s.FailureMessage = message
	return nil
}

// RecordJobSuccess tallies one successfully finished job.
func (s *StepRun) RecordJobSuccess() {
	s.CompletedJobCount++
	s.UpdatedAt = time.Now()
}

// RecordJobFailure tallies one failed job. Failed jobs count as completed
// too: completion means "reached a terminal state", not "succeeded".
func (s *StepRun) RecordJobFailure() {
	s.CompletedJobCount++
	s.FailedJobCount++
	s.UpdatedAt = time.Now()
}

// SucceededJobCount is the number of jobs that finished without failing.
func (s *StepRun) SucceededJobCount() int {
	return s.CompletedJobCount - s.FailedJobCount
}

// HasAllJobsCompleted reports whether every dispatched job has reached a
// terminal state. Only meaningful once TotalJobCount is known.
func (s *StepRun) HasAllJobsCompleted() bool {
	return s.TotalJobCount > 0 && s.CompletedJobCount >= s.TotalJobCount
}

// Duration is FinishedAt - StartedAt, or zero while either end is missing.
func (s *StepRun) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}
