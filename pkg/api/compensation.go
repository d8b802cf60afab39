package api

import "time"

// CompensationRun is one saga-rollback execution for a step. Runs for a
// workflow are executed strictly in ExecutionOrder (ascending, typically the
// reverse of forward execution), one at a time.
type CompensationRun struct {
	ID         string
	WorkflowID string
	StepKey    string
	JobClass   string

	// ExecutionOrder is unique per (workflow, step).
	ExecutionOrder int

	Status      CompensationStatus
	Attempt     int
	MaxAttempts int

	CurrentJobID string

	StartedAt  *time.Time
	FinishedAt *time.Time

	FailureMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewCompensationRun creates a Pending run. maxAttempts < 1 is treated as 1.
func NewCompensationRun(workflowID, stepKey, jobClass string, executionOrder, maxAttempts int) *CompensationRun {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := time.Now()
	return &CompensationRun{
		ID:             NewID(),
		WorkflowID:     workflowID,
		StepKey:        stepKey,
		JobClass:       jobClass,
		ExecutionOrder: executionOrder,
		Status:         CompensationPending,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (c *CompensationRun) transition(to CompensationStatus) error {
	if !c.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{Entity: "compensation run", From: string(c.Status), To: string(to)}
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return nil
}

// Start moves the run to Running and consumes one attempt.
func (c *CompensationRun) Start(jobID string) error {
	if err := c.transition(CompensationRunning); err != nil {
		return err
	}
	c.Attempt++
	c.CurrentJobID = jobID
	now := time.Now()
	c.StartedAt = &now
	return nil
}

func (c *CompensationRun) Succeed() error {
	if err := c.transition(CompensationSucceeded); err != nil {
		return err
	}
	now := time.Now()
	c.FinishedAt = &now
	return nil
}

func (c *CompensationRun) Fail(message string) error {
	if err := c.transition(CompensationFailed); err != nil {
		return err
	}
	now := time.Now()
	c.FinishedAt = &now
	c.FailureMessage = message
	return nil
}

// Skip marks a Pending run as Skipped without executing it.
func (c *CompensationRun) Skip() error {
	if err := c.transition(CompensationSkipped); err != nil {
		return err
	}
	now := time.Now()
	c.FinishedAt = &now
	return nil
}

// CanRetry reports whether a failed run still has attempts left.
func (c *CompensationRun) CanRetry() bool {
	return c.Status == CompensationFailed && c.Attempt < c.MaxAttempts
}

// ResetForRetry moves a Failed run back to Pending, clearing failure detail.
// Only allowed from Failed and only while attempts remain.
func (c *CompensationRun) ResetForRetry() error {
	if !c.CanRetry() {
		return &InvalidTransitionError{Entity: "compensation run", From: string(c.Status), To: string(CompensationPending)}
	}
	if err := c.transition(CompensationPending); err != nil {
		return err
	}
	c.FailureMessage = ""
	c.FinishedAt = nil
	c.CurrentJobID = ""
	return nil
}
