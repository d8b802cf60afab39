package api

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound is returned when a workflow instance lookup fails.
	ErrWorkflowNotFound = errors.New("workflow instance not found")

	// ErrStepRunNotFound is returned when a step run lookup fails.
	ErrStepRunNotFound = errors.New("step run not found")

	// ErrJobNotFound is returned when a job ledger lookup fails.
	ErrJobNotFound = errors.New("job not found")

	// ErrDefinitionNotFound is returned when no workflow definition is
	// registered for a (key, version) pair.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrOutputNotFound is returned when a step output lookup fails.
	ErrOutputNotFound = errors.New("step output not found")

	// ErrCompensationNotFound is returned when a compensation run lookup fails.
	ErrCompensationNotFound = errors.New("compensation run not found")

	// ErrJobAlreadyExists is returned when a job with the same JobUUID is
	// already in the ledger. Idempotent dispatchers check FindJobByUUID
	// first; this error only surfaces when two dispatchers race.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrWorkflowAlreadyCancelled is returned by Cancel on an instance that
	// is already cancelled. Cancellation is not idempotent at the entity
	// level: callers must check state first or handle this specifically.
	ErrWorkflowAlreadyCancelled = errors.New("workflow already cancelled")
)

// InvalidTransitionError is returned when an entity method is asked to
// perform a transition that its state machine forbids. It always indicates
// an orchestration bug, never an expected runtime outcome.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition %s -> %s", e.Entity, e.From, e.To)
}

// WorkflowLockedError is returned by AcquireLock when another owner holds
// the instance lock. Expected under contention; callers retry or back off.
type WorkflowLockedError struct {
	WorkflowID string
	Holder     string
}

func (e *WorkflowLockedError) Error() string {
	return fmt.Sprintf("workflow %s locked by %s", e.WorkflowID, e.Holder)
}

// SerializationError wraps an encode/decode failure at the boundary where
// stored bytes are turned back into domain values.
type SerializationError struct {
	What string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization of %s failed: %v", e.What, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// MissingRequiredOutputError is returned when a step declares a required
// output type that no prior step has produced.
type MissingRequiredOutputError struct {
	StepKey string
	Output  OutputType
}

func (e *MissingRequiredOutputError) Error() string {
	return fmt.Sprintf("step %s requires output %s which is not present", e.StepKey, e.Output)
}
