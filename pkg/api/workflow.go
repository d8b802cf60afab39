package api

import "time"

// WorkflowInstance is the aggregate root of a durable workflow. All other
// entities are scoped to its ID and deleted with it.
//
// State is mutated only through the intention-revealing methods below; each
// method validates the transition against the workflow state machine and
// returns *InvalidTransitionError when it is not allowed. Persistence
// (snapshot/reconstruct) is the repository layer's concern and does not go
// through these methods.
type WorkflowInstance struct {
	ID                string
	DefinitionKey     string
	DefinitionVersion string
	Status            WorkflowStatus

	// CurrentStepKey is empty before the first step and after the
	// instance succeeds or is cancelled.
	CurrentStepKey string

	PausedAt    *time.Time
	PauseReason string

	FailedAt       *time.Time
	FailureCode    string
	FailureMessage string

	SucceededAt *time.Time

	CancelledAt  *time.Time
	CancelReason string

	// LockOwner and LockedAt implement the cooperative, time-bound
	// advisory lock. A crashed holder leaves a stale lock; LockExpired
	// plus the repository's conditional clear handle expiry.
	LockOwner string
	LockedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewWorkflowInstance creates a Pending instance for the given definition.
func NewWorkflowInstance(definitionKey, definitionVersion string) *WorkflowInstance {
	now := time.Now()
	return &WorkflowInstance{
		ID:                NewID(),
		DefinitionKey:     definitionKey,
		DefinitionVersion: definitionVersion,
		Status:            WorkflowPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (w *WorkflowInstance) transition(to WorkflowStatus) error {
	if !w.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{Entity: "workflow", From: string(w.Status), To: string(to)}
	}
	w.Status = to
	w.UpdatedAt = time.Now()
	return nil
}

// Start moves the instance from Pending to Running.
func (w *WorkflowInstance) Start() error {
	return w.transition(WorkflowRunning)
}

// Pause moves a Running instance to Paused, recording the reason.
func (w *WorkflowInstance) Pause(reason string) error {
	if err := w.transition(WorkflowPaused); err != nil {
		return err
	}
	now := time.Now()
	w.PausedAt = &now
	w.PauseReason = reason
	return nil
}

// Resume moves a Paused instance back to Running and clears pause fields.
func (w *WorkflowInstance) Resume() error {
	if w.Status != WorkflowPaused {
		return &InvalidTransitionError{Entity: "workflow", From: string(w.Status), To: string(WorkflowRunning)}
	}
	if err := w.transition(WorkflowRunning); err != nil {
		return err
	}
	w.PausedAt = nil
	w.PauseReason = ""
	return nil
}

// Succeed moves a Running instance to Succeeded and clears the step pointer.
func (w *WorkflowInstance) Succeed() error {
	if err := w.transition(WorkflowSucceeded); err != nil {
		return err
	}
	now := time.Now()
	w.SucceededAt = &now
	w.CurrentStepKey = ""
	return nil
}

// SucceedImmediately takes a Pending instance straight through Running to
// Succeeded. Used for workflows with no steps.
func (w *WorkflowInstance) SucceedImmediately() error {
	if err := w.Start(); err != nil {
		return err
	}
	return w.Succeed()
}

// Fail moves a Running instance to Failed, recording code and message.
func (w *WorkflowInstance) Fail(code, message string) error {
	if err := w.transition(WorkflowFailed); err != nil {
		return err
	}
	now := time.Now()
	w.FailedAt = &now
	w.FailureCode = code
	w.FailureMessage = message
	return nil
}

// RetryFromFailure moves a Failed instance back to Running and clears the
// recorded failure.
func (w *WorkflowInstance) RetryFromFailure() error {
	if w.Status != WorkflowFailed {
		return &InvalidTransitionError{Entity: "workflow", From: string(w.Status), To: string(WorkflowRunning)}
	}
	if err := w.transition(WorkflowRunning); err != nil {
		return err
	}
	w.FailedAt = nil
	w.FailureCode = ""
	w.FailureMessage = ""
	return nil
}

// Cancel moves a Running, Paused or Failed instance to Cancelled. Cancelling
// an already-cancelled instance returns ErrWorkflowAlreadyCancelled rather
// than the generic transition error.
func (w *WorkflowInstance) Cancel(reason string) error {
	if w.Status == WorkflowCancelled {
		return ErrWorkflowAlreadyCancelled
	}
	if err := w.transition(WorkflowCancelled); err != nil {
		return err
	}
	now := time.Now()
	w.CancelledAt = &now
	w.CancelReason = reason
	w.CurrentStepKey = ""
	return nil
}

// AcquireLock takes the cooperative lock for owner. Re-acquisition by the
// current holder is allowed and refreshes the lock timestamp. If another
// owner holds the lock, a *WorkflowLockedError naming the holder is
// returned.
func (w *WorkflowInstance) AcquireLock(owner string) error {
	if w.LockOwner != "" && w.LockOwner != owner {
		return &WorkflowLockedError{WorkflowID: w.ID, Holder: w.LockOwner}
	}
	now := time.Now()
	w.LockOwner = owner
	w.LockedAt = &now
	return nil
}

// ReleaseLock releases the lock if owner holds it. Release races are
// expected, so a mismatched owner returns false instead of an error.
func (w *WorkflowInstance) ReleaseLock(owner string) bool {
	if w.LockOwner != owner || owner == "" {
		return false
	}
	w.LockOwner = ""
	w.LockedAt = nil
	return true
}

// LockExpired reports whether the lock is held and older than threshold.
// The owner id alone cannot distinguish "still working" from "crashed",
// so age is the only expiry signal.
func (w *WorkflowInstance) LockExpired(threshold time.Duration, now time.Time) bool {
	if w.LockOwner == "" || w.LockedAt == nil {
		return false
	}
	return now.Sub(*w.LockedAt) > threshold
}

// ClearLock unconditionally drops the lock. Used by the expiry sweep after
// LockExpired has been observed.
func (w *WorkflowInstance) ClearLock() {
	w.LockOwner = ""
	w.LockedAt = nil
}
