package api

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowPaused    WorkflowStatus = "PAUSED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowSucceeded WorkflowStatus = "SUCCEEDED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// workflowTransitions is the full transition table for workflow instances.
// SUCCEEDED and CANCELLED have no outgoing transitions.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowPending: {WorkflowRunning},
	WorkflowRunning: {WorkflowPaused, WorkflowSucceeded, WorkflowFailed, WorkflowCancelled},
	WorkflowPaused:  {WorkflowRunning, WorkflowCancelled},
	WorkflowFailed:  {WorkflowRunning, WorkflowCancelled},
}

// CanTransitionTo reports whether the transition s -> to is allowed.
func (s WorkflowStatus) CanTransitionTo(to WorkflowStatus) bool {
	for _, t := range workflowTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowSucceeded || s == WorkflowCancelled
}

// StepStatus represents the lifecycle state of a step run.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending: {StepRunning},
	StepRunning: {StepSucceeded, StepFailed},
}

func (s StepStatus) CanTransitionTo(to StepStatus) bool {
	for _, t := range stepTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// JobStatus represents the lifecycle state of a dispatched job.
type JobStatus string

const (
	JobDispatched JobStatus = "DISPATCHED"
	JobRunning    JobStatus = "RUNNING"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
)

// jobTransitions allows DISPATCHED -> FAILED directly so that jobs which
// die before ever starting (stale-dispatch detection) can be closed out.
var jobTransitions = map[JobStatus][]JobStatus{
	JobDispatched: {JobRunning, JobFailed},
	JobRunning:    {JobSucceeded, JobFailed},
}

func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, t := range jobTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// CompensationStatus represents the lifecycle state of a compensation run.
type CompensationStatus string

const (
	CompensationPending   CompensationStatus = "PENDING"
	CompensationRunning   CompensationStatus = "RUNNING"
	CompensationSucceeded CompensationStatus = "SUCCEEDED"
	CompensationFailed    CompensationStatus = "FAILED"
	CompensationSkipped   CompensationStatus = "SKIPPED"
)

// FAILED -> PENDING is the reset-for-retry edge; CompensationRun.ResetForRetry
// additionally enforces the attempt budget.
var compensationTransitions = map[CompensationStatus][]CompensationStatus{
	CompensationPending: {CompensationRunning, CompensationSkipped},
	CompensationRunning: {CompensationSucceeded, CompensationFailed},
	CompensationFailed:  {CompensationPending},
}

func (s CompensationStatus) CanTransitionTo(to CompensationStatus) bool {
	for _, t := range compensationTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

func (s CompensationStatus) Terminal() bool {
	return s == CompensationSucceeded || s == CompensationFailed || s == CompensationSkipped
}
