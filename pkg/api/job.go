package api

import "time"

// JobRecord is the ledger entry for one dispatched unit of work. The JobUUID
// is supplied (or derived deterministically) at dispatch time and is the
// idempotency anchor: redelivered dispatch requests with the same UUID must
// not create a second record. A re-dispatch after failure creates a new
// record with a new UUID; records are never reused across attempts.
type JobRecord struct {
	ID      string
	JobUUID string

	WorkflowID string
	StepRunID  string

	// CompensationRunID is set instead of StepRunID for saga rollback
	// jobs; the ledger covers both kinds of work.
	CompensationRunID string

	JobClass string
	Queue    string
	Status   JobStatus
	Attempt  int

	DispatchedAt time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time

	// RuntimeMS is set only once both start and finish timestamps exist.
	RuntimeMS int64

	FailureClass   string
	FailureMessage string
	FailureTrace   string

	WorkerID string
}

// NewJobRecord creates a Dispatched record.
func NewJobRecord(jobUUID, workflowID, stepRunID, jobClass, queue string, attempt int) *JobRecord {
	return &JobRecord{
		ID:           NewID(),
		JobUUID:      jobUUID,
		WorkflowID:   workflowID,
		StepRunID:    stepRunID,
		JobClass:     jobClass,
		Queue:        queue,
		Status:       JobDispatched,
		Attempt:      attempt,
		DispatchedAt: time.Now(),
	}
}

func (j *JobRecord) transition(to JobStatus) error {
	if !j.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{Entity: "job", From: string(j.Status), To: string(to)}
	}
	j.Status = to
	return nil
}

// Start marks the job as picked up by a worker.
func (j *JobRecord) Start(workerID string) error {
	if err := j.transition(JobRunning); err != nil {
		return err
	}
	now := time.Now()
	j.StartedAt = &now
	j.WorkerID = workerID
	return nil
}

// Succeed finalizes the job, computing RuntimeMS when a start time exists.
func (j *JobRecord) Succeed() error {
	if err := j.transition(JobSucceeded); err != nil {
		return err
	}
	j.finish()
	return nil
}

// Fail finalizes the job with failure detail. Allowed from Dispatched as
// well as Running, so stale-dispatch sweeps can close never-started jobs.
func (j *JobRecord) Fail(class, message, trace string) error {
	if err := j.transition(JobFailed); err != nil {
		return err
	}
	j.finish()
	j.FailureClass = class
	j.FailureMessage = message
	j.FailureTrace = trace
	return nil
}

func (j *JobRecord) finish() {
	now := time.Now()
	j.FinishedAt = &now
	if j.StartedAt != nil {
		j.RuntimeMS = now.Sub(*j.StartedAt).Milliseconds()
	}
}
