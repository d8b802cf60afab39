// Package taskqueue carries dispatched jobs from the orchestrator to
// workers. The queue is transport only: the job ledger in persistence is the
// source of truth, so a lost or duplicated task is recovered by the sweeps
// and the JobUUID idempotency check, not by queue guarantees.
package taskqueue

import (
	"context"
	"time"
)

// TaskKind identifies what the worker should do.
type TaskKind string

const (
	// TaskKindJob executes a step job via its registered JobHandler.
	TaskKindJob TaskKind = "job"

	// TaskKindPoll executes one iteration of a polling step.
	TaskKindPoll TaskKind = "poll"

	// TaskKindCompensation executes a saga rollback job.
	TaskKindCompensation TaskKind = "compensation"
)

// Task represents one dispatched unit of work.
type Task struct {
	Kind TaskKind

	// JobUUID matches the JobRecord in the ledger; workers report status
	// against it.
	JobUUID string

	WorkflowID string
	StepRunID  string

	// CompensationRunID is set for TaskKindCompensation instead of
	// StepRunID.
	CompensationRunID string

	JobClass string
	Queue    string

	// Item is the fan-out item, nil for single and polling jobs. Must be
	// gob-encodable.
	Item any

	// Attempt is the step (or poll) attempt this task belongs to.
	Attempt int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible for
	// processing. Zero value means "immediately".
	NotBefore time.Time
}

// Queue is the task transport interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
