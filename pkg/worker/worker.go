// Package worker pulls dispatched tasks off the queue and runs the
// registered handlers, reporting outcomes back to the orchestrator. Workers
// hold no workflow state of their own; everything they know about a task is
// in the task itself and the outputs snapshot they fetch for the handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/okonecny/stateflow/internal/taskqueue"
	"github.com/okonecny/stateflow/pkg/api"
)

// Engine is the slice of the orchestrator a worker reports through.
type Engine interface {
	HandleJobStarted(ctx context.Context, jobUUID, workerID string) error
	HandleJobSucceeded(ctx context.Context, jobUUID string, output api.StepOutput) error
	HandleJobFailed(ctx context.Context, jobUUID, failureClass, failureMessage, failureTrace string) error
	HandlePollResult(ctx context.Context, jobUUID string, result api.PollResult) error
	WorkflowOutputs(ctx context.Context, workflowID string) (api.OutputReader, error)
}

// HandlerRegistry maps job classes to their handlers. Safe for concurrent
// use; registration after workers start is allowed.
type HandlerRegistry struct {
	mu    sync.RWMutex
	jobs  map[string]api.JobHandler
	polls map[string]api.PollHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		jobs:  make(map[string]api.JobHandler),
		polls: make(map[string]api.PollHandler),
	}
}

// RegisterJobHandler binds a job class to a handler. Re-registering a class
// replaces the previous handler.
func (r *HandlerRegistry) RegisterJobHandler(jobClass string, h api.JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobClass] = h
}

// RegisterPollHandler binds a job class to a poll handler.
func (r *HandlerRegistry) RegisterPollHandler(jobClass string, h api.PollHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls[jobClass] = h
}

// JobHandler returns the handler for a job class.
func (r *HandlerRegistry) JobHandler(jobClass string) (api.JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.jobs[jobClass]
	return h, ok
}

// PollHandler returns the poll handler for a job class.
func (r *HandlerRegistry) PollHandler(jobClass string) (api.PollHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.polls[jobClass]
	return h, ok
}

// Worker processes tasks from a queue against a handler registry.
type Worker struct {
	id       string
	queue    taskqueue.Queue
	engine   Engine
	handlers *HandlerRegistry
	log      zerolog.Logger
}

// New creates a Worker. An empty id gets a fresh random one.
func New(id string, queue taskqueue.Queue, engine Engine, handlers *HandlerRegistry, logger zerolog.Logger) *Worker {
	if id == "" {
		id = api.NewID()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		engine:   engine,
		handlers: handlers,
		log:      logger.With().Str("component", "worker").Str("worker_id", id).Logger(),
	}
}

// ID returns the worker's identity as recorded on the jobs it runs.
func (w *Worker) ID() string { return w.id }

// Run processes tasks until the context is cancelled. Handler errors are
// reported to the orchestrator, not returned; only queue-level errors stop
// the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if !processed && ctx.Err() != nil {
			return nil
		}
	}
}

// ProcessOne pulls a single task and processes it. Returns whether a task
// was processed; the error covers dequeue and report failures, never the
// handler outcome itself.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Kind {
	case taskqueue.TaskKindJob, taskqueue.TaskKindCompensation:
		return true, w.processJob(ctx, task)
	case taskqueue.TaskKindPoll:
		return true, w.processPoll(ctx, task)
	default:
		w.log.Error().Str("kind", string(task.Kind)).Str("job_uuid", task.JobUUID).Msg("unknown task kind")
		return true, w.reportOutcome(ctx, task.JobUUID, func(ctx context.Context) error {
			return w.engine.HandleJobFailed(ctx, task.JobUUID, "UNKNOWN_TASK_KIND",
				fmt.Sprintf("no processor for task kind %q", task.Kind), "")
		})
	}
}

// reportOutcome delivers a job outcome to the orchestrator, retrying while
// the workflow is locked by another engine. The queue already consumed the
// task, so giving up on lock contention would lose the report for good.
func (w *Worker) reportOutcome(ctx context.Context, jobUUID string, report func(ctx context.Context) error) error {
	backoff := 25 * time.Millisecond
	for {
		err := report(ctx)
		var locked *api.WorkflowLockedError
		if !errors.As(err, &locked) {
			return err
		}
		w.log.Debug().
			Str("job_uuid", jobUUID).
			Str("workflow_id", locked.WorkflowID).
			Str("holder", locked.Holder).
			Dur("backoff", backoff).
			Msg("workflow locked, retrying report")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func (w *Worker) processJob(ctx context.Context, task *taskqueue.Task) error {
	handler, ok := w.handlers.JobHandler(task.JobClass)
	if !ok {
		return w.reportFailed(ctx, task.JobUUID, "NO_HANDLER",
			fmt.Sprintf("no job handler registered for class %q", task.JobClass), "")
	}
	if err := w.engine.HandleJobStarted(ctx, task.JobUUID, w.id); err != nil {
		return err
	}
	jc, err := w.jobContext(ctx, task)
	if err != nil {
		return w.reportFailed(ctx, task.JobUUID, "CONTEXT_ERROR", err.Error(), "")
	}

	output, execErr, trace := runJobHandler(ctx, handler, jc)
	if execErr != nil {
		class := "HANDLER_ERROR"
		if trace != "" {
			class = "HANDLER_PANIC"
		}
		w.log.Warn().Err(execErr).
			Str("job_uuid", task.JobUUID).
			Str("job_class", task.JobClass).
			Msg("job handler failed")
		return w.reportFailed(ctx, task.JobUUID, class, execErr.Error(), trace)
	}
	return w.reportOutcome(ctx, task.JobUUID, func(ctx context.Context) error {
		return w.engine.HandleJobSucceeded(ctx, task.JobUUID, output)
	})
}

func (w *Worker) reportFailed(ctx context.Context, jobUUID, class, message, trace string) error {
	return w.reportOutcome(ctx, jobUUID, func(ctx context.Context) error {
		return w.engine.HandleJobFailed(ctx, jobUUID, class, message, trace)
	})
}

func (w *Worker) processPoll(ctx context.Context, task *taskqueue.Task) error {
	handler, ok := w.handlers.PollHandler(task.JobClass)
	if !ok {
		return w.reportFailed(ctx, task.JobUUID, "NO_HANDLER",
			fmt.Sprintf("no poll handler registered for class %q", task.JobClass), "")
	}
	if err := w.engine.HandleJobStarted(ctx, task.JobUUID, w.id); err != nil {
		return err
	}
	jc, err := w.jobContext(ctx, task)
	if err != nil {
		return w.reportFailed(ctx, task.JobUUID, "CONTEXT_ERROR", err.Error(), "")
	}

	result, execErr, trace := runPollHandler(ctx, handler, jc)
	if execErr != nil {
		class := "HANDLER_ERROR"
		if trace != "" {
			class = "HANDLER_PANIC"
		}
		w.log.Warn().Err(execErr).
			Str("job_uuid", task.JobUUID).
			Str("job_class", task.JobClass).
			Msg("poll handler failed")
		return w.reportFailed(ctx, task.JobUUID, class, execErr.Error(), trace)
	}
	return w.reportOutcome(ctx, task.JobUUID, func(ctx context.Context) error {
		return w.engine.HandlePollResult(ctx, task.JobUUID, result)
	})
}

func (w *Worker) jobContext(ctx context.Context, task *taskqueue.Task) (api.JobContext, error) {
	outputs, err := w.engine.WorkflowOutputs(ctx, task.WorkflowID)
	if err != nil {
		return api.JobContext{}, err
	}
	return api.JobContext{
		WorkflowID: task.WorkflowID,
		StepRunID:  task.StepRunID,
		JobUUID:    task.JobUUID,
		Item:       task.Item,
		Outputs:    outputs,
	}, nil
}

// runJobHandler executes a handler, converting a panic into an error plus
// stack trace so a broken handler fails its job instead of the worker.
func runJobHandler(ctx context.Context, h api.JobHandler, jc api.JobContext) (output api.StepOutput, err error, trace string) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("job handler panicked: %v", r)
			trace = string(debug.Stack())
		}
	}()
	output, err = h.Execute(ctx, jc)
	return output, err, ""
}

func runPollHandler(ctx context.Context, h api.PollHandler, jc api.JobContext) (result api.PollResult, err error, trace string) {
	defer func() {
		if r := recover(); r != nil {
			result = api.PollResult{}
			err = fmt.Errorf("poll handler panicked: %v", r)
			trace = string(debug.Stack())
		}
	}()
	result, err = h.Execute(ctx, jc)
	return result, err, ""
}
