package api

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Observer receives callbacks from the orchestrator for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay orchestration.
type Observer interface {
	// OnWorkflowStart is called once when an instance leaves Pending.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowSucceeded is called when an instance reaches
	// WorkflowSucceeded.
	OnWorkflowSucceeded(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFailed is called when an instance reaches WorkflowFailed,
	// before compensation starts.
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnStepStart is called when a step run is created and its first jobs
	// are about to be dispatched.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, run *StepRun)

	// OnStepFinalized is called exactly once per step run, when the run
	// reaches a terminal status. err is nil for succeeded runs.
	OnStepFinalized(ctx context.Context, inst *WorkflowInstance, run *StepRun, err error, duration time.Duration)

	// OnJobFinished is called for every terminal job report, including
	// reports that lost the finalization race.
	OnJobFinished(ctx context.Context, job *JobRecord)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)             {}
func (NoopObserver) OnWorkflowSucceeded(ctx context.Context, inst *WorkflowInstance)         {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {}
func (NoopObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, run *StepRun)   {}
func (NoopObserver) OnStepFinalized(ctx context.Context, inst *WorkflowInstance, run *StepRun, err error, d time.Duration) {
}
func (NoopObserver) OnJobFinished(ctx context.Context, job *JobRecord) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowSucceeded(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowSucceeded(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, run *StepRun) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, run)
	}
}

func (c *CompositeObserver) OnStepFinalized(ctx context.Context, inst *WorkflowInstance, run *StepRun, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepFinalized(ctx, inst, run, err, d)
	}
}

func (c *CompositeObserver) OnJobFinished(ctx context.Context, job *JobRecord) {
	for _, o := range c.observers {
		o.OnJobFinished(ctx, job)
	}
}

// LoggingObserver writes structured logs using zerolog.
type LoggingObserver struct {
	Logger zerolog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow and step
// lifecycle events with the provided zerolog.Logger.
func NewLoggingObserver(logger zerolog.Logger) Observer {
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.Info().
		Str("workflow", inst.DefinitionKey).
		Str("instance_id", inst.ID).
		Msg("workflow_start")
}

func (o *LoggingObserver) OnWorkflowSucceeded(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.Info().
		Str("workflow", inst.DefinitionKey).
		Str("instance_id", inst.ID).
		Msg("workflow_succeeded")
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.Error().
		Str("workflow", inst.DefinitionKey).
		Str("instance_id", inst.ID).
		Err(err).
		Msg("workflow_failed")
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, run *StepRun) {
	o.Logger.Debug().
		Str("workflow", inst.DefinitionKey).
		Str("instance_id", inst.ID).
		Str("step", run.StepKey).
		Int("attempt", run.Attempt).
		Msg("step_start")
}

func (o *LoggingObserver) OnStepFinalized(ctx context.Context, inst *WorkflowInstance, run *StepRun, err error, d time.Duration) {
	ev := o.Logger.Debug()
	if err != nil {
		ev = o.Logger.Error().Err(err)
	}
	ev.
		Str("workflow", inst.DefinitionKey).
		Str("instance_id", inst.ID).
		Str("step", run.StepKey).
		Int("attempt", run.Attempt).
		Dur("duration", d).
		Msg("step_finalized")
}

func (o *LoggingObserver) OnJobFinished(ctx context.Context, job *JobRecord) {
	o.Logger.Debug().
		Str("job_uuid", job.JobUUID).
		Str("step_run_id", job.StepRunID).
		Str("status", string(job.Status)).
		Msg("job_finished")
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsSucceeded atomic.Int64
	workflowsFailed    atomic.Int64
	stepsFinalized     atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsSucceeded int64
	WorkflowsFailed    int64
	ActiveWorkflows    int64

	StepsFinalized  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowSucceeded(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsSucceeded.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnStepFinalized(ctx context.Context, inst *WorkflowInstance, run *StepRun, err error, d time.Duration) {
	// Only successful runs count toward the average duration.
	if err == nil {
		m.stepsFinalized.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	succeeded := m.workflowsSucceeded.Load()
	failed := m.workflowsFailed.Load()
	steps := m.stepsFinalized.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   started,
		WorkflowsSucceeded: succeeded,
		WorkflowsFailed:    failed,
		ActiveWorkflows:    started - succeeded - failed,
		StepsFinalized:     steps,
		AvgStepDuration:    avg,
	}
}
