package api

import (
	"context"
	"fmt"
)

// FailurePolicy tells the orchestrator what to do when a step run finalizes
// as failed.
type FailurePolicy string

const (
	// FailWorkflow fails the instance and triggers saga compensation for
	// the steps already executed.
	FailWorkflow FailurePolicy = "FAIL_WORKFLOW"

	// PauseForResolution pauses the instance until an operator resolves
	// the failure (see ResolutionAction).
	PauseForResolution FailurePolicy = "PAUSE_FOR_RESOLUTION"

	// RetryStep starts a fresh step-run attempt, as long as the step's
	// retry configuration has attempts left.
	RetryStep FailurePolicy = "RETRY_STEP"

	// SkipStep abandons the step and advances the workflow.
	SkipStep FailurePolicy = "SKIP_STEP"

	// AcceptPartialSuccess finalizes a fan-out step as succeeded even
	// though its completion criteria were not met.
	AcceptPartialSuccess FailurePolicy = "ACCEPT_PARTIAL_SUCCESS"
)

// StepKind discriminates the StepDefinition variants.
type StepKind string

const (
	StepSingle  StepKind = "SINGLE"
	StepFanOut  StepKind = "FAN_OUT"
	StepPolling StepKind = "POLLING"
)

// StepCondition decides whether a step executes at all. A false result
// skips the step silently.
type StepCondition interface {
	Evaluate(outputs OutputReader) (bool, error)
}

// BranchCondition selects which branch keys run after a branching step.
type BranchCondition interface {
	Evaluate(outputs OutputReader) ([]BranchKey, error)
}

// ResumeCondition is evaluated when an external trigger arrives for a
// paused workflow. A false result leaves the workflow paused; the
// rejection reason is recorded for the audit trail.
type ResumeCondition interface {
	Evaluate(outputs OutputReader, trigger *TriggerPayloadRecord) (resume bool, rejectionReason string, err error)
}

// TerminationDecision is the result of a TerminationCondition.
type TerminationDecision struct {
	Terminate bool
	Failure   bool
	Reason    string
}

// TerminationCondition allows a workflow to end early, as success or
// failure, based on accumulated outputs. Evaluated after each step
// finalizes as succeeded.
type TerminationCondition interface {
	Evaluate(outputs OutputReader) (TerminationDecision, error)
}

// ItemIteratorFactory produces the fan-out items for a FanOutStep from the
// outputs accumulated so far.
type ItemIteratorFactory func(outputs OutputReader) ([]any, error)

// StepConfig carries the configuration shared by every step variant.
type StepConfig struct {
	Key      string
	JobClass string
	Queue    string

	Requires []OutputType
	Produces []OutputType

	OnFailure FailurePolicy
	Retry     RetryConfiguration

	// CompensationJobClass, when non-empty, registers this step for saga
	// rollback when a later step fails the workflow.
	CompensationJobClass    string
	CompensationMaxAttempts int

	// Condition, when non-nil, gates execution of the step.
	Condition StepCondition

	// BranchKey, when non-empty, makes the step part of a branch: it only
	// executes when a prior branch decision selected the key.
	BranchKey BranchKey

	// Branch, when non-nil, makes this a branching point: after the step
	// succeeds, the condition picks the branch keys that may run.
	Branch BranchCondition
}

// StepDefinition is implemented by the three step variants.
type StepDefinition interface {
	Kind() StepKind
	Config() StepConfig
}

// SingleJobStep dispatches exactly one job.
type SingleJobStep struct {
	StepConfig
}

func (s SingleJobStep) Kind() StepKind     { return StepSingle }
func (s SingleJobStep) Config() StepConfig { return s.StepConfig }

// FanOutStep dispatches one job per item produced by the iterator factory,
// at most ParallelismLimit in flight at a time, and finalizes according to
// its completion criteria.
type FanOutStep struct {
	StepConfig

	Items ItemIteratorFactory

	// ParallelismLimit caps concurrently outstanding jobs; <= 0 means
	// dispatch everything at once.
	ParallelismLimit int

	Criteria CompletionCriteria
}

func (s FanOutStep) Kind() StepKind     { return StepFanOut }
func (s FanOutStep) Config() StepConfig { return s.StepConfig }

// PollingStep re-dispatches its job on an interval until the poll result
// reports completion.
type PollingStep struct {
	StepConfig

	Poll PollConfiguration
}

func (s PollingStep) Kind() StepKind     { return StepPolling }
func (s PollingStep) Config() StepConfig { return s.StepConfig }

// WorkflowDefinition describes a workflow: an ordered list of steps plus
// optional resume/termination conditions. Identified by key and semantic
// version.
type WorkflowDefinition struct {
	Key     string
	Version string
	Steps   []StepDefinition

	Resume      ResumeCondition
	Termination TerminationCondition
}

// Validate checks structural invariants of a definition.
func (d WorkflowDefinition) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("workflow definition key is required")
	}
	if d.Version == "" {
		return fmt.Errorf("workflow definition %q: version is required", d.Key)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		cfg := step.Config()
		if cfg.Key == "" {
			return fmt.Errorf("workflow %q: step key is required", d.Key)
		}
		if _, dup := seen[cfg.Key]; dup {
			return fmt.Errorf("workflow %q: duplicate step key %q", d.Key, cfg.Key)
		}
		seen[cfg.Key] = struct{}{}
		if cfg.JobClass == "" {
			return fmt.Errorf("workflow %q step %q: job class is required", d.Key, cfg.Key)
		}
		if fo, ok := step.(FanOutStep); ok {
			if fo.Items == nil {
				return fmt.Errorf("workflow %q step %q: fan-out step needs an item iterator", d.Key, cfg.Key)
			}
			if fo.Criteria == nil {
				return fmt.Errorf("workflow %q step %q: fan-out step needs completion criteria", d.Key, cfg.Key)
			}
		}
		if ps, ok := step.(PollingStep); ok && ps.Poll.BaseInterval <= 0 {
			return fmt.Errorf("workflow %q step %q: polling step needs a base interval", d.Key, cfg.Key)
		}
	}
	return nil
}

// StepByKey returns the step definition with the given key.
func (d WorkflowDefinition) StepByKey(key string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Config().Key == key {
			return s, true
		}
	}
	return nil, false
}

// StepIndex returns the position of a step key, or -1.
func (d WorkflowDefinition) StepIndex(key string) int {
	for i, s := range d.Steps {
		if s.Config().Key == key {
			return i
		}
	}
	return -1
}

// DispatchableWorkflowJob is the minimum a dispatched payload must report
// so the executing side can correlate back into the ledger.
type DispatchableWorkflowJob interface {
	WorkflowID() string
	StepRunID() string
	JobUUID() string
}

// JobContext is the execution context handed to a job handler.
type JobContext struct {
	WorkflowID string
	StepRunID  string
	JobUUID    string

	// Item is the fan-out item for fan-out jobs, nil otherwise.
	Item any

	Outputs OutputReader
}

// JobHandler executes one unit of work. A returned output (may be nil) is
// stored under its output type; a returned error is recorded as failure
// data on the ledger, never propagated as a panic through the engine.
type JobHandler interface {
	Execute(ctx context.Context, jc JobContext) (StepOutput, error)
}

// PollHandler executes one iteration of a polling step.
type PollHandler interface {
	Execute(ctx context.Context, jc JobContext) (PollResult, error)
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, jc JobContext) (StepOutput, error)

func (f JobHandlerFunc) Execute(ctx context.Context, jc JobContext) (StepOutput, error) {
	return f(ctx, jc)
}

// PollHandlerFunc adapts a function to PollHandler.
type PollHandlerFunc func(ctx context.Context, jc JobContext) (PollResult, error)

func (f PollHandlerFunc) Execute(ctx context.Context, jc JobContext) (PollResult, error) {
	return f(ctx, jc)
}
