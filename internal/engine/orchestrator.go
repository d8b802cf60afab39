// Package engine contains the orchestrator: the component that owns workflow
// progression. It loads instances, decides the next action from instance
// state and the step definition, dispatches jobs through the task queue, and
// absorbs worker reports through the concurrency-control operations of the
// store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/okonecny/stateflow/internal/locker"
	"github.com/okonecny/stateflow/internal/persistence"
	"github.com/okonecny/stateflow/internal/taskqueue"
	"github.com/okonecny/stateflow/pkg/api"
)

// Options configures an Orchestrator.
type Options struct {
	// OwnerID identifies this engine replica in locks. Defaults to a fresh
	// random ID.
	OwnerID string

	// LockTTL bounds how long the process-external advisory lock is held
	// per orchestration action. Defaults to 30 seconds.
	LockTTL time.Duration

	// LockStaleAfter is the age past which a store-level workflow lock is
	// considered abandoned and can be taken over. Defaults to 2 minutes.
	LockStaleAfter time.Duration

	Logger   zerolog.Logger
	Observer api.Observer
}

func (o Options) withDefaults() Options {
	if o.OwnerID == "" {
		o.OwnerID = api.NewID()
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LockStaleAfter <= 0 {
		o.LockStaleAfter = 2 * time.Minute
	}
	if o.Observer == nil {
		o.Observer = api.NoopObserver{}
	}
	return o
}

// Orchestrator drives workflow instances through their state machines.
//
// All state changes after instance creation flow through here: lifecycle
// commands from callers on one side, worker job reports on the other.
type Orchestrator struct {
	store    persistence.Store
	queue    taskqueue.Queue
	locks    locker.Locker
	registry *Registry

	opts Options
	obs  api.Observer
	log  zerolog.Logger
}

// New creates an Orchestrator.
func New(store persistence.Store, queue taskqueue.Queue, locks locker.Locker, registry *Registry, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		store:    store,
		queue:    queue,
		locks:    locks,
		registry: registry,
		opts:     opts,
		obs:      opts.Observer,
		log:      opts.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Queue exposes the task transport, so workers can be wired to the same
// queue the orchestrator dispatches into.
func (o *Orchestrator) Queue() taskqueue.Queue { return o.queue }

// Registry exposes the definition registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// GetWorkflow returns a workflow instance by ID.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return o.store.FindWorkflow(ctx, id)
}

// ListWorkflows returns instances matching the filter.
func (o *Orchestrator) ListWorkflows(ctx context.Context, filter persistence.WorkflowFilter) ([]*api.WorkflowInstance, error) {
	return o.store.ListWorkflows(ctx, filter)
}

// StepRunHistory returns every attempt of one step for an instance, ordered
// by attempt ascending. Empty when the step never ran.
func (o *Orchestrator) StepRunHistory(ctx context.Context, workflowID, stepKey string) ([]*api.StepRun, error) {
	return o.store.ListStepRunAttempts(ctx, workflowID, stepKey)
}

// WorkflowOutputs returns a point-in-time view of the outputs accumulated by
// an instance. Workers use it to build job contexts.
func (o *Orchestrator) WorkflowOutputs(ctx context.Context, workflowID string) (api.OutputReader, error) {
	return o.store.Outputs(ctx, workflowID)
}

// withLock serializes an orchestration action on a workflow: the
// process-external advisory lock cuts cross-replica contention, the
// store-level lock is the correctness boundary. A held lock surfaces as
// *api.WorkflowLockedError.
func (o *Orchestrator) withLock(ctx context.Context, workflowID string, fn func(ctx context.Context) error) error {
	acquired, err := o.locks.Acquire(ctx, workflowID, o.opts.OwnerID, o.opts.LockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return &api.WorkflowLockedError{WorkflowID: workflowID}
	}
	defer func() {
		if _, err := o.locks.Release(context.WithoutCancel(ctx), workflowID, o.opts.OwnerID); err != nil {
			o.log.Warn().Err(err).Str("workflow_id", workflowID).Msg("advisory lock release failed")
		}
	}()

	acquired, err = o.store.AcquireWorkflowLock(ctx, workflowID, o.opts.OwnerID, o.opts.LockStaleAfter)
	if err != nil {
		return err
	}
	if !acquired {
		inst, ferr := o.store.FindWorkflow(ctx, workflowID)
		holder := ""
		if ferr == nil {
			holder = inst.LockOwner
		}
		return &api.WorkflowLockedError{WorkflowID: workflowID, Holder: holder}
	}
	defer func() {
		if _, err := o.store.ReleaseWorkflowLock(context.WithoutCancel(ctx), workflowID, o.opts.OwnerID); err != nil {
			o.log.Warn().Err(err).Str("workflow_id", workflowID).Msg("workflow lock release failed")
		}
	}()

	return fn(ctx)
}

func (o *Orchestrator) loadInstance(ctx context.Context, id string) (*api.WorkflowInstance, api.WorkflowDefinition, error) {
	inst, err := o.store.FindWorkflow(ctx, id)
	if err != nil {
		return nil, api.WorkflowDefinition{}, err
	}
	def, err := o.registry.Get(inst.DefinitionKey, inst.DefinitionVersion)
	if err != nil {
		return nil, api.WorkflowDefinition{}, err
	}
	return inst, def, nil
}

// CreateWorkflow creates a Pending instance of a registered definition.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, definitionKey, definitionVersion string) (*api.WorkflowInstance, error) {
	if _, err := o.registry.Get(definitionKey, definitionVersion); err != nil {
		return nil, err
	}
	inst := api.NewWorkflowInstance(definitionKey, definitionVersion)
	if err := o.store.SaveWorkflow(ctx, inst); err != nil {
		return nil, err
	}
	o.log.Info().
		Str("workflow_id", inst.ID).
		Str("definition", definitionKey+"@"+definitionVersion).
		Msg("workflow created")
	return inst, nil
}

// StartWorkflow moves a Pending instance to Running and begins its first
// step. A definition with no steps succeeds immediately.
func (o *Orchestrator) StartWorkflow(ctx context.Context, id string) error {
	return o.withLock(ctx, id, func(ctx context.Context) error {
		inst, def, err := o.loadInstance(ctx, id)
		if err != nil {
			return err
		}

		if len(def.Steps) == 0 {
			if err := inst.SucceedImmediately(); err != nil {
				return err
			}
			if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
				return err
			}
			o.obs.OnWorkflowStart(ctx, inst)
			o.obs.OnWorkflowSucceeded(ctx, inst)
			return nil
		}

		if err := inst.Start(); err != nil {
			return err
		}
		if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
			return err
		}
		o.obs.OnWorkflowStart(ctx, inst)

		step, ok, err := o.firstEligibleStep(ctx, inst, def, 0)
		if err != nil {
			return err
		}
		if !ok {
			// Every step was skipped by its condition.
			return o.succeedWorkflow(ctx, inst)
		}
		return o.beginStep(ctx, inst, def, step, 1)
	})
}

// PauseWorkflow pauses a Running instance, recording the reason.
func (o *Orchestrator) PauseWorkflow(ctx context.Context, id, reason string) error {
	return o.withLock(ctx, id, func(ctx context.Context) error {
		inst, err := o.store.FindWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if err := inst.Pause(reason); err != nil {
			return err
		}
		if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
			return err
		}
		o.log.Info().Str("workflow_id", id).Str("reason", reason).Msg("workflow paused")
		return nil
	})
}

// CancelWorkflow cancels an instance. Cancelling twice returns
// api.ErrWorkflowAlreadyCancelled.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, id, reason string) error {
	return o.withLock(ctx, id, func(ctx context.Context) error {
		inst, err := o.store.FindWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if err := inst.Cancel(reason); err != nil {
			return err
		}
		if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
			return err
		}
		o.log.Info().Str("workflow_id", id).Str("reason", reason).Msg("workflow cancelled")
		return nil
	})
}

// DeleteWorkflow removes an instance and everything scoped to it.
func (o *Orchestrator) DeleteWorkflow(ctx context.Context, id string) error {
	return o.store.DeleteWorkflow(ctx, id)
}

// DeliverTrigger records an external trigger payload and, when the instance
// is Paused and the definition has a resume condition, evaluates it. A
// satisfied condition resumes the workflow and continues its current step.
func (o *Orchestrator) DeliverTrigger(ctx context.Context, id, triggerKey string, payload any) error {
	return o.withLock(ctx, id, func(ctx context.Context) error {
		inst, def, err := o.loadInstance(ctx, id)
		if err != nil {
			return err
		}

		rec := api.NewTriggerPayloadRecord(id, triggerKey, payload)
		if err := o.store.AppendTriggerPayload(ctx, rec); err != nil {
			return err
		}

		if inst.Status != api.WorkflowPaused || def.Resume == nil {
			return nil
		}

		outputs, err := o.store.Outputs(ctx, id)
		if err != nil {
			return err
		}
		resume, rejection, err := def.Resume.Evaluate(outputs, rec)
		if err != nil {
			return err
		}
		if !resume {
			o.log.Info().
				Str("workflow_id", id).
				Str("trigger", triggerKey).
				Str("rejection", rejection).
				Msg("trigger did not satisfy resume condition")
			return nil
		}

		if err := inst.Resume(); err != nil {
			return err
		}
		if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
			return err
		}
		o.log.Info().Str("workflow_id", id).Str("trigger", triggerKey).Msg("workflow resumed by trigger")
		return o.continueCurrentStep(ctx, inst, def)
	})
}

// ResolveFailure applies an operator decision to a workflow that paused for
// manual resolution, recording the decision for the audit trail.
func (o *Orchestrator) ResolveFailure(ctx context.Context, id string, action api.ResolutionAction, resolvedBy, note string) error {
	return o.withLock(ctx, id, func(ctx context.Context) error {
		inst, def, err := o.loadInstance(ctx, id)
		if err != nil {
			return err
		}
		if inst.Status != api.WorkflowPaused {
			return fmt.Errorf("workflow %s is %s, resolution needs a paused workflow", id, inst.Status)
		}

		stepKey := inst.CurrentStepKey
		rec := api.NewResolutionDecisionRecord(id, stepKey, action, resolvedBy, note)
		if err := o.store.AppendResolutionDecision(ctx, rec); err != nil {
			return err
		}

		switch action {
		case api.ResolutionFailWorkflow:
			if err := inst.Resume(); err != nil {
				return err
			}
			return o.failWorkflow(ctx, inst, def, "MANUAL_RESOLUTION", note)

		case api.ResolutionRetryStep:
			if err := inst.Resume(); err != nil {
				return err
			}
			if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
				return err
			}
			return o.retryCurrentStep(ctx, inst, def)

		case api.ResolutionSkipStep, api.ResolutionAcceptPartial:
			if err := inst.Resume(); err != nil {
				return err
			}
			if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
				return err
			}
			return o.advance(ctx, inst, def, stepKey)

		default:
			return fmt.Errorf("unknown resolution action %q", action)
		}
	})
}

// RetryWorkflow moves a Failed instance back to Running and retries its
// current step with a fresh attempt.
func (o *Orchestrator) RetryWorkflow(ctx context.Context, id string) error {
	return o.withLock(ctx, id, func(ctx context.Context) error {
		inst, def, err := o.loadInstance(ctx, id)
		if err != nil {
			return err
		}
		if err := inst.RetryFromFailure(); err != nil {
			return err
		}
		if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
			return err
		}
		o.log.Info().Str("workflow_id", id).Msg("workflow retrying from failure")
		return o.retryCurrentStep(ctx, inst, def)
	})
}

// continueCurrentStep resumes forward progress after a pause: a terminal
// failed current run is retried with a new attempt, a missing run starts the
// step, a live run is left alone.
func (o *Orchestrator) continueCurrentStep(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition) error {
	if inst.CurrentStepKey == "" {
		step, ok, err := o.firstEligibleStep(ctx, inst, def, 0)
		if err != nil {
			return err
		}
		if !ok {
			return o.succeedWorkflow(ctx, inst)
		}
		return o.beginStep(ctx, inst, def, step, 1)
	}

	run, err := o.store.FindLatestStepRun(ctx, inst.ID, inst.CurrentStepKey)
	if errors.Is(err, api.ErrStepRunNotFound) {
		step, ok := def.StepByKey(inst.CurrentStepKey)
		if !ok {
			return fmt.Errorf("current step %q not in definition %s@%s", inst.CurrentStepKey, def.Key, def.Version)
		}
		return o.beginStep(ctx, inst, def, step, 1)
	}
	if err != nil {
		return err
	}
	if run.Status == api.StepFailed {
		return o.retryCurrentStep(ctx, inst, def)
	}
	return nil
}

// retryCurrentStep starts a fresh attempt of the current step.
func (o *Orchestrator) retryCurrentStep(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition) error {
	step, ok := def.StepByKey(inst.CurrentStepKey)
	if !ok {
		return fmt.Errorf("current step %q not in definition %s@%s", inst.CurrentStepKey, def.Key, def.Version)
	}
	attempt := 1
	run, err := o.store.FindLatestStepRun(ctx, inst.ID, inst.CurrentStepKey)
	if err == nil {
		attempt = run.Attempt + 1
	} else if !errors.Is(err, api.ErrStepRunNotFound) {
		return err
	}
	return o.beginStep(ctx, inst, def, step, attempt)
}

func (o *Orchestrator) succeedWorkflow(ctx context.Context, inst *api.WorkflowInstance) error {
	if err := inst.Succeed(); err != nil {
		return err
	}
	if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
		return err
	}
	o.obs.OnWorkflowSucceeded(ctx, inst)
	o.log.Info().Str("workflow_id", inst.ID).Msg("workflow succeeded")
	return nil
}
