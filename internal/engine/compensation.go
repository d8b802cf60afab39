package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/okonecny/stateflow/internal/taskqueue"
	"github.com/okonecny/stateflow/pkg/api"
)

// CompensationState summarizes where a workflow's rollback stands.
type CompensationState string

const (
	// CompensationNone means the workflow has no compensation runs.
	CompensationNone CompensationState = "NONE"
	// CompensationInFlight means runs exist and none has failed, but the
	// chain has not finished.
	CompensationInFlight CompensationState = "IN_FLIGHT"
	// CompensationComplete means every run finished without failure.
	CompensationComplete CompensationState = "COMPLETE"
	// CompensationPartiallyFailed means at least one run failed exhausted.
	// The chain halts there, so later runs may still be pending.
	CompensationPartiallyFailed CompensationState = "PARTIALLY_FAILED"
)

// CompensationOutcome reports the aggregate state of a workflow's rollback.
func (o *Orchestrator) CompensationOutcome(ctx context.Context, workflowID string) (CompensationState, error) {
	runs, err := o.store.ListCompensationRuns(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return CompensationNone, nil
	}
	failed, err := o.store.AnyCompensationFailed(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if failed {
		return CompensationPartiallyFailed, nil
	}
	terminal, err := o.store.AllCompensationsTerminal(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if !terminal {
		return CompensationInFlight, nil
	}
	succeeded, err := o.store.AllCompensationsSucceeded(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if succeeded {
		return CompensationComplete, nil
	}
	return CompensationPartiallyFailed, nil
}

// startCompensation seeds the saga rollback for a failed workflow: every
// step that succeeded and declares a compensation job class gets a
// compensation run, ordered so the most recently executed step rolls back
// first. Calling it again for the same workflow is a no-op.
func (o *Orchestrator) startCompensation(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition) error {
	existing, err := o.store.ListCompensationRuns(ctx, inst.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return o.advanceCompensation(ctx, inst, def)
	}

	order := 0
	for i := len(def.Steps) - 1; i >= 0; i-- {
		cfg := def.Steps[i].Config()
		if cfg.CompensationJobClass == "" {
			continue
		}
		run, err := o.store.FindLatestStepRun(ctx, inst.ID, cfg.Key)
		if err != nil {
			if errors.Is(err, api.ErrStepRunNotFound) {
				continue
			}
			return err
		}
		if run.Status != api.StepSucceeded {
			continue
		}
		comp := api.NewCompensationRun(inst.ID, cfg.Key, cfg.CompensationJobClass, order, cfg.CompensationMaxAttempts)
		if err := o.store.SaveCompensationRun(ctx, comp); err != nil {
			return err
		}
		order++
	}
	if order == 0 {
		o.log.Debug().Str("workflow_id", inst.ID).Msg("nothing to compensate")
		return nil
	}
	o.log.Info().Str("workflow_id", inst.ID).Int("runs", order).Msg("compensation started")
	return o.advanceCompensation(ctx, inst, def)
}

// advanceCompensation dispatches the next pending compensation run, one at a
// time in execution order. Returns without error when the chain is finished.
func (o *Orchestrator) advanceCompensation(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition) error {
	comp, err := o.store.FindNextPendingCompensation(ctx, inst.ID)
	if err != nil {
		if errors.Is(err, api.ErrCompensationNotFound) {
			// No pending run left does not mean every run succeeded: an
			// exhausted run has already halted the chain on its own.
			failed, ferr := o.store.AnyCompensationFailed(ctx, inst.ID)
			if ferr != nil {
				return ferr
			}
			if failed {
				o.log.Warn().Str("workflow_id", inst.ID).Msg("compensation finished with failed runs")
			} else {
				o.log.Info().Str("workflow_id", inst.ID).Msg("compensation finished")
			}
			return nil
		}
		return err
	}

	var queue string
	if step, ok := def.StepByKey(comp.StepKey); ok {
		queue = step.Config().Queue
	}

	// The attempt number keys the job UUID, so a crashed dispatch of the
	// same attempt reuses the existing record.
	jobUUID := api.DeterministicJobUUID(comp.ID, "comp-"+strconv.Itoa(comp.Attempt+1))
	job, err := o.store.FindJobByUUID(ctx, jobUUID)
	if err != nil {
		if !errors.Is(err, api.ErrJobNotFound) {
			return err
		}
		job = api.NewJobRecord(jobUUID, inst.ID, "", comp.JobClass, queue, comp.Attempt+1)
		job.CompensationRunID = comp.ID
		if saveErr := o.store.SaveJob(ctx, job); saveErr != nil && !errors.Is(saveErr, api.ErrJobAlreadyExists) {
			return saveErr
		}
	}

	if err := comp.Start(job.ID); err != nil {
		return err
	}
	if err := o.store.UpdateCompensationRun(ctx, comp); err != nil {
		return err
	}

	task := taskqueue.Task{
		Kind:              taskqueue.TaskKindCompensation,
		JobUUID:           jobUUID,
		WorkflowID:        inst.ID,
		CompensationRunID: comp.ID,
		JobClass:          comp.JobClass,
		Queue:             queue,
		Attempt:           comp.Attempt,
		NotBefore:         time.Time{},
	}
	if err := o.queue.Enqueue(ctx, task); err != nil {
		return err
	}
	o.log.Info().
		Str("workflow_id", inst.ID).
		Str("step", comp.StepKey).
		Int("order", comp.ExecutionOrder).
		Int("attempt", comp.Attempt).
		Msg("compensation dispatched")
	return nil
}

// compensationJobSucceeded closes out a compensation run and moves the
// rollback chain forward.
func (o *Orchestrator) compensationJobSucceeded(ctx context.Context, job *api.JobRecord) error {
	comp, err := o.store.FindCompensationRun(ctx, job.CompensationRunID)
	if err != nil {
		return err
	}
	if comp.Status.Terminal() {
		return nil
	}
	if err := comp.Succeed(); err != nil {
		return err
	}
	if err := o.store.UpdateCompensationRun(ctx, comp); err != nil {
		return err
	}
	inst, def, err := o.loadInstance(ctx, job.WorkflowID)
	if err != nil {
		return err
	}
	return o.advanceCompensation(ctx, inst, def)
}

// compensationJobFailed records the failure and retries the run while
// attempts remain. An exhausted run halts the chain; compensation is never
// silently skipped, an operator has to look at it.
func (o *Orchestrator) compensationJobFailed(ctx context.Context, job *api.JobRecord, message string) error {
	comp, err := o.store.FindCompensationRun(ctx, job.CompensationRunID)
	if err != nil {
		return err
	}
	if comp.Status.Terminal() && !comp.CanRetry() {
		return nil
	}
	if comp.Status == api.CompensationRunning {
		if err := comp.Fail(message); err != nil {
			return err
		}
		if err := o.store.UpdateCompensationRun(ctx, comp); err != nil {
			return err
		}
	}

	if comp.CanRetry() {
		if err := comp.ResetForRetry(); err != nil {
			return err
		}
		if err := o.store.UpdateCompensationRun(ctx, comp); err != nil {
			return err
		}
		inst, def, err := o.loadInstance(ctx, job.WorkflowID)
		if err != nil {
			return err
		}
		return o.advanceCompensation(ctx, inst, def)
	}

	o.log.Error().
		Str("workflow_id", comp.WorkflowID).
		Str("step", comp.StepKey).
		Int("attempt", comp.Attempt).
		Str("message", message).
		Msg("compensation exhausted, manual intervention required")
	return nil
}
