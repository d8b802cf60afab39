package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/okonecny/stateflow/internal/taskqueue"
	"github.com/okonecny/stateflow/pkg/api"
)

// decidedBranchKeys returns the union of all branch selections recorded for
// the instance.
func (o *Orchestrator) decidedBranchKeys(ctx context.Context, workflowID string) (map[api.BranchKey]bool, error) {
	decisions, err := o.store.ListBranchDecisions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	decided := make(map[api.BranchKey]bool)
	for _, d := range decisions {
		for _, k := range d.Branches {
			decided[k] = true
		}
	}
	return decided, nil
}

// firstEligibleStep scans forward from fromIdx for the next step that should
// run: branch-tagged steps need a matching decision, conditional steps need
// their condition to hold.
func (o *Orchestrator) firstEligibleStep(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition, fromIdx int) (api.StepDefinition, bool, error) {
	var decided map[api.BranchKey]bool
	var outputs api.OutputReader

	for i := fromIdx; i < len(def.Steps); i++ {
		step := def.Steps[i]
		cfg := step.Config()

		if cfg.BranchKey != "" {
			if decided == nil {
				var err error
				decided, err = o.decidedBranchKeys(ctx, inst.ID)
				if err != nil {
					return nil, false, err
				}
			}
			if !decided[cfg.BranchKey] {
				continue
			}
		}

		if cfg.Condition != nil {
			if outputs == nil {
				var err error
				outputs, err = o.store.Outputs(ctx, inst.ID)
				if err != nil {
					return nil, false, err
				}
			}
			run, err := cfg.Condition.Evaluate(outputs)
			if err != nil {
				return nil, false, err
			}
			if !run {
				o.log.Debug().
					Str("workflow_id", inst.ID).
					Str("step", cfg.Key).
					Msg("step skipped by condition")
				continue
			}
		}

		return step, true, nil
	}
	return nil, false, nil
}

// beginStep creates and starts a step run for the given attempt, sizes it,
// and dispatches its jobs. Retried attempts are delayed per the step's retry
// configuration.
func (o *Orchestrator) beginStep(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition, step api.StepDefinition, attempt int) error {
	cfg := step.Config()

	if inst.CurrentStepKey != cfg.Key {
		inst.CurrentStepKey = cfg.Key
		if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
			return err
		}
	}

	run := api.NewStepRun(inst.ID, cfg.Key, attempt)
	if err := run.Start(); err != nil {
		return err
	}

	outputs, err := o.store.Outputs(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, required := range cfg.Requires {
		if !outputs.Has(required) {
			if err := o.store.SaveStepRun(ctx, run); err != nil {
				return err
			}
			missing := &api.MissingRequiredOutputError{StepKey: cfg.Key, Output: required}
			return o.finalizeStepFailed(ctx, inst, def, step, run, "MISSING_REQUIRED_OUTPUT", missing.Error())
		}
	}

	var items []any
	taskKind := taskqueue.TaskKindJob
	switch s := step.(type) {
	case api.FanOutStep:
		items, err = s.Items(outputs)
		if err != nil {
			return err
		}
		run.TotalJobCount = len(items)
	case api.PollingStep:
		taskKind = taskqueue.TaskKindPoll
	default:
		run.TotalJobCount = 1
	}

	if err := o.store.SaveStepRun(ctx, run); err != nil {
		return err
	}
	o.obs.OnStepStart(ctx, inst, run)
	o.log.Info().
		Str("workflow_id", inst.ID).
		Str("step", cfg.Key).
		Int("attempt", attempt).
		Int("total_jobs", run.TotalJobCount).
		Msg("step started")

	// A fan-out over zero items has nothing to wait for: every criteria
	// treats it as satisfied.
	if _, ok := step.(api.FanOutStep); ok && len(items) == 0 {
		won, err := o.store.FinalizeStepRunSucceeded(ctx, run.ID)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		return o.stepSucceeded(ctx, inst, def, step, run)
	}

	var notBefore time.Time
	if attempt > 1 {
		if delay := cfg.Retry.DelayForAttempt(attempt); delay > 0 {
			notBefore = time.Now().Add(delay)
		}
	}

	switch s := step.(type) {
	case api.FanOutStep:
		limit := s.ParallelismLimit
		if limit <= 0 || limit > len(items) {
			limit = len(items)
		}
		for slot := 0; slot < limit; slot++ {
			if err := o.dispatchStepJob(ctx, inst, run, cfg, taskKind, items[slot], slot, notBefore); err != nil {
				return err
			}
		}
	default:
		if err := o.dispatchStepJob(ctx, inst, run, cfg, taskKind, nil, 0, notBefore); err != nil {
			return err
		}
	}
	return nil
}

// dispatchStepJob creates the ledger record for one job slot and enqueues
// its task. The job UUID is derived deterministically from (step run, slot),
// so a redelivered dispatch finds the existing record and stops.
func (o *Orchestrator) dispatchStepJob(ctx context.Context, inst *api.WorkflowInstance, run *api.StepRun, cfg api.StepConfig, kind taskqueue.TaskKind, item any, slot int, notBefore time.Time) error {
	jobUUID := api.DeterministicJobUUID(run.ID, strconv.Itoa(slot))

	if _, err := o.store.FindJobByUUID(ctx, jobUUID); err == nil {
		// Already dispatched.
		return nil
	} else if !errors.Is(err, api.ErrJobNotFound) {
		return err
	}

	job := api.NewJobRecord(jobUUID, inst.ID, run.ID, cfg.JobClass, cfg.Queue, run.Attempt)
	if err := o.store.SaveJob(ctx, job); err != nil {
		if errors.Is(err, api.ErrJobAlreadyExists) {
			return nil
		}
		return err
	}

	task := taskqueue.Task{
		Kind:       kind,
		JobUUID:    jobUUID,
		WorkflowID: inst.ID,
		StepRunID:  run.ID,
		JobClass:   cfg.JobClass,
		Queue:      cfg.Queue,
		Item:       item,
		Attempt:    run.Attempt,
		NotBefore:  notBefore,
	}
	if err := o.queue.Enqueue(ctx, task); err != nil {
		return err
	}
	o.log.Debug().
		Str("workflow_id", inst.ID).
		Str("step_run_id", run.ID).
		Str("job_uuid", jobUUID).
		Int("slot", slot).
		Msg("job dispatched")
	return nil
}

// HandleJobStarted records that a worker picked up a job. Duplicate or
// late reports are ignored. The write is guarded on the job still being
// Dispatched: a sweep that closed the job between the read and the write
// must not see it resurrected to Running.
func (o *Orchestrator) HandleJobStarted(ctx context.Context, jobUUID, workerID string) error {
	job, err := o.store.FindJobByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}
	if job.Status != api.JobDispatched {
		return nil
	}
	if err := job.Start(workerID); err != nil {
		return err
	}
	_, err = o.store.UpdateJobAtomically(ctx, job, api.JobDispatched)
	return err
}

// HandleJobSucceeded absorbs a success report: the job record is finalized,
// the output stored (merged, for fan-out jobs), the step run counters
// advanced, and the step finalized when its completion criteria settle.
//
// Reports arriving after the instance reached a terminal state are recorded
// in the ledger but never advance the workflow.
func (o *Orchestrator) HandleJobSucceeded(ctx context.Context, jobUUID string, output api.StepOutput) error {
	job, err := o.store.FindJobByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}
	return o.withLock(ctx, job.WorkflowID, func(ctx context.Context) error {
		job, err := o.store.FindJobByUUID(ctx, jobUUID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		from := job.Status
		if job.Status == api.JobDispatched {
			// Success report raced ahead of the started report.
			if err := job.Start(""); err != nil {
				return err
			}
		}
		if err := job.Succeed(); err != nil {
			return err
		}
		won, err := o.store.UpdateJobAtomically(ctx, job, from)
		if err != nil {
			return err
		}
		if !won {
			// A concurrent closer moved the job first; its report owns
			// the follow-up.
			return nil
		}
		o.obs.OnJobFinished(ctx, job)

		if job.CompensationRunID != "" {
			return o.compensationJobSucceeded(ctx, job)
		}

		inst, def, err := o.loadInstance(ctx, job.WorkflowID)
		if err != nil {
			return err
		}
		step, run, err := o.loadStep(ctx, def, job.StepRunID)
		if err != nil {
			return err
		}

		if output != nil {
			if _, isFanOut := step.(api.FanOutStep); isFanOut {
				err = o.store.MergeOutput(ctx, inst.ID, output)
			} else {
				err = o.store.SaveOutput(ctx, inst.ID, output)
			}
			if err != nil {
				return err
			}
		}

		run, err = o.store.IncrementStepRunJobSuccess(ctx, run.ID)
		if err != nil {
			return err
		}

		if inst.Status != api.WorkflowRunning {
			// Terminal or paused instance: the ledger keeps the report,
			// progression stops here.
			return nil
		}
		if err := o.dispatchNextFanOutSlot(ctx, inst, step, run); err != nil {
			return err
		}
		return o.maybeFinalizeStep(ctx, inst, def, step, run)
	})
}

// HandleJobFailed absorbs a failure report. The failure is recorded as data
// on the job; whether it fails the step (and what that does to the
// workflow) is decided by the step's criteria and failure policy.
func (o *Orchestrator) HandleJobFailed(ctx context.Context, jobUUID, failureClass, failureMessage, failureTrace string) error {
	job, err := o.store.FindJobByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}
	return o.withLock(ctx, job.WorkflowID, func(ctx context.Context) error {
		job, err := o.store.FindJobByUUID(ctx, jobUUID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		from := job.Status
		if err := job.Fail(failureClass, failureMessage, failureTrace); err != nil {
			return err
		}
		won, err := o.store.UpdateJobAtomically(ctx, job, from)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		o.obs.OnJobFinished(ctx, job)

		if job.CompensationRunID != "" {
			return o.compensationJobFailed(ctx, job, failureMessage)
		}

		inst, def, err := o.loadInstance(ctx, job.WorkflowID)
		if err != nil {
			return err
		}
		step, run, err := o.loadStep(ctx, def, job.StepRunID)
		if err != nil {
			return err
		}

		run, err = o.store.IncrementStepRunJobFailure(ctx, run.ID)
		if err != nil {
			return err
		}

		if inst.Status != api.WorkflowRunning {
			return nil
		}
		if err := o.dispatchNextFanOutSlot(ctx, inst, step, run); err != nil {
			return err
		}
		return o.maybeFinalizeStep(ctx, inst, def, step, run)
	})
}

func (o *Orchestrator) loadStep(ctx context.Context, def api.WorkflowDefinition, stepRunID string) (api.StepDefinition, *api.StepRun, error) {
	run, err := o.store.FindStepRun(ctx, stepRunID)
	if err != nil {
		return nil, nil, err
	}
	step, ok := def.StepByKey(run.StepKey)
	if !ok {
		return nil, nil, fmt.Errorf("step %q not in definition %s@%s", run.StepKey, def.Key, def.Version)
	}
	return step, run, nil
}

// dispatchNextFanOutSlot keeps a parallelism-limited fan-out saturated:
// when a slot finishes and undispatched items remain, the next one goes out.
//
// The item iterator must be deterministic over the outputs the step started
// with; it is re-evaluated here to avoid persisting the item list.
func (o *Orchestrator) dispatchNextFanOutSlot(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, run *api.StepRun) error {
	fo, ok := step.(api.FanOutStep)
	if !ok || fo.ParallelismLimit <= 0 || run.Status.Terminal() {
		return nil
	}

	dispatched, err := o.store.ListJobsForStepRun(ctx, run.ID)
	if err != nil {
		return err
	}
	next := len(dispatched)
	if next >= run.TotalJobCount {
		return nil
	}

	outputs, err := o.store.Outputs(ctx, inst.ID)
	if err != nil {
		return err
	}
	items, err := fo.Items(outputs)
	if err != nil {
		return err
	}
	if next >= len(items) {
		return nil
	}
	return o.dispatchStepJob(ctx, inst, run, fo.Config(), taskqueue.TaskKindJob, items[next], next, time.Time{})
}

// maybeFinalizeStep evaluates whether the step run has settled and, when it
// has, races the conditional finalize. Exactly one reporter wins and drives
// the follow-up (advance or failure policy); losers return quietly.
func (o *Orchestrator) maybeFinalizeStep(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition, step api.StepDefinition, run *api.StepRun) error {
	if run.Status.Terminal() {
		return nil
	}

	switch s := step.(type) {
	case api.PollingStep:
		// Polling steps finalize through HandlePollResult; a failed poll
		// job is an aborted poll.
		if run.FailedJobCount > 0 {
			return o.finalizeStepFailed(ctx, inst, def, step, run, "POLL_JOB_FAILED", "poll job reported failure")
		}
		return nil

	case api.FanOutStep:
		total := run.TotalJobCount
		succeeded := run.SucceededJobCount()
		remaining := total - run.CompletedJobCount

		// Even if every outstanding job succeeds, can the criteria still
		// hold? If not there is no point waiting.
		if remaining > 0 {
			if !s.Criteria.Evaluate(succeeded+remaining, total) {
				return o.finalizeStepFailed(ctx, inst, def, step, run, "CRITERIA_UNREACHABLE",
					fmt.Sprintf("%d of %d jobs failed, completion criteria can no longer be met", run.FailedJobCount, total))
			}
			return nil
		}
		if s.Criteria.Evaluate(succeeded, total) {
			won, err := o.store.FinalizeStepRunSucceeded(ctx, run.ID)
			if err != nil || !won {
				return err
			}
			return o.stepSucceeded(ctx, inst, def, step, run)
		}
		return o.finalizeStepFailed(ctx, inst, def, step, run, "CRITERIA_NOT_MET",
			fmt.Sprintf("%d of %d jobs succeeded", succeeded, total))

	default:
		if run.CompletedJobCount < run.TotalJobCount {
			return nil
		}
		if run.FailedJobCount > 0 {
			return o.finalizeStepFailed(ctx, inst, def, step, run, "JOB_FAILED", "step job reported failure")
		}
		won, err := o.store.FinalizeStepRunSucceeded(ctx, run.ID)
		if err != nil || !won {
			return err
		}
		return o.stepSucceeded(ctx, inst, def, step, run)
	}
}

// finalizeStepFailed races the conditional failed-finalize; the winner
// applies the step's failure policy.
func (o *Orchestrator) finalizeStepFailed(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition, step api.StepDefinition, run *api.StepRun, code, message string) error {
	won, err := o.store.FinalizeStepRunFailed(ctx, run.ID, code, message)
	if err != nil || !won {
		return err
	}
	run, err = o.store.FindStepRun(ctx, run.ID)
	if err != nil {
		return err
	}
	o.obs.OnStepFinalized(ctx, inst, run, errors.New(message), run.Duration())
	o.log.Warn().
		Str("workflow_id", inst.ID).
		Str("step", run.StepKey).
		Str("code", code).
		Str("message", message).
		Msg("step failed")
	return o.applyFailurePolicy(ctx, inst, def, step, run)
}

// stepSucceeded runs the winner-side follow-up of a successful finalize:
// branch decision, termination check, then advancing to the next step.
func (o *Orchestrator) stepSucceeded(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition, step api.StepDefinition, run *api.StepRun) error {
	run, err := o.store.FindStepRun(ctx, run.ID)
	if err != nil {
		return err
	}
	o.obs.OnStepFinalized(ctx, inst, run, nil, run.Duration())
	o.log.Info().
		Str("workflow_id", inst.ID).
		Str("step", run.StepKey).
		Int("attempt", run.Attempt).
		Msg("step succeeded")

	cfg := step.Config()
	if cfg.Branch != nil {
		outputs, err := o.store.Outputs(ctx, inst.ID)
		if err != nil {
			return err
		}
		branches, err := cfg.Branch.Evaluate(outputs)
		if err != nil {
			return err
		}
		rec := api.NewBranchDecisionRecord(inst.ID, cfg.Key, branches)
		if err := o.store.AppendBranchDecision(ctx, rec); err != nil {
			return err
		}
		o.log.Info().
			Str("workflow_id", inst.ID).
			Str("step", cfg.Key).
			Interface("branches", branches).
			Msg("branch decided")
	}

	return o.advance(ctx, inst, def, cfg.Key)
}

// advance moves the workflow past fromKey: evaluates the termination
// condition, then begins the next eligible step or succeeds the workflow.
func (o *Orchestrator) advance(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition, fromKey string) error {
	if def.Termination != nil {
		outputs, err := o.store.Outputs(ctx, inst.ID)
		if err != nil {
			return err
		}
		decision, err := def.Termination.Evaluate(outputs)
		if err != nil {
			return err
		}
		if decision.Terminate {
			if decision.Failure {
				return o.failWorkflow(ctx, inst, def, "TERMINATED", decision.Reason)
			}
			return o.succeedWorkflow(ctx, inst)
		}
	}

	idx := def.StepIndex(fromKey)
	if idx < 0 {
		return fmt.Errorf("step %q not in definition %s@%s", fromKey, def.Key, def.Version)
	}
	next, ok, err := o.firstEligibleStep(ctx, inst, def, idx+1)
	if err != nil {
		return err
	}
	if !ok {
		return o.succeedWorkflow(ctx, inst)
	}
	return o.beginStep(ctx, inst, def, next, 1)
}

// applyFailurePolicy translates a failed step run into its configured
// workflow-level consequence. An empty policy fails the workflow.
func (o *Orchestrator) applyFailurePolicy(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition, step api.StepDefinition, run *api.StepRun) error {
	cfg := step.Config()
	policy := cfg.OnFailure
	if policy == "" {
		policy = api.FailWorkflow
	}

	switch policy {
	case api.RetryStep:
		if cfg.Retry.AttemptsRemaining(run.Attempt) {
			o.log.Info().
				Str("workflow_id", inst.ID).
				Str("step", cfg.Key).
				Int("next_attempt", run.Attempt+1).
				Msg("retrying step")
			return o.beginStep(ctx, inst, def, step, run.Attempt+1)
		}
		return o.failWorkflow(ctx, inst, def, run.FailureCode, run.FailureMessage)

	case api.PauseForResolution:
		reason := fmt.Sprintf("step %s failed: %s", cfg.Key, run.FailureMessage)
		if err := inst.Pause(reason); err != nil {
			return err
		}
		if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
			return err
		}
		o.log.Warn().Str("workflow_id", inst.ID).Str("step", cfg.Key).Msg("workflow paused for resolution")
		return nil

	case api.SkipStep:
		o.log.Warn().Str("workflow_id", inst.ID).Str("step", cfg.Key).Msg("step skipped after failure")
		return o.advance(ctx, inst, def, cfg.Key)

	case api.AcceptPartialSuccess:
		o.log.Warn().
			Str("workflow_id", inst.ID).
			Str("step", cfg.Key).
			Int("succeeded", run.SucceededJobCount()).
			Int("total", run.TotalJobCount).
			Msg("partial success accepted")
		return o.advance(ctx, inst, def, cfg.Key)

	default:
		return o.failWorkflow(ctx, inst, def, run.FailureCode, run.FailureMessage)
	}
}

// failWorkflow fails the instance and kicks off saga compensation for the
// steps that already succeeded.
func (o *Orchestrator) failWorkflow(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition, code, message string) error {
	if err := inst.Fail(code, message); err != nil {
		return err
	}
	if err := o.store.UpdateWorkflow(ctx, inst); err != nil {
		return err
	}
	o.obs.OnWorkflowFailed(ctx, inst, errors.New(message))
	o.log.Error().
		Str("workflow_id", inst.ID).
		Str("code", code).
		Str("message", message).
		Msg("workflow failed")
	return o.startCompensation(ctx, inst, def)
}
