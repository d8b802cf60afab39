package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/okonecny/stateflow/internal/taskqueue"
	"github.com/okonecny/stateflow/pkg/api"
)

// HandlePollResult absorbs the outcome of one polling iteration. The poll
// job itself always succeeds when a result arrives; what the result says
// decides whether the step completes, schedules another iteration, or
// aborts.
func (o *Orchestrator) HandlePollResult(ctx context.Context, jobUUID string, result api.PollResult) error {
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
			return nil
		}
		o.obs.OnJobFinished(ctx, job)

		inst, def, err := o.loadInstance(ctx, job.WorkflowID)
		if err != nil {
			return err
		}
		step, run, err := o.loadStep(ctx, def, job.StepRunID)
		if err != nil {
			return err
		}
		ps, ok := step.(api.PollingStep)
		if !ok {
			return fmt.Errorf("step %q is not a polling step", run.StepKey)
		}

		attempt, err := o.store.CountPollAttempts(ctx, run.ID)
		if err != nil {
			return err
		}
		attempt++
		rec, err := api.NewPollAttempt(run.ID, attempt, job.ID, result.Complete, result.Continue, result.NextInterval)
		if err != nil {
			return err
		}
		if err := o.store.AppendPollAttempt(ctx, rec); err != nil {
			return err
		}

		if run.Status.Terminal() || inst.Status != api.WorkflowRunning {
			return nil
		}

		switch {
		case result.Complete:
			if result.Output != nil {
				if err := o.store.SaveOutput(ctx, inst.ID, result.Output); err != nil {
					return err
				}
			}
			won, err := o.store.FinalizeStepRunSucceeded(ctx, run.ID)
			if err != nil || !won {
				return err
			}
			return o.stepSucceeded(ctx, inst, def, step, run)

		case result.Continue:
			startedAt := run.CreatedAt
			if run.StartedAt != nil {
				startedAt = *run.StartedAt
			}
			if ps.Poll.Exhausted(attempt, startedAt, time.Now()) {
				return o.pollExhausted(ctx, inst, def, step, ps, run, attempt)
			}
			interval := ps.Poll.IntervalForAttempt(attempt + 1)
			if result.NextInterval > 0 {
				interval = ps.Poll.CapInterval(result.NextInterval)
			}
			o.log.Debug().
				Str("workflow_id", inst.ID).
				Str("step", run.StepKey).
				Int("next_attempt", attempt+1).
				Dur("interval", interval).
				Msg("poll continues")
			return o.dispatchStepJob(ctx, inst, run, ps.Config(), taskqueue.TaskKindPoll,
				nil, attempt, time.Now().Add(interval))

		default:
			// Neither complete nor continue: the handler gave up.
			return o.finalizeStepFailed(ctx, inst, def, step, run, "POLL_ABORTED", "poll handler aborted")
		}
	})
}

// pollExhausted applies the timeout policy after the attempt or duration
// budget runs out.
func (o *Orchestrator) pollExhausted(ctx context.Context, inst *api.WorkflowInstance, def api.WorkflowDefinition, step api.StepDefinition, ps api.PollingStep, run *api.StepRun, attempts int) error {
	o.log.Warn().
		Str("workflow_id", inst.ID).
		Str("step", run.StepKey).
		Int("attempts", attempts).
		Str("policy", string(ps.Poll.TimeoutPolicy)).
		Msg("poll budget exhausted")

	if ps.Poll.TimeoutPolicy == api.PollTimeoutUseDefault {
		if ps.Poll.DefaultOutput != nil {
			if err := o.store.SaveOutput(ctx, inst.ID, ps.Poll.DefaultOutput); err != nil {
				return err
			}
		}
		won, err := o.store.FinalizeStepRunSucceeded(ctx, run.ID)
		if err != nil || !won {
			return err
		}
		return o.stepSucceeded(ctx, inst, def, step, run)
	}
	return o.finalizeStepFailed(ctx, inst, def, step, run, "POLL_TIMEOUT",
		fmt.Sprintf("polling gave up after %d attempts", attempts))
}
