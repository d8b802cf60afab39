package engine

import (
	"context"
	"time"
)

// SweepZombieJobs closes jobs that have been Running longer than olderThan.
// A zombie is a job whose worker died without reporting; closing it through
// the normal failure path lets the step's criteria and failure policy react.
// Returns the number of jobs closed.
func (o *Orchestrator) SweepZombieJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	jobs, err := o.store.FindZombieJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, job := range jobs {
		err := o.HandleJobFailed(ctx, job.JobUUID, "ZOMBIE",
			"job exceeded the running deadline without reporting", "")
		if err != nil {
			o.log.Error().Err(err).Str("job_uuid", job.JobUUID).Msg("zombie sweep failed for job")
			continue
		}
		closed++
	}
	if closed > 0 {
		o.log.Warn().Int("closed", closed).Msg("zombie jobs swept")
	}
	return closed, nil
}

// SweepStaleDispatchedJobs closes jobs that were dispatched but never picked
// up within olderThan. The queue is transport only; a lost task leaves the
// ledger record Dispatched forever unless this sweep closes it.
func (o *Orchestrator) SweepStaleDispatchedJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	jobs, err := o.store.FindStaleDispatchedJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, job := range jobs {
		err := o.HandleJobFailed(ctx, job.JobUUID, "STALE_DISPATCH",
			"job was dispatched but never picked up", "")
		if err != nil {
			o.log.Error().Err(err).Str("job_uuid", job.JobUUID).Msg("stale dispatch sweep failed for job")
			continue
		}
		closed++
	}
	if closed > 0 {
		o.log.Warn().Int("closed", closed).Msg("stale dispatched jobs swept")
	}
	return closed, nil
}

// SweepExpiredLocks clears store-level workflow locks whose holder went
// quiet for longer than the stale-after window, so other orchestrators can
// take over the instance.
func (o *Orchestrator) SweepExpiredLocks(ctx context.Context) (int, error) {
	ids, err := o.store.FindWorkflowsWithExpiredLocks(ctx, o.opts.LockStaleAfter)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, id := range ids {
		ok, err := o.store.ClearExpiredWorkflowLock(ctx, id, o.opts.LockStaleAfter)
		if err != nil {
			o.log.Error().Err(err).Str("workflow_id", id).Msg("expired lock sweep failed for workflow")
			continue
		}
		if ok {
			cleared++
		}
	}
	if cleared > 0 {
		o.log.Warn().Int("cleared", cleared).Msg("expired workflow locks cleared")
	}
	return cleared, nil
}
