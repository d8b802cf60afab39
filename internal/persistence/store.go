package persistence

import (
	"context"
	"time"

	"github.com/okonecny/stateflow/pkg/api"
)

// WorkflowFilter selects workflow instances from the store.
// Empty string / zero status mean "no filter" for that field.
type WorkflowFilter struct {
	DefinitionKey string
	Status        api.WorkflowStatus
}

// WorkflowRepository handles storage of workflow instances, including the
// conditional operations the orchestrator's concurrency control depends on.
//
// The boolean-returning methods are compare-and-swap style: false with a nil
// error means the guard did not hold (someone else won the race), which is an
// expected outcome, not a failure.
type WorkflowRepository interface {
	SaveWorkflow(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateWorkflow(ctx context.Context, inst *api.WorkflowInstance) error
	FindWorkflow(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.WorkflowInstance, error)

	// DeleteWorkflow removes the instance and everything scoped to it:
	// step runs, jobs, outputs, compensation runs and audit records.
	DeleteWorkflow(ctx context.Context, id string) error

	// UpdateWorkflowStatusAtomically moves the instance from `from` to `to`
	// only if it is still in `from`.
	UpdateWorkflowStatusAtomically(ctx context.Context, id string, from, to api.WorkflowStatus) (bool, error)

	// AcquireWorkflowLock takes the advisory lock for owner. Succeeds when
	// the lock is free, already held by the same owner (re-entrant,
	// refreshing the timestamp), or held but older than staleAfter.
	AcquireWorkflowLock(ctx context.Context, id, owner string, staleAfter time.Duration) (bool, error)

	// ReleaseWorkflowLock drops the lock if owner still holds it.
	ReleaseWorkflowLock(ctx context.Context, id, owner string) (bool, error)

	// ClearExpiredWorkflowLock drops the lock regardless of owner, but only
	// if it is older than staleAfter.
	ClearExpiredWorkflowLock(ctx context.Context, id string, staleAfter time.Duration) (bool, error)

	// FindWorkflowsWithExpiredLocks returns the IDs of instances whose lock
	// is held and older than staleAfter.
	FindWorkflowsWithExpiredLocks(ctx context.Context, staleAfter time.Duration) ([]string, error)
}

// StepRunRepository handles storage of step runs. The finalize and increment
// operations are the single atomic write each: concurrent job reporters go
// through them instead of read-modify-write cycles.
type StepRunRepository interface {
	SaveStepRun(ctx context.Context, run *api.StepRun) error
	UpdateStepRun(ctx context.Context, run *api.StepRun) error
	FindStepRun(ctx context.Context, id string) (*api.StepRun, error)

	// FindLatestStepRun returns the run with the highest attempt for the
	// given step, or api.ErrStepRunNotFound.
	FindLatestStepRun(ctx context.Context, workflowID, stepKey string) (*api.StepRun, error)
	ListStepRuns(ctx context.Context, workflowID string) ([]*api.StepRun, error)

	// ListStepRunAttempts returns every run of one step, ordered by attempt
	// ascending. Empty when the step never ran.
	ListStepRunAttempts(ctx context.Context, workflowID, stepKey string) ([]*api.StepRun, error)

	// FinalizeStepRunSucceeded moves the run from Running to Succeeded.
	// Exactly one of any number of concurrent callers gets true.
	FinalizeStepRunSucceeded(ctx context.Context, id string) (bool, error)

	// FinalizeStepRunFailed moves the run from Running to Failed, recording
	// failure code and message. Same exactly-one-winner contract.
	FinalizeStepRunFailed(ctx context.Context, id, code, message string) (bool, error)

	// IncrementStepRunJobSuccess adds one completed job and returns the
	// updated run.
	IncrementStepRunJobSuccess(ctx context.Context, id string) (*api.StepRun, error)

	// IncrementStepRunJobFailure adds one completed and one failed job and
	// returns the updated run.
	IncrementStepRunJobFailure(ctx context.Context, id string) (*api.StepRun, error)
}

// JobRepository handles storage of the job ledger. SaveJob enforces JobUUID
// uniqueness; dispatchers check FindJobByUUID first, so a uniqueness error
// only surfaces when two dispatchers race on the same UUID.
type JobRepository interface {
	SaveJob(ctx context.Context, job *api.JobRecord) error
	UpdateJob(ctx context.Context, job *api.JobRecord) error

	// UpdateJobAtomically writes the record only while the stored row is
	// still in `from`. False with a nil error means another writer moved
	// the job first; the caller's report is stale and must be dropped.
	UpdateJobAtomically(ctx context.Context, job *api.JobRecord, from api.JobStatus) (bool, error)

	FindJob(ctx context.Context, id string) (*api.JobRecord, error)
	FindJobByUUID(ctx context.Context, jobUUID string) (*api.JobRecord, error)
	ListJobsForStepRun(ctx context.Context, stepRunID string) ([]*api.JobRecord, error)

	// FindZombieJobs returns Running jobs that started before the cutoff.
	FindZombieJobs(ctx context.Context, startedBefore time.Time) ([]*api.JobRecord, error)

	// FindStaleDispatchedJobs returns Dispatched jobs never picked up
	// before the cutoff.
	FindStaleDispatchedJobs(ctx context.Context, dispatchedBefore time.Time) ([]*api.JobRecord, error)
}

// OutputRepository handles storage of step outputs, keyed per workflow by
// output type.
type OutputRepository interface {
	// SaveOutput stores the output, replacing any previous value of the
	// same type. For concurrent writers use MergeOutput.
	SaveOutput(ctx context.Context, workflowID string, out api.StepOutput) error

	// MergeOutput merges the output into the stored value of the same type
	// under an exclusive lock: read, Merge, write as one atomic unit. When
	// no value exists yet, or the stored value is not mergeable, the new
	// output is stored as-is.
	MergeOutput(ctx context.Context, workflowID string, out api.StepOutput) error

	// FindOutput returns the stored output or api.ErrOutputNotFound.
	FindOutput(ctx context.Context, workflowID string, typ api.OutputType) (api.StepOutput, error)

	// Outputs returns a point-in-time read view of all outputs.
	Outputs(ctx context.Context, workflowID string) (api.OutputReader, error)
}

// CompensationRepository handles storage of saga compensation runs.
type CompensationRepository interface {
	SaveCompensationRun(ctx context.Context, run *api.CompensationRun) error
	UpdateCompensationRun(ctx context.Context, run *api.CompensationRun) error
	FindCompensationRun(ctx context.Context, id string) (*api.CompensationRun, error)

	// ListCompensationRuns returns the workflow's runs ordered by
	// ExecutionOrder ascending.
	ListCompensationRuns(ctx context.Context, workflowID string) ([]*api.CompensationRun, error)

	// FindNextPendingCompensation returns the Pending run with the lowest
	// ExecutionOrder, or api.ErrCompensationNotFound when none remain.
	FindNextPendingCompensation(ctx context.Context, workflowID string) (*api.CompensationRun, error)

	// AllCompensationsTerminal reports whether every run of the workflow is
	// in a terminal state. Vacuously true with no runs.
	AllCompensationsTerminal(ctx context.Context, workflowID string) (bool, error)

	// AllCompensationsSucceeded reports whether every run finished without
	// failure (Succeeded or Skipped). Vacuously true with no runs.
	AllCompensationsSucceeded(ctx context.Context, workflowID string) (bool, error)

	// AnyCompensationFailed reports whether at least one run is Failed.
	AnyCompensationFailed(ctx context.Context, workflowID string) (bool, error)
}

// RecordRepository handles the append-only audit records: branch decisions,
// manual failure resolutions, trigger payloads and poll attempts.
type RecordRepository interface {
	AppendBranchDecision(ctx context.Context, rec *api.BranchDecisionRecord) error
	ListBranchDecisions(ctx context.Context, workflowID string) ([]*api.BranchDecisionRecord, error)

	AppendResolutionDecision(ctx context.Context, rec *api.ResolutionDecisionRecord) error
	ListResolutionDecisions(ctx context.Context, workflowID string) ([]*api.ResolutionDecisionRecord, error)

	AppendTriggerPayload(ctx context.Context, rec *api.TriggerPayloadRecord) error
	ListTriggerPayloads(ctx context.Context, workflowID string) ([]*api.TriggerPayloadRecord, error)

	AppendPollAttempt(ctx context.Context, rec *api.PollAttempt) error
	CountPollAttempts(ctx context.Context, stepRunID string) (int, error)
	ListPollAttempts(ctx context.Context, stepRunID string) ([]*api.PollAttempt, error)
}

// Store is the full persistence surface the orchestrator runs against.
type Store interface {
	WorkflowRepository
	StepRunRepository
	JobRepository
	OutputRepository
	CompensationRepository
	RecordRepository
}
