package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/okonecny/stateflow/pkg/api"
)

// MemoryStore is a goroutine-safe Store backed by maps. Entities are copied
// on the way in and out, so the conditional operations have the same
// semantics as the SQL stores: callers never share mutable state with the
// store.
type MemoryStore struct {
	mu sync.RWMutex

	workflows     map[string]*api.WorkflowInstance
	stepRuns      map[string]*api.StepRun
	jobs          map[string]*api.JobRecord
	jobsByUUID    map[string]string
	outputs       map[string]map[api.OutputType]api.StepOutput
	compensations map[string]*api.CompensationRun

	branchDecisions     map[string][]*api.BranchDecisionRecord
	resolutionDecisions map[string][]*api.ResolutionDecisionRecord
	triggerPayloads     map[string][]*api.TriggerPayloadRecord
	pollAttempts        map[string][]*api.PollAttempt
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:           make(map[string]*api.WorkflowInstance),
		stepRuns:            make(map[string]*api.StepRun),
		jobs:                make(map[string]*api.JobRecord),
		jobsByUUID:          make(map[string]string),
		outputs:             make(map[string]map[api.OutputType]api.StepOutput),
		compensations:       make(map[string]*api.CompensationRun),
		branchDecisions:     make(map[string][]*api.BranchDecisionRecord),
		resolutionDecisions: make(map[string][]*api.ResolutionDecisionRecord),
		triggerPayloads:     make(map[string][]*api.TriggerPayloadRecord),
		pollAttempts:        make(map[string][]*api.PollAttempt),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneWorkflow(w *api.WorkflowInstance) *api.WorkflowInstance {
	c := *w
	c.PausedAt = copyTime(w.PausedAt)
	c.FailedAt = copyTime(w.FailedAt)
	c.SucceededAt = copyTime(w.SucceededAt)
	c.CancelledAt = copyTime(w.CancelledAt)
	c.LockedAt = copyTime(w.LockedAt)
	return &c
}

func cloneStepRun(r *api.StepRun) *api.StepRun {
	c := *r
	c.StartedAt = copyTime(r.StartedAt)
	c.FinishedAt = copyTime(r.FinishedAt)
	return &c
}

func cloneJob(j *api.JobRecord) *api.JobRecord {
	c := *j
	c.StartedAt = copyTime(j.StartedAt)
	c.FinishedAt = copyTime(j.FinishedAt)
	return &c
}

func cloneCompensation(r *api.CompensationRun) *api.CompensationRun {
	c := *r
	c.StartedAt = copyTime(r.StartedAt)
	c.FinishedAt = copyTime(r.FinishedAt)
	return &c
}

// --- WorkflowRepository ---

func (s *MemoryStore) SaveWorkflow(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[inst.ID] = cloneWorkflow(inst)
	return nil
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[inst.ID]; !ok {
		return api.ErrWorkflowNotFound
	}
	s.workflows[inst.ID] = cloneWorkflow(inst)
	return nil
}

func (s *MemoryStore) FindWorkflow(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.workflows[id]
	if !ok {
		return nil, api.ErrWorkflowNotFound
	}
	return cloneWorkflow(inst), nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.workflows {
		if filter.DefinitionKey != "" && inst.DefinitionKey != filter.DefinitionKey {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		result = append(result, cloneWorkflow(inst))
	}
	return result, nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return api.ErrWorkflowNotFound
	}
	delete(s.workflows, id)

	for runID, run := range s.stepRuns {
		if run.WorkflowID == id {
			delete(s.stepRuns, runID)
			delete(s.pollAttempts, runID)
		}
	}
	for jobID, job := range s.jobs {
		if job.WorkflowID == id {
			delete(s.jobs, jobID)
			delete(s.jobsByUUID, job.JobUUID)
		}
	}
	for compID, comp := range s.compensations {
		if comp.WorkflowID == id {
			delete(s.compensations, compID)
		}
	}
	delete(s.outputs, id)
	delete(s.branchDecisions, id)
	delete(s.resolutionDecisions, id)
	delete(s.triggerPayloads, id)
	return nil
}

func (s *MemoryStore) UpdateWorkflowStatusAtomically(ctx context.Context, id string, from, to api.WorkflowStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.workflows[id]
	if !ok {
		return false, api.ErrWorkflowNotFound
	}
	if inst.Status != from {
		return false, nil
	}
	inst.Status = to
	inst.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) AcquireWorkflowLock(ctx context.Context, id, owner string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.workflows[id]
	if !ok {
		return false, api.ErrWorkflowNotFound
	}
	now := time.Now()
	free := inst.LockOwner == ""
	mine := inst.LockOwner == owner
	stale := inst.LockedAt != nil && now.Sub(*inst.LockedAt) > staleAfter
	if !free && !mine && !stale {
		return false, nil
	}
	inst.LockOwner = owner
	inst.LockedAt = &now
	return true, nil
}

func (s *MemoryStore) ReleaseWorkflowLock(ctx context.Context, id, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.workflows[id]
	if !ok {
		return false, api.ErrWorkflowNotFound
	}
	if inst.LockOwner != owner || owner == "" {
		return false, nil
	}
	inst.LockOwner = ""
	inst.LockedAt = nil
	return true, nil
}

func (s *MemoryStore) ClearExpiredWorkflowLock(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.workflows[id]
	if !ok {
		return false, api.ErrWorkflowNotFound
	}
	if inst.LockOwner == "" || inst.LockedAt == nil {
		return false, nil
	}
	if time.Since(*inst.LockedAt) <= staleAfter {
		return false, nil
	}
	inst.LockOwner = ""
	inst.LockedAt = nil
	return true, nil
}

func (s *MemoryStore) FindWorkflowsWithExpiredLocks(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var ids []string
	for _, inst := range s.workflows {
		if inst.LockOwner != "" && inst.LockedAt != nil && now.Sub(*inst.LockedAt) > staleAfter {
			ids = append(ids, inst.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- StepRunRepository ---

func (s *MemoryStore) SaveStepRun(ctx context.Context, run *api.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stepRuns[run.ID] = cloneStepRun(run)
	return nil
}

func (s *MemoryStore) UpdateStepRun(ctx context.Context, run *api.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stepRuns[run.ID]; !ok {
		return api.ErrStepRunNotFound
	}
	s.stepRuns[run.ID] = cloneStepRun(run)
	return nil
}

func (s *MemoryStore) FindStepRun(ctx context.Context, id string) (*api.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.stepRuns[id]
	if !ok {
		return nil, api.ErrStepRunNotFound
	}
	return cloneStepRun(run), nil
}

func (s *MemoryStore) FindLatestStepRun(ctx context.Context, workflowID, stepKey string) (*api.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *api.StepRun
	for _, run := range s.stepRuns {
		if run.WorkflowID != workflowID || run.StepKey != stepKey {
			continue
		}
		if latest == nil || run.Attempt > latest.Attempt {
			latest = run
		}
	}
	if latest == nil {
		return nil, api.ErrStepRunNotFound
	}
	return cloneStepRun(latest), nil
}

func (s *MemoryStore) ListStepRuns(ctx context.Context, workflowID string) ([]*api.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.StepRun
	for _, run := range s.stepRuns {
		if run.WorkflowID == workflowID {
			result = append(result, cloneStepRun(run))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListStepRunAttempts(ctx context.Context, workflowID, stepKey string) ([]*api.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.StepRun
	for _, run := range s.stepRuns {
		if run.WorkflowID == workflowID && run.StepKey == stepKey {
			result = append(result, cloneStepRun(run))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Attempt < result[j].Attempt
	})
	return result, nil
}

func (s *MemoryStore) FinalizeStepRunSucceeded(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.stepRuns[id]
	if !ok {
		return false, api.ErrStepRunNotFound
	}
	if run.Status != api.StepRunning {
		return false, nil
	}
	now := time.Now()
	run.Status = api.StepSucceeded
	run.FinishedAt = &now
	run.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) FinalizeStepRunFailed(ctx context.Context, id, code, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.stepRuns[id]
	if !ok {
		return false, api.ErrStepRunNotFound
	}
	if run.Status != api.StepRunning {
		return false, nil
	}
	now := time.Now()
	run.Status = api.StepFailed
	run.FinishedAt = &now
	run.FailureCode = code
	run.FailureMessage = message
	run.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) IncrementStepRunJobSuccess(ctx context.Context, id string) (*api.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.stepRuns[id]
	if !ok {
		return nil, api.ErrStepRunNotFound
	}
	run.CompletedJobCount++
	run.UpdatedAt = time.Now()
	return cloneStepRun(run), nil
}

func (s *MemoryStore) IncrementStepRunJobFailure(ctx context.Context, id string) (*api.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.stepRuns[id]
	if !ok {
		return nil, api.ErrStepRunNotFound
	}
	run.CompletedJobCount++
	run.FailedJobCount++
	run.UpdatedAt = time.Now()
	return cloneStepRun(run), nil
}

// --- JobRepository ---

func (s *MemoryStore) SaveJob(ctx context.Context, job *api.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobsByUUID[job.JobUUID]; ok {
		return api.ErrJobAlreadyExists
	}
	s.jobs[job.ID] = cloneJob(job)
	s.jobsByUUID[job.JobUUID] = job.ID
	return nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *api.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return api.ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) UpdateJobAtomically(ctx context.Context, job *api.JobRecord, from api.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok {
		return false, api.ErrJobNotFound
	}
	if stored.Status != from {
		return false, nil
	}
	s.jobs[job.ID] = cloneJob(job)
	return true, nil
}

func (s *MemoryStore) FindJob(ctx context.Context, id string) (*api.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, api.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) FindJobByUUID(ctx context.Context, jobUUID string) (*api.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.jobsByUUID[jobUUID]
	if !ok {
		return nil, api.ErrJobNotFound
	}
	return cloneJob(s.jobs[id]), nil
}

func (s *MemoryStore) ListJobsForStepRun(ctx context.Context, stepRunID string) ([]*api.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.JobRecord
	for _, job := range s.jobs {
		if job.StepRunID == stepRunID {
			result = append(result, cloneJob(job))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DispatchedAt.Equal(result[j].DispatchedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].DispatchedAt.Before(result[j].DispatchedAt)
	})
	return result, nil
}

func (s *MemoryStore) FindZombieJobs(ctx context.Context, startedBefore time.Time) ([]*api.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.JobRecord
	for _, job := range s.jobs {
		if job.Status == api.JobRunning && job.StartedAt != nil && job.StartedAt.Before(startedBefore) {
			result = append(result, cloneJob(job))
		}
	}
	return result, nil
}

func (s *MemoryStore) FindStaleDispatchedJobs(ctx context.Context, dispatchedBefore time.Time) ([]*api.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.JobRecord
	for _, job := range s.jobs {
		if job.Status == api.JobDispatched && job.DispatchedAt.Before(dispatchedBefore) {
			result = append(result, cloneJob(job))
		}
	}
	return result, nil
}

// --- OutputRepository ---

func (s *MemoryStore) SaveOutput(ctx context.Context, workflowID string, out api.StepOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType, ok := s.outputs[workflowID]
	if !ok {
		byType = make(map[api.OutputType]api.StepOutput)
		s.outputs[workflowID] = byType
	}
	byType[out.Type()] = out
	return nil
}

func (s *MemoryStore) MergeOutput(ctx context.Context, workflowID string, out api.StepOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType, ok := s.outputs[workflowID]
	if !ok {
		byType = make(map[api.OutputType]api.StepOutput)
		s.outputs[workflowID] = byType
	}
	merged, err := mergeOutputValues(byType[out.Type()], out)
	if err != nil {
		return err
	}
	byType[out.Type()] = merged
	return nil
}

func (s *MemoryStore) FindOutput(ctx context.Context, workflowID string, typ api.OutputType) (api.StepOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, ok := s.outputs[workflowID][typ]
	if !ok {
		return nil, api.ErrOutputNotFound
	}
	return out, nil
}

func (s *MemoryStore) Outputs(ctx context.Context, workflowID string) (api.OutputReader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(outputSnapshot, len(s.outputs[workflowID]))
	for typ, out := range s.outputs[workflowID] {
		snap[typ] = out
	}
	return snap, nil
}

// --- CompensationRepository ---

func (s *MemoryStore) SaveCompensationRun(ctx context.Context, run *api.CompensationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.compensations[run.ID] = cloneCompensation(run)
	return nil
}

func (s *MemoryStore) UpdateCompensationRun(ctx context.Context, run *api.CompensationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.compensations[run.ID]; !ok {
		return api.ErrCompensationNotFound
	}
	s.compensations[run.ID] = cloneCompensation(run)
	return nil
}

func (s *MemoryStore) FindCompensationRun(ctx context.Context, id string) (*api.CompensationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.compensations[id]
	if !ok {
		return nil, api.ErrCompensationNotFound
	}
	return cloneCompensation(run), nil
}

func (s *MemoryStore) ListCompensationRuns(ctx context.Context, workflowID string) ([]*api.CompensationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.CompensationRun
	for _, run := range s.compensations {
		if run.WorkflowID == workflowID {
			result = append(result, cloneCompensation(run))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExecutionOrder < result[j].ExecutionOrder
	})
	return result, nil
}

func (s *MemoryStore) FindNextPendingCompensation(ctx context.Context, workflowID string) (*api.CompensationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *api.CompensationRun
	for _, run := range s.compensations {
		if run.WorkflowID != workflowID || run.Status != api.CompensationPending {
			continue
		}
		if next == nil || run.ExecutionOrder < next.ExecutionOrder {
			next = run
		}
	}
	if next == nil {
		return nil, api.ErrCompensationNotFound
	}
	return cloneCompensation(next), nil
}

func (s *MemoryStore) AllCompensationsTerminal(ctx context.Context, workflowID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.compensations {
		if run.WorkflowID == workflowID && !run.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemoryStore) AllCompensationsSucceeded(ctx context.Context, workflowID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.compensations {
		if run.WorkflowID != workflowID {
			continue
		}
		if run.Status != api.CompensationSucceeded && run.Status != api.CompensationSkipped {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemoryStore) AnyCompensationFailed(ctx context.Context, workflowID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.compensations {
		if run.WorkflowID == workflowID && run.Status == api.CompensationFailed {
			return true, nil
		}
	}
	return false, nil
}

// --- RecordRepository ---

func (s *MemoryStore) AppendBranchDecision(ctx context.Context, rec *api.BranchDecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	c.Branches = append([]api.BranchKey(nil), rec.Branches...)
	s.branchDecisions[rec.WorkflowID] = append(s.branchDecisions[rec.WorkflowID], &c)
	return nil
}

func (s *MemoryStore) ListBranchDecisions(ctx context.Context, workflowID string) ([]*api.BranchDecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.branchDecisions[workflowID]
	result := make([]*api.BranchDecisionRecord, 0, len(recs))
	for _, rec := range recs {
		c := *rec
		c.Branches = append([]api.BranchKey(nil), rec.Branches...)
		result = append(result, &c)
	}
	return result, nil
}

func (s *MemoryStore) AppendResolutionDecision(ctx context.Context, rec *api.ResolutionDecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	s.resolutionDecisions[rec.WorkflowID] = append(s.resolutionDecisions[rec.WorkflowID], &c)
	return nil
}

func (s *MemoryStore) ListResolutionDecisions(ctx context.Context, workflowID string) ([]*api.ResolutionDecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.resolutionDecisions[workflowID]
	result := make([]*api.ResolutionDecisionRecord, 0, len(recs))
	for _, rec := range recs {
		c := *rec
		result = append(result, &c)
	}
	return result, nil
}

func (s *MemoryStore) AppendTriggerPayload(ctx context.Context, rec *api.TriggerPayloadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	s.triggerPayloads[rec.WorkflowID] = append(s.triggerPayloads[rec.WorkflowID], &c)
	return nil
}

func (s *MemoryStore) ListTriggerPayloads(ctx context.Context, workflowID string) ([]*api.TriggerPayloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.triggerPayloads[workflowID]
	result := make([]*api.TriggerPayloadRecord, 0, len(recs))
	for _, rec := range recs {
		c := *rec
		result = append(result, &c)
	}
	return result, nil
}

func (s *MemoryStore) AppendPollAttempt(ctx context.Context, rec *api.PollAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	s.pollAttempts[rec.StepRunID] = append(s.pollAttempts[rec.StepRunID], &c)
	return nil
}

func (s *MemoryStore) CountPollAttempts(ctx context.Context, stepRunID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.pollAttempts[stepRunID]), nil
}

func (s *MemoryStore) ListPollAttempts(ctx context.Context, stepRunID string) ([]*api.PollAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.pollAttempts[stepRunID]
	result := make([]*api.PollAttempt, 0, len(recs))
	for _, rec := range recs {
		c := *rec
		result = append(result, &c)
	}
	return result, nil
}
