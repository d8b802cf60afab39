package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okonecny/stateflow/pkg/api"
)

// The conformance suite runs every Store implementation through the same
// semantics: CRUD, the conditional operations, and their exactly-one-winner
// guarantees under concurrency.

type storeFactory func(t *testing.T) Store

func runStoreConformance(t *testing.T, newStore storeFactory) {
	t.Run("WorkflowCRUD", func(t *testing.T) { testWorkflowCRUD(t, newStore(t)) })
	t.Run("WorkflowStatusCAS", func(t *testing.T) { testWorkflowStatusCAS(t, newStore(t)) })
	t.Run("WorkflowStatusCASConcurrent", func(t *testing.T) { testWorkflowStatusCASConcurrent(t, newStore(t)) })
	t.Run("WorkflowLock", func(t *testing.T) { testWorkflowLock(t, newStore(t)) })
	t.Run("WorkflowLockStaleTakeover", func(t *testing.T) { testWorkflowLockStaleTakeover(t, newStore(t)) })
	t.Run("StepRunFinalizeOnce", func(t *testing.T) { testStepRunFinalizeOnce(t, newStore(t)) })
	t.Run("StepRunIncrements", func(t *testing.T) { testStepRunIncrements(t, newStore(t)) })
	t.Run("StepRunAttemptHistory", func(t *testing.T) { testStepRunAttemptHistory(t, newStore(t)) })
	t.Run("JobIdempotency", func(t *testing.T) { testJobIdempotency(t, newStore(t)) })
	t.Run("JobUpdateCAS", func(t *testing.T) { testJobUpdateCAS(t, newStore(t)) })
	t.Run("JobSweepQueries", func(t *testing.T) { testJobSweepQueries(t, newStore(t)) })
	t.Run("OutputMerge", func(t *testing.T) { testOutputMerge(t, newStore(t)) })
	t.Run("OutputMergeConcurrent", func(t *testing.T) { testOutputMergeConcurrent(t, newStore(t)) })
	t.Run("CompensationOrdering", func(t *testing.T) { testCompensationOrdering(t, newStore(t)) })
	t.Run("CompensationAggregates", func(t *testing.T) { testCompensationAggregates(t, newStore(t)) })
	t.Run("AuditRecords", func(t *testing.T) { testAuditRecords(t, newStore(t)) })
	t.Run("CascadeDelete", func(t *testing.T) { testCascadeDelete(t, newStore(t)) })
}

func mustSaveWorkflow(t *testing.T, s Store) *api.WorkflowInstance {
	t.Helper()
	inst := api.NewWorkflowInstance("order", "1.0.0")
	if err := s.SaveWorkflow(context.Background(), inst); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	return inst
}

func mustSaveRunningStepRun(t *testing.T, s Store, workflowID string, total int) *api.StepRun {
	t.Helper()
	run := api.NewStepRun(workflowID, "charge", 1)
	if err := run.Start(); err != nil {
		t.Fatal(err)
	}
	run.TotalJobCount = total
	if err := s.SaveStepRun(context.Background(), run); err != nil {
		t.Fatalf("SaveStepRun: %v", err)
	}
	return run
}

func testWorkflowCRUD(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)

	got, err := s.FindWorkflow(ctx, inst.ID)
	if err != nil {
		t.Fatalf("FindWorkflow: %v", err)
	}
	if got.DefinitionKey != "order" || got.Status != api.WorkflowPending {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	if err := got.Start(); err != nil {
		t.Fatal(err)
	}
	got.CurrentStepKey = "charge"
	if err := s.UpdateWorkflow(ctx, got); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}
	got, err = s.FindWorkflow(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != api.WorkflowRunning || got.CurrentStepKey != "charge" {
		t.Fatalf("update not persisted: %+v", got)
	}

	other := api.NewWorkflowInstance("refund", "1.0.0")
	if err := s.SaveWorkflow(ctx, other); err != nil {
		t.Fatal(err)
	}
	byKey, err := s.ListWorkflows(ctx, WorkflowFilter{DefinitionKey: "order"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byKey) != 1 || byKey[0].ID != inst.ID {
		t.Fatalf("key filter returned %d instances", len(byKey))
	}
	byStatus, err := s.ListWorkflows(ctx, WorkflowFilter{Status: api.WorkflowPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != other.ID {
		t.Fatalf("status filter returned %d instances", len(byStatus))
	}

	if _, err := s.FindWorkflow(ctx, "missing"); !errors.Is(err, api.ErrWorkflowNotFound) {
		t.Fatalf("missing lookup: %v", err)
	}
}

func testWorkflowStatusCAS(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)

	ok, err := s.UpdateWorkflowStatusAtomically(ctx, inst.ID, api.WorkflowPending, api.WorkflowRunning)
	if err != nil || !ok {
		t.Fatalf("first CAS: ok=%v err=%v", ok, err)
	}
	// Guard no longer holds: expected loss, not an error.
	ok, err = s.UpdateWorkflowStatusAtomically(ctx, inst.ID, api.WorkflowPending, api.WorkflowRunning)
	if err != nil {
		t.Fatalf("lost CAS must not error: %v", err)
	}
	if ok {
		t.Fatal("stale guard must not win")
	}

	if _, err := s.UpdateWorkflowStatusAtomically(ctx, "missing", api.WorkflowPending, api.WorkflowRunning); !errors.Is(err, api.ErrWorkflowNotFound) {
		t.Fatalf("missing instance: %v", err)
	}
}

func testWorkflowStatusCASConcurrent(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.UpdateWorkflowStatusAtomically(ctx, inst.ID, api.WorkflowPending, api.WorkflowRunning)
			if err != nil {
				t.Errorf("CAS errored: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one racer must win, got %d", winners)
	}
}

func testWorkflowLock(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)
	stale := time.Minute

	ok, err := s.AcquireWorkflowLock(ctx, inst.ID, "engine-a", stale)
	if err != nil || !ok {
		t.Fatalf("acquire free lock: ok=%v err=%v", ok, err)
	}
	// Re-entrant refresh by the holder.
	ok, err = s.AcquireWorkflowLock(ctx, inst.ID, "engine-a", stale)
	if err != nil || !ok {
		t.Fatalf("re-acquire by holder: ok=%v err=%v", ok, err)
	}
	// Contention is an expected false, not an error.
	ok, err = s.AcquireWorkflowLock(ctx, inst.ID, "engine-b", stale)
	if err != nil {
		t.Fatalf("contended acquire errored: %v", err)
	}
	if ok {
		t.Fatal("fresh lock must not be taken over")
	}

	// Release by a non-holder is a quiet no-op.
	ok, err = s.ReleaseWorkflowLock(ctx, inst.ID, "engine-b")
	if err != nil || ok {
		t.Fatalf("non-holder release: ok=%v err=%v", ok, err)
	}
	ok, err = s.ReleaseWorkflowLock(ctx, inst.ID, "engine-a")
	if err != nil || !ok {
		t.Fatalf("holder release: ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireWorkflowLock(ctx, inst.ID, "engine-b", stale)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func testWorkflowLockStaleTakeover(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)
	stale := 10 * time.Millisecond

	if ok, err := s.AcquireWorkflowLock(ctx, inst.ID, "crashed-engine", stale); err != nil || !ok {
		t.Fatalf("initial acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(30 * time.Millisecond)

	ids, err := s.FindWorkflowsWithExpiredLocks(ctx, stale)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != inst.ID {
		t.Fatalf("expired lock not reported: %v", ids)
	}

	// Another owner takes over the stale lock.
	if ok, err := s.AcquireWorkflowLock(ctx, inst.ID, "engine-b", stale); err != nil || !ok {
		t.Fatalf("stale takeover: ok=%v err=%v", ok, err)
	}

	// A fresh lock must not be cleared by the sweep.
	if ok, err := s.ClearExpiredWorkflowLock(ctx, inst.ID, time.Minute); err != nil || ok {
		t.Fatalf("fresh lock cleared: ok=%v err=%v", ok, err)
	}
	time.Sleep(30 * time.Millisecond)
	if ok, err := s.ClearExpiredWorkflowLock(ctx, inst.ID, stale); err != nil || !ok {
		t.Fatalf("stale clear: ok=%v err=%v", ok, err)
	}
	got, err := s.FindWorkflow(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LockOwner != "" {
		t.Fatalf("lock still held after clear: %q", got.LockOwner)
	}
}

func testStepRunFinalizeOnce(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)
	run := mustSaveRunningStepRun(t, s, inst.ID, 4)

	const racers = 12
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var ok bool
			var err error
			if n%2 == 0 {
				ok, err = s.FinalizeStepRunSucceeded(ctx, run.ID)
			} else {
				ok, err = s.FinalizeStepRunFailed(ctx, run.ID, "JOB_FAILED", "boom")
			}
			if err != nil {
				t.Errorf("finalize errored: %v", err)
				return
			}
			wins <- ok
		}(i)
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one finalizer must win, got %d", winners)
	}

	got, err := s.FindStepRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Status.Terminal() {
		t.Fatalf("run not finalized: %s", got.Status)
	}
	if got.FinishedAt == nil {
		t.Fatal("finalize must set FinishedAt")
	}

	if _, err := s.FinalizeStepRunSucceeded(ctx, "missing"); !errors.Is(err, api.ErrStepRunNotFound) {
		t.Fatalf("missing run: %v", err)
	}
}

func testStepRunIncrements(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)
	run := mustSaveRunningStepRun(t, s, inst.ID, 10)

	const successes, failures = 6, 4
	var wg sync.WaitGroup
	for i := 0; i < successes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementStepRunJobSuccess(ctx, run.ID); err != nil {
				t.Errorf("success increment: %v", err)
			}
		}()
	}
	for i := 0; i < failures; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementStepRunJobFailure(ctx, run.ID); err != nil {
				t.Errorf("failure increment: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.FindStepRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedJobCount != successes+failures {
		t.Fatalf("completed = %d, want %d", got.CompletedJobCount, successes+failures)
	}
	if got.FailedJobCount != failures {
		t.Fatalf("failed = %d, want %d", got.FailedJobCount, failures)
	}
	if got.SucceededJobCount() != successes {
		t.Fatalf("succeeded = %d, want %d", got.SucceededJobCount(), successes)
	}
}

func testStepRunAttemptHistory(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)

	// Saved out of order on purpose.
	for _, attempt := range []int{2, 3, 1} {
		run := api.NewStepRun(inst.ID, "charge", attempt)
		if err := s.SaveStepRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	ship := api.NewStepRun(inst.ID, "ship", 1)
	if err := s.SaveStepRun(ctx, ship); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListStepRunAttempts(ctx, inst.ID, "charge")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("attempts = %d, want 3", len(runs))
	}
	for i, run := range runs {
		if run.Attempt != i+1 {
			t.Fatalf("position %d has attempt %d", i, run.Attempt)
		}
		if run.StepKey != "charge" {
			t.Fatalf("foreign step leaked into history: %s", run.StepKey)
		}
	}

	runs, err = s.ListStepRunAttempts(ctx, inst.ID, "ship")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("ship attempts = %d, want 1", len(runs))
	}
	runs, err = s.ListStepRunAttempts(ctx, inst.ID, "never-ran")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Fatalf("unknown step attempts = %d, want 0", len(runs))
	}
}

func testJobIdempotency(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)
	run := mustSaveRunningStepRun(t, s, inst.ID, 1)

	jobUUID := api.DeterministicJobUUID(run.ID, "0")
	job := api.NewJobRecord(jobUUID, inst.ID, run.ID, "charge-card", "payments", 1)
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	dup := api.NewJobRecord(jobUUID, inst.ID, run.ID, "charge-card", "payments", 1)
	if err := s.SaveJob(ctx, dup); !errors.Is(err, api.ErrJobAlreadyExists) {
		t.Fatalf("duplicate UUID must be rejected, got %v", err)
	}

	got, err := s.FindJobByUUID(ctx, jobUUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != job.ID {
		t.Fatal("lookup must return the first record")
	}

	if err := got.Start("worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJob(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, err = s.FindJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != api.JobRunning || got.WorkerID != "worker-1" {
		t.Fatalf("update not persisted: %+v", got)
	}

	jobs, err := s.ListJobsForStepRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
}

func testJobUpdateCAS(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)
	run := mustSaveRunningStepRun(t, s, inst.ID, 1)

	job := api.NewJobRecord(api.DeterministicJobUUID(run.ID, "0"), inst.ID, run.ID, "charge", "q", 1)
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Two writers loaded the same Dispatched record.
	closer, err := s.FindJobByUUID(ctx, job.JobUUID)
	if err != nil {
		t.Fatal(err)
	}
	starter, err := s.FindJobByUUID(ctx, job.JobUUID)
	if err != nil {
		t.Fatal(err)
	}

	// The sweep closes the job first.
	if err := closer.Fail("STALE_DISPATCH", "never picked up", ""); err != nil {
		t.Fatal(err)
	}
	won, err := s.UpdateJobAtomically(ctx, closer, api.JobDispatched)
	if err != nil || !won {
		t.Fatalf("first writer: won=%v err=%v", won, err)
	}

	// The late started report loses instead of resurrecting the job.
	if err := starter.Start("worker-1"); err != nil {
		t.Fatal(err)
	}
	won, err = s.UpdateJobAtomically(ctx, starter, api.JobDispatched)
	if err != nil {
		t.Fatalf("lost guard must not error: %v", err)
	}
	if won {
		t.Fatal("stale guard must not win")
	}

	got, err := s.FindJobByUUID(ctx, job.JobUUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != api.JobFailed || got.FailureClass != "STALE_DISPATCH" {
		t.Fatalf("job = %s/%s, want FAILED/STALE_DISPATCH", got.Status, got.FailureClass)
	}

	missing := api.NewJobRecord(api.NewID(), inst.ID, run.ID, "charge", "q", 1)
	if _, err := s.UpdateJobAtomically(ctx, missing, api.JobDispatched); !errors.Is(err, api.ErrJobNotFound) {
		t.Fatalf("missing job: %v", err)
	}
}

func testJobSweepQueries(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)
	run := mustSaveRunningStepRun(t, s, inst.ID, 3)

	zombie := api.NewJobRecord(api.NewID(), inst.ID, run.ID, "charge", "q", 1)
	if err := zombie.Start("dead-worker"); err != nil {
		t.Fatal(err)
	}
	stale := api.NewJobRecord(api.NewID(), inst.ID, run.ID, "charge", "q", 1)
	healthy := api.NewJobRecord(api.NewID(), inst.ID, run.ID, "charge", "q", 1)
	if err := healthy.Start("live-worker"); err != nil {
		t.Fatal(err)
	}
	if err := healthy.Succeed(); err != nil {
		t.Fatal(err)
	}
	for _, j := range []*api.JobRecord{zombie, stale, healthy} {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	cutoff := time.Now().Add(time.Second)
	zombies, err := s.FindZombieJobs(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(zombies) != 1 || zombies[0].ID != zombie.ID {
		t.Fatalf("zombie query: got %d jobs", len(zombies))
	}

	stales, err := s.FindStaleDispatchedJobs(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(stales) != 1 || stales[0].ID != stale.ID {
		t.Fatalf("stale query: got %d jobs", len(stales))
	}

	// Nothing is old enough against a past cutoff.
	past := time.Now().Add(-time.Hour)
	if zs, _ := s.FindZombieJobs(ctx, past); len(zs) != 0 {
		t.Fatalf("past cutoff must match nothing, got %d", len(zs))
	}
}

func testOutputMerge(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)

	if err := s.SaveOutput(ctx, inst.ID, api.ValueOutput{Kind: "total", Value: 100}); err != nil {
		t.Fatal(err)
	}
	// Replace-on-write for SaveOutput.
	if err := s.SaveOutput(ctx, inst.ID, api.ValueOutput{Kind: "total", Value: 200}); err != nil {
		t.Fatal(err)
	}
	out, err := s.FindOutput(ctx, inst.ID, "total")
	if err != nil {
		t.Fatal(err)
	}
	if out.(api.ValueOutput).Value != 200 {
		t.Fatalf("replace failed: %+v", out)
	}

	// MergeOutput with no existing value stores as-is.
	if err := s.MergeOutput(ctx, inst.ID, api.ItemListOutput{Kind: "shipped", Items: []any{"p1"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeOutput(ctx, inst.ID, api.ItemListOutput{Kind: "shipped", Items: []any{"p2"}}); err != nil {
		t.Fatal(err)
	}
	out, err = s.FindOutput(ctx, inst.ID, "shipped")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(out.(api.ItemListOutput).Items); got != 2 {
		t.Fatalf("merged items = %d, want 2", got)
	}

	reader, err := s.Outputs(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reader.Has("total") || !reader.Has("shipped") {
		t.Fatal("reader must expose both outputs")
	}
	if reader.Has("missing") {
		t.Fatal("reader must not invent outputs")
	}

	if _, err := s.FindOutput(ctx, inst.ID, "missing"); !errors.Is(err, api.ErrOutputNotFound) {
		t.Fatalf("missing output: %v", err)
	}
}

func testOutputMergeConcurrent(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)

	const mergers = 20
	var wg sync.WaitGroup
	for i := 0; i < mergers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out := api.ItemListOutput{Kind: "shipped", Items: []any{n}}
			if err := s.MergeOutput(ctx, inst.ID, out); err != nil {
				t.Errorf("merge %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	out, err := s.FindOutput(ctx, inst.ID, "shipped")
	if err != nil {
		t.Fatal(err)
	}
	items := out.(api.ItemListOutput).Items
	if len(items) != mergers {
		t.Fatalf("items = %d, want %d (no lost updates)", len(items), mergers)
	}
	seen := make(map[int]bool, mergers)
	for _, item := range items {
		seen[item.(int)] = true
	}
	if len(seen) != mergers {
		t.Fatalf("distinct items = %d, want %d", len(seen), mergers)
	}
}

func testCompensationOrdering(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)

	// Saved out of order on purpose.
	for _, order := range []int{2, 0, 1} {
		comp := api.NewCompensationRun(inst.ID, "step", "undo", order, 1)
		if err := s.SaveCompensationRun(ctx, comp); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListCompensationRuns(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	for i, run := range runs {
		if run.ExecutionOrder != i {
			t.Fatalf("position %d has order %d", i, run.ExecutionOrder)
		}
	}

	next, err := s.FindNextPendingCompensation(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next.ExecutionOrder != 0 {
		t.Fatalf("next pending order = %d, want 0", next.ExecutionOrder)
	}

	if err := next.Start("job-1"); err != nil {
		t.Fatal(err)
	}
	if err := next.Succeed(); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCompensationRun(ctx, next); err != nil {
		t.Fatal(err)
	}
	next, err = s.FindNextPendingCompensation(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next.ExecutionOrder != 1 {
		t.Fatalf("next pending after finish = %d, want 1", next.ExecutionOrder)
	}
}

func testCompensationAggregates(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)

	assertAggregates := func(wantTerminal, wantSucceeded, wantFailed bool) {
		t.Helper()
		terminal, err := s.AllCompensationsTerminal(ctx, inst.ID)
		if err != nil {
			t.Fatal(err)
		}
		succeeded, err := s.AllCompensationsSucceeded(ctx, inst.ID)
		if err != nil {
			t.Fatal(err)
		}
		failed, err := s.AnyCompensationFailed(ctx, inst.ID)
		if err != nil {
			t.Fatal(err)
		}
		if terminal != wantTerminal || succeeded != wantSucceeded || failed != wantFailed {
			t.Fatalf("aggregates = terminal:%v succeeded:%v failed:%v, want %v/%v/%v",
				terminal, succeeded, failed, wantTerminal, wantSucceeded, wantFailed)
		}
	}

	// Vacuously true with no runs.
	assertAggregates(true, true, false)

	a := api.NewCompensationRun(inst.ID, "charge", "undo-charge", 0, 1)
	b := api.NewCompensationRun(inst.ID, "reserve", "undo-reserve", 1, 1)
	for _, comp := range []*api.CompensationRun{a, b} {
		if err := s.SaveCompensationRun(ctx, comp); err != nil {
			t.Fatal(err)
		}
	}
	assertAggregates(false, false, false)

	if err := a.Start("job-1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Succeed(); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCompensationRun(ctx, a); err != nil {
		t.Fatal(err)
	}
	assertAggregates(false, false, false)

	if err := b.Start("job-2"); err != nil {
		t.Fatal(err)
	}
	if err := b.Fail("boom"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCompensationRun(ctx, b); err != nil {
		t.Fatal(err)
	}
	assertAggregates(true, false, true)

	// Skipped counts as finishing without failure.
	other := mustSaveWorkflow(t, s)
	c := api.NewCompensationRun(other.ID, "charge", "undo-charge", 0, 1)
	if err := c.Skip(); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCompensationRun(ctx, c); err != nil {
		t.Fatal(err)
	}
	terminal, err := s.AllCompensationsTerminal(ctx, other.ID)
	if err != nil || !terminal {
		t.Fatalf("skipped terminal: %v %v", terminal, err)
	}
	succeeded, err := s.AllCompensationsSucceeded(ctx, other.ID)
	if err != nil || !succeeded {
		t.Fatalf("skipped succeeded: %v %v", succeeded, err)
	}
	failed, err := s.AnyCompensationFailed(ctx, other.ID)
	if err != nil || failed {
		t.Fatalf("skipped failed: %v %v", failed, err)
	}
}

func testAuditRecords(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)
	run := mustSaveRunningStepRun(t, s, inst.ID, 1)

	branch := api.NewBranchDecisionRecord(inst.ID, "route", []api.BranchKey{"premium", "gift"})
	if err := s.AppendBranchDecision(ctx, branch); err != nil {
		t.Fatal(err)
	}
	branches, err := s.ListBranchDecisions(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 1 || len(branches[0].Branches) != 2 {
		t.Fatalf("branch decisions: %+v", branches)
	}

	res := api.NewResolutionDecisionRecord(inst.ID, "charge", api.ResolutionRetryStep, "ops@corp", "transient outage")
	if err := s.AppendResolutionDecision(ctx, res); err != nil {
		t.Fatal(err)
	}
	resolutions, err := s.ListResolutionDecisions(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolutions) != 1 || resolutions[0].Action != api.ResolutionRetryStep {
		t.Fatalf("resolutions: %+v", resolutions)
	}

	trig := api.NewTriggerPayloadRecord(inst.ID, "payment-confirmed", map[string]any{"amount": 42})
	if err := s.AppendTriggerPayload(ctx, trig); err != nil {
		t.Fatal(err)
	}
	triggers, err := s.ListTriggerPayloads(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 1 || triggers[0].TriggerKey != "payment-confirmed" {
		t.Fatalf("triggers: %+v", triggers)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		rec, err := api.NewPollAttempt(run.ID, attempt, "job-1", false, true, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.AppendPollAttempt(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	count, err := s.CountPollAttempts(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("poll attempts = %d, want 3", count)
	}
	attempts, err := s.ListPollAttempts(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Fatalf("listed attempts = %d, want 3", len(attempts))
	}
}

func testCascadeDelete(t *testing.T, s Store) {
	ctx := context.Background()
	inst := mustSaveWorkflow(t, s)
	run := mustSaveRunningStepRun(t, s, inst.ID, 1)

	job := api.NewJobRecord(api.NewID(), inst.ID, run.ID, "charge", "q", 1)
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveOutput(ctx, inst.ID, api.ValueOutput{Kind: "total", Value: 1}); err != nil {
		t.Fatal(err)
	}
	comp := api.NewCompensationRun(inst.ID, "charge", "undo", 0, 1)
	if err := s.SaveCompensationRun(ctx, comp); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendBranchDecision(ctx, api.NewBranchDecisionRecord(inst.ID, "route", []api.BranchKey{"a"})); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteWorkflow(ctx, inst.ID); err != nil {
		t.Fatalf("DeleteWorkflow: %v", err)
	}

	if _, err := s.FindWorkflow(ctx, inst.ID); !errors.Is(err, api.ErrWorkflowNotFound) {
		t.Fatalf("workflow survived delete: %v", err)
	}
	if _, err := s.FindStepRun(ctx, run.ID); !errors.Is(err, api.ErrStepRunNotFound) {
		t.Fatalf("step run survived delete: %v", err)
	}
	if _, err := s.FindJob(ctx, job.ID); !errors.Is(err, api.ErrJobNotFound) {
		t.Fatalf("job survived delete: %v", err)
	}
	if _, err := s.FindJobByUUID(ctx, job.JobUUID); !errors.Is(err, api.ErrJobNotFound) {
		t.Fatalf("job uuid index survived delete: %v", err)
	}
	if _, err := s.FindOutput(ctx, inst.ID, "total"); !errors.Is(err, api.ErrOutputNotFound) {
		t.Fatalf("output survived delete: %v", err)
	}
	if _, err := s.FindCompensationRun(ctx, comp.ID); !errors.Is(err, api.ErrCompensationNotFound) {
		t.Fatalf("compensation survived delete: %v", err)
	}
	branches, err := s.ListBranchDecisions(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 0 {
		t.Fatal("branch decisions survived delete")
	}

	if err := s.DeleteWorkflow(ctx, inst.ID); !errors.Is(err, api.ErrWorkflowNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}
