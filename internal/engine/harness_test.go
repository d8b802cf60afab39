package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/okonecny/stateflow/internal/locker"
	"github.com/okonecny/stateflow/internal/persistence"
	"github.com/okonecny/stateflow/internal/taskqueue"
	"github.com/okonecny/stateflow/pkg/api"
	"github.com/okonecny/stateflow/pkg/worker"
)

// testEnv wires an orchestrator to an in-memory store, queue and locker,
// plus a real worker draining the queue synchronously.
type testEnv struct {
	t        *testing.T
	store    persistence.Store
	queue    *taskqueue.InMemoryQueue
	locks    *locker.LocalLocker
	orch     *Orchestrator
	handlers *worker.HandlerRegistry
	worker   *worker.Worker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := persistence.NewMemoryStore()
	queue := taskqueue.NewInMemoryQueue()
	locks := locker.NewLocalLocker()
	orch := New(store, queue, locks, NewRegistry(), Options{
		OwnerID: "test-engine",
		Logger:  zerolog.Nop(),
	})
	handlers := worker.NewHandlerRegistry()
	w := worker.New("test-worker", queue, orch, handlers, zerolog.Nop())
	return &testEnv{
		t:        t,
		store:    store,
		queue:    queue,
		locks:    locks,
		orch:     orch,
		handlers: handlers,
		worker:   w,
	}
}

// drain processes queued tasks until the queue is empty, including tasks
// enqueued as a consequence of processing (retries, next fan-out slots,
// poll iterations, compensation).
func (e *testEnv) drain() {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for e.queue.Len() > 0 {
		if _, err := e.worker.ProcessOne(ctx); err != nil {
			e.t.Fatalf("process task: %v", err)
		}
	}
}

func (e *testEnv) register(def api.WorkflowDefinition) {
	e.t.Helper()
	if err := e.orch.Registry().Register(def); err != nil {
		e.t.Fatalf("register definition: %v", err)
	}
}

func (e *testEnv) createAndStart(def api.WorkflowDefinition) *api.WorkflowInstance {
	e.t.Helper()
	e.register(def)
	inst, err := e.orch.CreateWorkflow(context.Background(), def.Key, def.Version)
	if err != nil {
		e.t.Fatalf("create workflow: %v", err)
	}
	if err := e.orch.StartWorkflow(context.Background(), inst.ID); err != nil {
		e.t.Fatalf("start workflow: %v", err)
	}
	return e.instance(inst.ID)
}

func (e *testEnv) instance(id string) *api.WorkflowInstance {
	e.t.Helper()
	inst, err := e.store.FindWorkflow(context.Background(), id)
	if err != nil {
		e.t.Fatalf("find workflow: %v", err)
	}
	return inst
}

func (e *testEnv) latestRun(workflowID, stepKey string) *api.StepRun {
	e.t.Helper()
	run, err := e.store.FindLatestStepRun(context.Background(), workflowID, stepKey)
	if err != nil {
		e.t.Fatalf("find latest run for %s: %v", stepKey, err)
	}
	return run
}

func (e *testEnv) hasNoRun(workflowID, stepKey string) bool {
	e.t.Helper()
	_, err := e.store.FindLatestStepRun(context.Background(), workflowID, stepKey)
	return errors.Is(err, api.ErrStepRunNotFound)
}

func (e *testEnv) succeedWith(out api.StepOutput) {
	e.handlers.RegisterJobHandler("ok", api.JobHandlerFunc(
		func(ctx context.Context, jc api.JobContext) (api.StepOutput, error) {
			return out, nil
		}))
}

func okStep(key string) api.SingleJobStep {
	return api.SingleJobStep{StepConfig: api.StepConfig{Key: key, JobClass: "ok"}}
}

func staticHandler(out api.StepOutput, err error) api.JobHandlerFunc {
	return func(ctx context.Context, jc api.JobContext) (api.StepOutput, error) {
		return out, err
	}
}

var errHandlerBoom = errors.New("boom")

// failNTimes fails the first n executions, then returns out. The drain loop
// is single threaded, so no locking around the counter.
func failNTimes(n int, out api.StepOutput) api.JobHandlerFunc {
	calls := 0
	return func(ctx context.Context, jc api.JobContext) (api.StepOutput, error) {
		calls++
		if calls <= n {
			return nil, errHandlerBoom
		}
		return out, nil
	}
}

// Test condition and decision types.

type conditionFunc func(api.OutputReader) (bool, error)

func (f conditionFunc) Evaluate(outputs api.OutputReader) (bool, error) { return f(outputs) }

type staticBranch struct{ keys []api.BranchKey }

func (b staticBranch) Evaluate(api.OutputReader) ([]api.BranchKey, error) { return b.keys, nil }

type resumeOnTrigger struct{ key string }

func (r resumeOnTrigger) Evaluate(_ api.OutputReader, trig *api.TriggerPayloadRecord) (bool, string, error) {
	if trig.TriggerKey == r.key {
		return true, "", nil
	}
	return false, "waiting for " + r.key, nil
}

type terminateOnOutput struct {
	typ     api.OutputType
	failure bool
}

func (c terminateOnOutput) Evaluate(outputs api.OutputReader) (api.TerminationDecision, error) {
	if outputs.Has(c.typ) {
		return api.TerminationDecision{Terminate: true, Failure: c.failure, Reason: "output present"}, nil
	}
	return api.TerminationDecision{}, nil
}
