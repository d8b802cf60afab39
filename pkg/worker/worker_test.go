package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/okonecny/stateflow/internal/taskqueue"
	"github.com/okonecny/stateflow/pkg/api"
)

type mapReader map[api.OutputType]api.StepOutput

func (m mapReader) Find(typ api.OutputType) (api.StepOutput, bool) {
	out, ok := m[typ]
	return out, ok
}
func (m mapReader) Has(typ api.OutputType) bool { _, ok := m[typ]; return ok }

type failureReport struct {
	class   string
	message string
	trace   string
}

// fakeEngine records every report a worker makes.
type fakeEngine struct {
	started   map[string]string
	succeeded map[string]api.StepOutput
	failed    map[string]failureReport
	polls     map[string]api.PollResult
	outputs   mapReader

	// lockBusy rejects that many success reports with a workflow locked
	// error before accepting one.
	lockBusy int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		started:   make(map[string]string),
		succeeded: make(map[string]api.StepOutput),
		failed:    make(map[string]failureReport),
		polls:     make(map[string]api.PollResult),
		outputs:   mapReader{"reservation": api.ValueOutput{Kind: "reservation", Value: "res-1"}},
	}
}

func (f *fakeEngine) HandleJobStarted(ctx context.Context, jobUUID, workerID string) error {
	f.started[jobUUID] = workerID
	return nil
}

func (f *fakeEngine) HandleJobSucceeded(ctx context.Context, jobUUID string, output api.StepOutput) error {
	if f.lockBusy > 0 {
		f.lockBusy--
		return &api.WorkflowLockedError{WorkflowID: "wf-1", Holder: "other-engine"}
	}
	f.succeeded[jobUUID] = output
	return nil
}

func (f *fakeEngine) HandleJobFailed(ctx context.Context, jobUUID, class, message, trace string) error {
	f.failed[jobUUID] = failureReport{class: class, message: message, trace: trace}
	return nil
}

func (f *fakeEngine) HandlePollResult(ctx context.Context, jobUUID string, result api.PollResult) error {
	f.polls[jobUUID] = result
	return nil
}

func (f *fakeEngine) WorkflowOutputs(ctx context.Context, workflowID string) (api.OutputReader, error) {
	return f.outputs, nil
}

func newTestWorker(t *testing.T) (*Worker, *fakeEngine, *taskqueue.InMemoryQueue, *HandlerRegistry) {
	t.Helper()
	queue := taskqueue.NewInMemoryQueue()
	engine := newFakeEngine()
	handlers := NewHandlerRegistry()
	w := New("w-1", queue, engine, handlers, zerolog.Nop())
	return w, engine, queue, handlers
}

func processOne(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !processed {
		t.Fatal("expected a task to be processed")
	}
}

func TestWorkerExecutesJobHandler(t *testing.T) {
	w, engine, queue, handlers := newTestWorker(t)

	var got api.JobContext
	handlers.RegisterJobHandler("ship", api.JobHandlerFunc(
		func(ctx context.Context, jc api.JobContext) (api.StepOutput, error) {
			got = jc
			return api.ValueOutput{Kind: "shipment", Value: "shp-1"}, nil
		}))

	task := taskqueue.Task{
		Kind:       taskqueue.TaskKindJob,
		JobUUID:    "uuid-1",
		WorkflowID: "wf-1",
		StepRunID:  "run-1",
		JobClass:   "ship",
		Item:       "parcel-7",
	}
	if err := queue.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	processOne(t, w)

	if engine.started["uuid-1"] != "w-1" {
		t.Fatalf("started report = %q, want worker id", engine.started["uuid-1"])
	}
	out, ok := engine.succeeded["uuid-1"]
	if !ok {
		t.Fatal("success was not reported")
	}
	if out.(api.ValueOutput).Value != "shp-1" {
		t.Fatalf("reported output = %+v", out)
	}

	// The handler sees the task's identity, its fan-out item, and the
	// workflow's output snapshot.
	if got.WorkflowID != "wf-1" || got.StepRunID != "run-1" || got.JobUUID != "uuid-1" {
		t.Fatalf("job context identity = %+v", got)
	}
	if item, _ := got.Item.(string); item != "parcel-7" {
		t.Fatalf("job context item = %#v", got.Item)
	}
	if !got.Outputs.Has("reservation") {
		t.Fatal("job context must carry the outputs snapshot")
	}
}

func TestWorkerReportsMissingHandler(t *testing.T) {
	w, engine, queue, _ := newTestWorker(t)

	task := taskqueue.Task{Kind: taskqueue.TaskKindJob, JobUUID: "uuid-1", JobClass: "unregistered"}
	if err := queue.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	processOne(t, w)

	report, ok := engine.failed["uuid-1"]
	if !ok {
		t.Fatal("missing handler must fail the job")
	}
	if report.class != "NO_HANDLER" {
		t.Fatalf("failure class = %q, want NO_HANDLER", report.class)
	}
	if len(engine.started) != 0 {
		t.Fatal("a job without a handler must not be reported as started")
	}
}

func TestWorkerReportsHandlerError(t *testing.T) {
	w, engine, queue, handlers := newTestWorker(t)

	handlers.RegisterJobHandler("ship", api.JobHandlerFunc(
		func(ctx context.Context, jc api.JobContext) (api.StepOutput, error) {
			return nil, errors.New("carrier rejected the parcel")
		}))
	task := taskqueue.Task{Kind: taskqueue.TaskKindJob, JobUUID: "uuid-1", JobClass: "ship"}
	if err := queue.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	processOne(t, w)

	report := engine.failed["uuid-1"]
	if report.class != "HANDLER_ERROR" {
		t.Fatalf("failure class = %q, want HANDLER_ERROR", report.class)
	}
	if report.message != "carrier rejected the parcel" {
		t.Fatalf("failure message = %q", report.message)
	}
	if report.trace != "" {
		t.Fatal("plain errors must not carry a stack trace")
	}
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	w, engine, queue, handlers := newTestWorker(t)

	handlers.RegisterJobHandler("ship", api.JobHandlerFunc(
		func(ctx context.Context, jc api.JobContext) (api.StepOutput, error) {
			panic("nil map write")
		}))
	task := taskqueue.Task{Kind: taskqueue.TaskKindJob, JobUUID: "uuid-1", JobClass: "ship"}
	if err := queue.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	processOne(t, w)

	report := engine.failed["uuid-1"]
	if report.class != "HANDLER_PANIC" {
		t.Fatalf("failure class = %q, want HANDLER_PANIC", report.class)
	}
	if !strings.Contains(report.message, "nil map write") {
		t.Fatalf("failure message = %q", report.message)
	}
	if report.trace == "" {
		t.Fatal("panic report must carry the stack trace")
	}
}

func TestWorkerRoutesPollTasks(t *testing.T) {
	w, engine, queue, handlers := newTestWorker(t)

	handlers.RegisterPollHandler("await", api.PollHandlerFunc(
		func(ctx context.Context, jc api.JobContext) (api.PollResult, error) {
			return api.PollResult{Continue: true, NextInterval: 5 * time.Second}, nil
		}))
	task := taskqueue.Task{Kind: taskqueue.TaskKindPoll, JobUUID: "uuid-1", JobClass: "await"}
	if err := queue.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	processOne(t, w)

	result, ok := engine.polls["uuid-1"]
	if !ok {
		t.Fatal("poll result was not reported")
	}
	if !result.Continue || result.NextInterval != 5*time.Second {
		t.Fatalf("poll result = %+v", result)
	}
}

func TestWorkerPollHandlerErrorFailsJob(t *testing.T) {
	w, engine, queue, handlers := newTestWorker(t)

	handlers.RegisterPollHandler("await", api.PollHandlerFunc(
		func(ctx context.Context, jc api.JobContext) (api.PollResult, error) {
			return api.PollResult{}, errors.New("upstream unreachable")
		}))
	task := taskqueue.Task{Kind: taskqueue.TaskKindPoll, JobUUID: "uuid-1", JobClass: "await"}
	if err := queue.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	processOne(t, w)

	if report := engine.failed["uuid-1"]; report.class != "HANDLER_ERROR" {
		t.Fatalf("failure class = %q, want HANDLER_ERROR", report.class)
	}
	if len(engine.polls) != 0 {
		t.Fatal("a failed poll must not report a result")
	}
}

func TestWorkerCompensationTasksUseJobHandlers(t *testing.T) {
	w, engine, queue, handlers := newTestWorker(t)

	called := false
	handlers.RegisterJobHandler("undo-reserve", api.JobHandlerFunc(
		func(ctx context.Context, jc api.JobContext) (api.StepOutput, error) {
			called = true
			return nil, nil
		}))
	task := taskqueue.Task{Kind: taskqueue.TaskKindCompensation, JobUUID: "uuid-1", JobClass: "undo-reserve"}
	if err := queue.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	processOne(t, w)

	if !called {
		t.Fatal("compensation task must run through the job handler")
	}
	if _, ok := engine.succeeded["uuid-1"]; !ok {
		t.Fatal("compensation success was not reported")
	}
}

func TestWorkerRejectsUnknownTaskKind(t *testing.T) {
	w, engine, queue, _ := newTestWorker(t)

	task := taskqueue.Task{Kind: taskqueue.TaskKind("BOGUS"), JobUUID: "uuid-1"}
	if err := queue.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	processOne(t, w)

	if report := engine.failed["uuid-1"]; report.class != "UNKNOWN_TASK_KIND" {
		t.Fatalf("failure class = %q, want UNKNOWN_TASK_KIND", report.class)
	}
}

// The queue hands a task out exactly once, so a report rejected by lock
// contention has to be retried; exiting would lose the outcome for good.
func TestWorkerRetriesReportWhileWorkflowLocked(t *testing.T) {
	w, engine, queue, handlers := newTestWorker(t)
	engine.lockBusy = 2

	handlers.RegisterJobHandler("ship", api.JobHandlerFunc(
		func(ctx context.Context, jc api.JobContext) (api.StepOutput, error) {
			return api.ValueOutput{Kind: "shipment", Value: "shp-1"}, nil
		}))
	task := taskqueue.Task{Kind: taskqueue.TaskKindJob, JobUUID: "uuid-1", WorkflowID: "wf-1", JobClass: "ship"}
	if err := queue.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	processOne(t, w)

	if engine.lockBusy != 0 {
		t.Fatalf("lock rejections remaining = %d, want 0", engine.lockBusy)
	}
	out, ok := engine.succeeded["uuid-1"]
	if !ok {
		t.Fatal("success must be reported once the lock clears")
	}
	if out.(api.ValueOutput).Value != "shp-1" {
		t.Fatalf("reported output = %+v", out)
	}
}

func TestWorkerLockedReportGivesUpOnContextCancel(t *testing.T) {
	w, engine, queue, handlers := newTestWorker(t)
	engine.lockBusy = 1000

	handlers.RegisterJobHandler("ship", api.JobHandlerFunc(
		func(ctx context.Context, jc api.JobContext) (api.StepOutput, error) {
			return nil, nil
		}))
	task := taskqueue.Task{Kind: taskqueue.TaskKindJob, JobUUID: "uuid-1", WorkflowID: "wf-1", JobClass: "ship"}
	if err := queue.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, err := w.ProcessOne(ctx); err == nil {
		t.Fatal("a report abandoned on cancellation must surface its error")
	}
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	w, _, _, _ := newTestWorker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("cancelled run must return nil, got %v", err)
	}
}

func TestWorkerGeneratesID(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	w := New("", queue, newFakeEngine(), NewHandlerRegistry(), zerolog.Nop())
	if w.ID() == "" {
		t.Fatal("empty id must be replaced with a generated one")
	}
}
