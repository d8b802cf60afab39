package stateflow

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// drainBundle processes queued tasks until the bundle's queue is empty.
func drainBundle(t *testing.T, b *WorkerBundle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for b.Engine.Queue().Len() > 0 {
		if _, err := b.Worker.ProcessOne(ctx); err != nil {
			t.Fatalf("process task: %v", err)
		}
	}
}

func TestInMemoryBundleEndToEnd(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetrics{}
	bundle := NewInMemoryBundle(Options{Logger: zerolog.Nop(), Observer: metrics})

	parcels := func(outputs OutputReader) ([]any, error) {
		out, _ := outputs.Find("parcels")
		return out.(ItemListOutput).Items, nil
	}
	NewFlow("fulfill-order", "1.0.0").
		Step(StepConfig{
			Key:      "reserve-stock",
			JobClass: "reserve-stock",
			Retry:    Retry(3).Immediate().Configuration(),
		}).
		FanOut(StepConfig{Key: "ship-parcels", JobClass: "ship-parcel"}, parcels, 2, CriteriaAll).
		Step(StepConfig{Key: "send-receipt", JobClass: "send-receipt",
			Requires: []OutputType{"shipped"}}).
		MustRegister(bundle.Engine.Registry())

	bundle.Handlers.RegisterJobHandler("reserve-stock", JobHandlerFunc(
		func(ctx context.Context, jc JobContext) (StepOutput, error) {
			return ItemListOutput{Kind: "parcels", Items: []any{"p1", "p2", "p3"}}, nil
		}))
	bundle.Handlers.RegisterJobHandler("ship-parcel", JobHandlerFunc(
		func(ctx context.Context, jc JobContext) (StepOutput, error) {
			return ItemListOutput{Kind: "shipped", Items: []any{jc.Item}}, nil
		}))
	bundle.Handlers.RegisterJobHandler("send-receipt", JobHandlerFunc(
		func(ctx context.Context, jc JobContext) (StepOutput, error) {
			return ValueOutput{Kind: "receipt", Value: "r-1"}, nil
		}))

	inst, err := bundle.Engine.CreateWorkflow(ctx, "fulfill-order", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if err := bundle.Engine.StartWorkflow(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	drainBundle(t, bundle)

	inst, err = bundle.Engine.GetWorkflow(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != WorkflowSucceeded {
		t.Fatalf("workflow status = %s, want SUCCEEDED", inst.Status)
	}

	outputs, err := bundle.Engine.WorkflowOutputs(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	shipped, ok := outputs.Find("shipped")
	if !ok {
		t.Fatal("shipped output missing")
	}
	if n := len(shipped.(ItemListOutput).Items); n != 3 {
		t.Fatalf("shipped %d parcels, want 3", n)
	}
	if !outputs.Has("receipt") {
		t.Fatal("receipt output missing")
	}

	snap := metrics.Snapshot()
	if snap.WorkflowsStarted != 1 || snap.WorkflowsSucceeded != 1 || snap.WorkflowsFailed != 0 {
		t.Fatalf("metrics snapshot: %+v", snap)
	}
	if snap.ActiveWorkflows != 0 {
		t.Fatalf("active workflows = %d, want 0", snap.ActiveWorkflows)
	}
	if snap.StepsFinalized != 3 {
		t.Fatalf("steps finalized = %d, want 3", snap.StepsFinalized)
	}
}

func TestListWorkflowsThroughFacade(t *testing.T) {
	ctx := context.Background()
	bundle := NewInMemoryBundle(Options{Logger: zerolog.Nop()})

	NewFlow("fulfill-order", "1.0.0").
		Step(StepConfig{Key: "only", JobClass: "noop"}).
		MustRegister(bundle.Engine.Registry())

	if _, err := bundle.Engine.CreateWorkflow(ctx, "fulfill-order", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	if _, err := bundle.Engine.CreateWorkflow(ctx, "fulfill-order", "1.0.0"); err != nil {
		t.Fatal(err)
	}

	pending, err := bundle.Engine.ListWorkflows(ctx, WorkflowFilter{Status: WorkflowPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending workflows = %d, want 2", len(pending))
	}
}

func TestDeterministicJobUUIDReExport(t *testing.T) {
	a := DeterministicJobUUID("run-1", "0")
	b := DeterministicJobUUID("run-1", "0")
	c := DeterministicJobUUID("run-1", "1")
	if a != b {
		t.Fatal("same inputs must derive the same UUID")
	}
	if a == c {
		t.Fatal("different slots must derive different UUIDs")
	}
}
