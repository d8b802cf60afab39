package engine

import (
	"context"
	"testing"

	"github.com/okonecny/stateflow/pkg/api"
)

// sagaDef is a three-step definition where the first two steps compensate
// and the last one fails the workflow.
func sagaDef(compMaxAttempts int) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Key:     "order",
		Version: "1.0.0",
		Steps: []api.StepDefinition{
			api.SingleJobStep{StepConfig: api.StepConfig{
				Key: "reserve", JobClass: "reserve",
				CompensationJobClass:    "undo-reserve",
				CompensationMaxAttempts: compMaxAttempts,
			}},
			api.SingleJobStep{StepConfig: api.StepConfig{
				Key: "charge", JobClass: "charge",
				CompensationJobClass:    "undo-charge",
				CompensationMaxAttempts: compMaxAttempts,
			}},
			api.SingleJobStep{StepConfig: api.StepConfig{Key: "ship", JobClass: "ship"}},
		},
	}
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var undone []string
	undo := func(name string) api.JobHandlerFunc {
		return func(ctx context.Context, jc api.JobContext) (api.StepOutput, error) {
			undone = append(undone, name)
			return nil, nil
		}
	}
	env.handlers.RegisterJobHandler("reserve", staticHandler(api.ValueOutput{Kind: "reservation", Value: "r"}, nil))
	env.handlers.RegisterJobHandler("charge", staticHandler(api.ValueOutput{Kind: "payment", Value: "p"}, nil))
	env.handlers.RegisterJobHandler("ship", staticHandler(nil, errHandlerBoom))
	env.handlers.RegisterJobHandler("undo-reserve", undo("undo-reserve"))
	env.handlers.RegisterJobHandler("undo-charge", undo("undo-charge"))

	inst := env.createAndStart(sagaDef(1))
	env.drain()

	inst = env.instance(inst.ID)
	if inst.Status != api.WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", inst.Status)
	}

	// Most recently executed step rolls back first.
	if len(undone) != 2 || undone[0] != "undo-charge" || undone[1] != "undo-reserve" {
		t.Fatalf("compensation order = %v, want [undo-charge undo-reserve]", undone)
	}

	comps, err := env.store.ListCompensationRuns(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 2 {
		t.Fatalf("compensation runs = %d, want 2", len(comps))
	}
	if comps[0].StepKey != "charge" || comps[0].ExecutionOrder != 0 {
		t.Fatalf("first run = %s order %d", comps[0].StepKey, comps[0].ExecutionOrder)
	}
	if comps[1].StepKey != "reserve" || comps[1].ExecutionOrder != 1 {
		t.Fatalf("second run = %s order %d", comps[1].StepKey, comps[1].ExecutionOrder)
	}
	for _, c := range comps {
		if c.Status != api.CompensationSucceeded {
			t.Fatalf("run %s status = %s, want SUCCEEDED", c.StepKey, c.Status)
		}
	}
}

func TestCompensationRetriesWithinBudget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.handlers.RegisterJobHandler("reserve", staticHandler(api.ValueOutput{Kind: "reservation", Value: "r"}, nil))
	env.handlers.RegisterJobHandler("charge", staticHandler(api.ValueOutput{Kind: "payment", Value: "p"}, nil))
	env.handlers.RegisterJobHandler("ship", staticHandler(nil, errHandlerBoom))
	env.handlers.RegisterJobHandler("undo-charge", failNTimes(1, nil))
	env.handlers.RegisterJobHandler("undo-reserve", staticHandler(nil, nil))

	inst := env.createAndStart(sagaDef(2))
	env.drain()

	comps, err := env.store.ListCompensationRuns(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 2 {
		t.Fatalf("compensation runs = %d, want 2", len(comps))
	}
	charge := comps[0]
	if charge.StepKey != "charge" || charge.Status != api.CompensationSucceeded {
		t.Fatalf("charge compensation = %s/%s", charge.StepKey, charge.Status)
	}
	if charge.Attempt != 2 {
		t.Fatalf("charge compensation attempts = %d, want 2", charge.Attempt)
	}
	if comps[1].Status != api.CompensationSucceeded {
		t.Fatalf("reserve compensation status = %s, want SUCCEEDED", comps[1].Status)
	}
}

func TestCompensationExhaustionHaltsChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.handlers.RegisterJobHandler("reserve", staticHandler(api.ValueOutput{Kind: "reservation", Value: "r"}, nil))
	env.handlers.RegisterJobHandler("charge", staticHandler(api.ValueOutput{Kind: "payment", Value: "p"}, nil))
	env.handlers.RegisterJobHandler("ship", staticHandler(nil, errHandlerBoom))
	env.handlers.RegisterJobHandler("undo-charge", staticHandler(nil, errHandlerBoom))
	env.handlers.RegisterJobHandler("undo-reserve", staticHandler(nil, nil))

	inst := env.createAndStart(sagaDef(1))
	env.drain()

	// The exhausted run halts the chain; the later run never dispatches.
	comps, err := env.store.ListCompensationRuns(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 2 {
		t.Fatalf("compensation runs = %d, want 2", len(comps))
	}
	if comps[0].Status != api.CompensationFailed {
		t.Fatalf("charge compensation status = %s, want FAILED", comps[0].Status)
	}
	if comps[0].FailureMessage == "" {
		t.Fatal("exhausted run must record the failure message")
	}
	if comps[1].Status != api.CompensationPending {
		t.Fatalf("reserve compensation status = %s, want PENDING", comps[1].Status)
	}
}

func TestCompensationOutcomeAfterFullRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.handlers.RegisterJobHandler("reserve", staticHandler(api.ValueOutput{Kind: "reservation", Value: "r"}, nil))
	env.handlers.RegisterJobHandler("charge", staticHandler(api.ValueOutput{Kind: "payment", Value: "p"}, nil))
	env.handlers.RegisterJobHandler("ship", staticHandler(nil, errHandlerBoom))
	env.handlers.RegisterJobHandler("undo-charge", staticHandler(nil, nil))
	env.handlers.RegisterJobHandler("undo-reserve", staticHandler(nil, nil))

	inst := env.createAndStart(sagaDef(1))
	env.drain()

	state, err := env.orch.CompensationOutcome(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != CompensationComplete {
		t.Fatalf("outcome = %s, want COMPLETE", state)
	}
}

func TestCompensationOutcomeAfterExhaustedRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.handlers.RegisterJobHandler("reserve", staticHandler(api.ValueOutput{Kind: "reservation", Value: "r"}, nil))
	env.handlers.RegisterJobHandler("charge", staticHandler(api.ValueOutput{Kind: "payment", Value: "p"}, nil))
	env.handlers.RegisterJobHandler("ship", staticHandler(nil, errHandlerBoom))
	env.handlers.RegisterJobHandler("undo-charge", staticHandler(nil, errHandlerBoom))
	env.handlers.RegisterJobHandler("undo-reserve", staticHandler(nil, nil))

	inst := env.createAndStart(sagaDef(1))
	env.drain()

	// The halted chain leaves the reserve run pending; the rollback still
	// reads as partially failed, never as complete.
	state, err := env.orch.CompensationOutcome(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != CompensationPartiallyFailed {
		t.Fatalf("outcome = %s, want PARTIALLY_FAILED", state)
	}
}

func TestCompensationOutcomeWithoutRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.succeedWith(api.ValueOutput{Kind: "done", Value: true})
	def := api.WorkflowDefinition{Key: "order", Version: "1.0.0",
		Steps: []api.StepDefinition{okStep("only")}}
	inst := env.createAndStart(def)
	env.drain()

	state, err := env.orch.CompensationOutcome(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != CompensationNone {
		t.Fatalf("outcome = %s, want NONE", state)
	}
}

func TestNoCompensationWithoutSucceededSteps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.handlers.RegisterJobHandler("reserve", staticHandler(nil, errHandlerBoom))

	def := api.WorkflowDefinition{
		Key:     "order",
		Version: "1.0.0",
		Steps: []api.StepDefinition{
			api.SingleJobStep{StepConfig: api.StepConfig{
				Key: "reserve", JobClass: "reserve", CompensationJobClass: "undo-reserve",
			}},
		},
	}
	inst := env.createAndStart(def)
	env.drain()

	if got := env.instance(inst.ID).Status; got != api.WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", got)
	}
	comps, err := env.store.ListCompensationRuns(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 0 {
		t.Fatalf("compensation runs = %d, want 0", len(comps))
	}
}

func TestStepsWithoutCompensationClassAreNotCompensated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.handlers.RegisterJobHandler("audit", staticHandler(nil, nil))
	env.handlers.RegisterJobHandler("ship", staticHandler(nil, errHandlerBoom))

	def := api.WorkflowDefinition{
		Key:     "order",
		Version: "1.0.0",
		Steps: []api.StepDefinition{
			api.SingleJobStep{StepConfig: api.StepConfig{Key: "audit", JobClass: "audit"}},
			api.SingleJobStep{StepConfig: api.StepConfig{Key: "ship", JobClass: "ship"}},
		},
	}
	inst := env.createAndStart(def)
	env.drain()

	comps, err := env.store.ListCompensationRuns(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 0 {
		t.Fatalf("compensation runs = %d, want 0", len(comps))
	}
}
