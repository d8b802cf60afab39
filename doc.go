// Package stateflow provides a durable workflow orchestration engine for Go.
//
// Stateflow coordinates long-running, multi-step business processes whose
// actual work runs on distributed workers. Every state change is written to
// a persistent ledger before anything is dispatched, so a crashed process
// picks up exactly where it left off, and concurrent reporters settle every
// race through conditional writes instead of application-level locking.
//
// # Core Concepts
//
// The programming model has four moving parts:
//
//  1. Engine
//  2. Worker
//  3. FlowBuilder
//  4. Job handlers
//
// # Engine
//
// The Engine owns workflow progression. It creates and starts instances,
// dispatches jobs through the task queue, absorbs worker reports, and
// applies the per-step failure policies: retry with backoff, pause for
// manual resolution, skip, accept partial fan-out success, or fail the
// workflow and run saga compensation in reverse order.
//
// Engines can be backed by different storage:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability, ledger and queue in one database)
//   - Postgres (with optional Redis-backed locks for multi-replica setups)
//
// # Worker
//
// A Worker pulls dispatched tasks from the queue, runs the registered
// handler for the task's job class, and reports the outcome back. Workers
// hold no workflow state; a worker that dies mid-job is closed out by the
// zombie sweep and the step's failure policy reacts as if the job had
// reported failure.
//
// # FlowBuilder
//
// FlowBuilder is the declarative API for defining workflows:
//
//	stateflow.NewFlow("fulfill-order", "1.0.0").
//	    Step(stateflow.StepConfig{Key: "reserve-stock", JobClass: "reserve-stock"}).
//	    FanOut(stateflow.StepConfig{Key: "ship-parcels", JobClass: "ship-parcel"},
//	        parcelItems, 4, stateflow.CriteriaAll).
//	    Step(stateflow.StepConfig{Key: "send-receipt", JobClass: "send-receipt"})
//
// Steps come in three kinds: single-job, fan-out (one job per item, with a
// completion criteria and an optional parallelism limit) and polling
// (re-dispatched on an interval until the awaited condition holds).
//
// # Job handlers
//
// A JobHandler contains the business logic for one job class:
//
//	type JobHandler interface {
//	    Execute(ctx context.Context, jc JobContext) (StepOutput, error)
//	}
//
// Handlers should be idempotent: the engine guarantees at-most-one ledger
// record per dispatched job, but a task can be executed again after a
// worker crash. Outputs returned by handlers accumulate per workflow and
// feed conditions, fan-out iterators and later steps.
//
// For the full persistence and concurrency model, see pkg/api.
package stateflow
