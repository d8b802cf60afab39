// Package api contains the core building blocks of the stateflow
// orchestration engine: the entities of the execution ledger, their state
// machines, and the contracts that workflow definitions and job handlers
// implement.
//
// Most users interact with the higher-level stateflow package, which
// re-exports selected types and helpers from this package. The api package
// is intended for advanced use cases, custom integrations, or contributors
// extending the engine itself.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - Workflow instances and their status state machine
//   - Step runs, job records and compensation runs (the execution ledger)
//   - Workflow definitions: single, fan-out and polling steps
//   - Step outputs, including mergeable outputs for fan-out aggregation
//   - Observability hooks
//
// # The Ledger
//
// A WorkflowInstance is the aggregate root; StepRun, JobRecord,
// CompensationRun and the audit records are scoped to it. Every entity moves
// through an explicit status state machine, and every mutating method
// validates its transition, returning *InvalidTransitionError when the move
// is not allowed. Finalization of shared entities additionally goes through
// the repository layer's conditional updates so that concurrent reporters
// race safely: losers observe a false return, never an error.
//
// # Definitions
//
// A WorkflowDefinition is an ordered list of StepDefinition values,
// identified by key and version. Steps come in three kinds: SingleJobStep
// dispatches one job, FanOutStep dispatches one job per item and finalizes
// by completion criteria, PollingStep re-dispatches on an interval until the
// awaited condition holds. Conditions (StepCondition, BranchCondition,
// ResumeCondition, TerminationCondition) read accumulated outputs through
// the OutputReader view.
package api
