package stateflow

import (
	"fmt"
	"time"

	"github.com/okonecny/stateflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	flow := stateflow.NewFlow("fulfill-order", "1.0.0").
//	    Step(stateflow.StepConfig{Key: "reserve-stock", JobClass: "reserve-stock"}).
//	    FanOut(stateflow.StepConfig{Key: "ship-parcels", JobClass: "ship-parcel"},
//	        parcelItems, 4, stateflow.CriteriaAll).
//	    Step(stateflow.StepConfig{Key: "send-receipt", JobClass: "send-receipt"})
//
//	if err := flow.Register(engine.Registry()); err != nil {
//	    log.Fatal(err)
//	}
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// NewFlow creates a builder for a workflow definition with the given key and
// version.
func NewFlow(key, version string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Key:     key,
			Version: version,
			Steps:   make([]api.StepDefinition, 0),
		},
	}
}

// Key returns the workflow key.
func (b *FlowBuilder) Key() string { return b.def.Key }

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() WorkflowDefinition { return b.def }

func validateStepConfig(cfg StepConfig) {
	if cfg.Key == "" {
		panic("stateflow: step key must not be empty")
	}
	if cfg.JobClass == "" {
		panic(fmt.Sprintf("stateflow: step %q has no job class", cfg.Key))
	}
}

// Step appends a single-job step.
func (b *FlowBuilder) Step(cfg StepConfig) *FlowBuilder {
	validateStepConfig(cfg)
	b.def.Steps = append(b.def.Steps, api.SingleJobStep{StepConfig: cfg})
	return b
}

// FanOut appends a fan-out step: one job per item from the iterator, at most
// parallelism in flight at a time (<= 0 means all at once), finalized by the
// completion criteria.
func (b *FlowBuilder) FanOut(cfg StepConfig, items api.ItemIteratorFactory, parallelism int, criteria CompletionCriteria) *FlowBuilder {
	validateStepConfig(cfg)
	if items == nil {
		panic(fmt.Sprintf("stateflow: fan-out step %q has nil item iterator", cfg.Key))
	}
	if criteria == nil {
		panic(fmt.Sprintf("stateflow: fan-out step %q has nil criteria", cfg.Key))
	}
	b.def.Steps = append(b.def.Steps, api.FanOutStep{
		StepConfig:       cfg,
		Items:            items,
		ParallelismLimit: parallelism,
		Criteria:         criteria,
	})
	return b
}

// Poll appends a polling step driven by the given poll configuration.
func (b *FlowBuilder) Poll(cfg StepConfig, poll PollConfiguration) *FlowBuilder {
	validateStepConfig(cfg)
	if poll.BaseInterval <= 0 {
		panic(fmt.Sprintf("stateflow: polling step %q needs a base interval", cfg.Key))
	}
	b.def.Steps = append(b.def.Steps, api.PollingStep{StepConfig: cfg, Poll: poll})
	return b
}

// ResumeOn sets the condition evaluated when an external trigger arrives for
// a paused instance of this workflow.
func (b *FlowBuilder) ResumeOn(cond api.ResumeCondition) *FlowBuilder {
	b.def.Resume = cond
	return b
}

// TerminateWhen sets the early-termination condition, evaluated after each
// successful step.
func (b *FlowBuilder) TerminateWhen(cond api.TerminationCondition) *FlowBuilder {
	b.def.Termination = cond
	return b
}

// Register validates the built definition and registers it.
func (b *FlowBuilder) Register(reg *Registry) error {
	return reg.Register(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(reg *Registry) {
	if err := b.Register(reg); err != nil {
		panic(err)
	}
}

// RetryBuilder provides a fluent way to construct RetryConfiguration values
// for StepConfig.Retry.
type RetryBuilder struct {
	cfg RetryConfiguration
}

// Retry creates a RetryBuilder with the given maxAttempts. The count
// includes the first attempt; maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{cfg: RetryConfiguration{MaxAttempts: maxAttempts}}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - base is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(base time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	c := r.cfg
	c.BaseDelay = base
	c.MaxDelay = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	c.Multiplier = multiplier
	return RetryBuilder{cfg: c}
}

// WithConstantBackoff configures a constant delay between retries.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	c := r.cfg
	c.BaseDelay = delay
	c.MaxDelay = 0
	c.Multiplier = 1.0
	return RetryBuilder{cfg: c}
}

// Immediate disables any delay between retries. Retries still respect
// MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	c := r.cfg
	c.BaseDelay = 0
	c.MaxDelay = 0
	c.Multiplier = 0
	return RetryBuilder{cfg: c}
}

// Configuration returns the built RetryConfiguration.
func (r RetryBuilder) Configuration() RetryConfiguration {
	return r.cfg
}
