package api

import (
	"encoding/gob"
	"fmt"
)

func init() {
	gob.Register(ItemListOutput{})
	gob.Register(ValueOutput{})
	gob.Register([]BranchKey{})
}

// OutputType keys step outputs within a workflow.
type OutputType string

// StepOutput is a value produced by a step, stored per (workflow, type).
// Concrete types must be gob-encodable and registered with gob.Register,
// the same way queue payloads are.
type StepOutput interface {
	Type() OutputType
}

// MergeableOutput is a StepOutput that can absorb partial results from
// concurrent fan-out jobs. The engine guarantees that Merge runs under an
// exclusive lock on the stored value, but the final result is independent
// of arrival order only if Merge is commutative and associative. That is
// the implementing type's obligation, not the engine's.
type MergeableOutput interface {
	StepOutput
	Merge(other StepOutput) (StepOutput, error)
}

// OutputReader is the read-only view of a workflow's outputs handed to
// conditions and item iterators.
type OutputReader interface {
	Find(typ OutputType) (StepOutput, bool)
	Has(typ OutputType) bool
}

// ValueOutput is a plain, non-mergeable output wrapping a single value.
// Replace-on-write: last writer wins, so it must not be produced by
// concurrent fan-out jobs.
type ValueOutput struct {
	Kind  OutputType
	Value any
}

func (o ValueOutput) Type() OutputType { return o.Kind }

// ItemListOutput is a mergeable output that accumulates items by appending.
// Append is associative but not commutative, so concurrent mergers converge
// on the same element set while the order reflects arrival.
type ItemListOutput struct {
	Kind  OutputType
	Items []any
}

func (o ItemListOutput) Type() OutputType { return o.Kind }

// Merge implements MergeableOutput.
func (o ItemListOutput) Merge(other StepOutput) (StepOutput, error) {
	l, ok := other.(ItemListOutput)
	if !ok {
		return nil, fmt.Errorf("cannot merge %T into ItemListOutput", other)
	}
	merged := ItemListOutput{Kind: o.Kind}
	merged.Items = append(merged.Items, o.Items...)
	merged.Items = append(merged.Items, l.Items...)
	return merged, nil
}
