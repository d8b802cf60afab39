package persistence

import "github.com/okonecny/stateflow/pkg/api"

// outputSnapshot is a point-in-time api.OutputReader over a copied map.
type outputSnapshot map[api.OutputType]api.StepOutput

func (s outputSnapshot) Find(typ api.OutputType) (api.StepOutput, bool) {
	out, ok := s[typ]
	return out, ok
}

func (s outputSnapshot) Has(typ api.OutputType) bool {
	_, ok := s[typ]
	return ok
}

// mergeOutputValues combines a stored output with an incoming one. A nil or
// non-mergeable stored value is replaced; a mergeable one absorbs the
// incoming output via Merge.
func mergeOutputValues(existing, incoming api.StepOutput) (api.StepOutput, error) {
	if existing == nil {
		return incoming, nil
	}
	m, ok := existing.(api.MergeableOutput)
	if !ok {
		return incoming, nil
	}
	return m.Merge(incoming)
}
