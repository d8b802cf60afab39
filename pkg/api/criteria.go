package api

// CompletionCriteria decides whether a fan-out step counts as successful
// given how many of its jobs succeeded. Implementations must be pure: the
// orchestrator evaluates the criteria exactly once per finalization
// decision, against a snapshot of the counts, never against a moving tally.
type CompletionCriteria interface {
	Evaluate(succeeded, total int) bool
}

// SuccessCriteria is a fixed fan-out success policy.
type SuccessCriteria string

const (
	// CriteriaAll requires every job to succeed.
	CriteriaAll SuccessCriteria = "ALL"

	// CriteriaMajority requires strictly more than half of the jobs to
	// succeed.
	CriteriaMajority SuccessCriteria = "MAJORITY"

	// CriteriaBestEffort requires at least one success.
	CriteriaBestEffort SuccessCriteria = "BEST_EFFORT"
)

// Evaluate implements CompletionCriteria. A step with no items trivially
// succeeds under every policy.
func (c SuccessCriteria) Evaluate(succeeded, total int) bool {
	if total == 0 {
		return true
	}
	switch c {
	case CriteriaAll:
		return succeeded == total
	case CriteriaMajority:
		return succeeded >= total/2+1
	case CriteriaBestEffort:
		return succeeded >= 1
	default:
		return false
	}
}

// NOfMCriteria requires a minimum number of successes. When fewer items
// exist than required, the requirement is adjusted down to the total, i.e.
// all of them must succeed.
type NOfMCriteria struct {
	MinimumRequired int
}

// NOfM creates an NOfMCriteria.
func NOfM(minimumRequired int) NOfMCriteria {
	return NOfMCriteria{MinimumRequired: minimumRequired}
}

// Evaluate implements CompletionCriteria.
func (c NOfMCriteria) Evaluate(succeeded, total int) bool {
	if total == 0 {
		return true
	}
	required := c.MinimumRequired
	if required > total {
		required = total
	}
	return succeeded >= required
}
