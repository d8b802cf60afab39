package api

import "time"

// BranchKey names one branch of a branching step.
type BranchKey string

// BranchDecisionRecord is the immutable audit record of one branch
// selection. Append-only; deleted only with the workflow.
type BranchDecisionRecord struct {
	ID         string
	WorkflowID string
	StepKey    string
	Branches   []BranchKey
	DecidedAt  time.Time
}

// NewBranchDecisionRecord creates a decision record.
func NewBranchDecisionRecord(workflowID, stepKey string, branches []BranchKey) *BranchDecisionRecord {
	return &BranchDecisionRecord{
		ID:         NewID(),
		WorkflowID: workflowID,
		StepKey:    stepKey,
		Branches:   branches,
		DecidedAt:  time.Now(),
	}
}

// ResolutionAction is the operator's decision for a failure that paused the
// workflow for manual resolution.
type ResolutionAction string

const (
	ResolutionRetryStep     ResolutionAction = "RETRY_STEP"
	ResolutionSkipStep      ResolutionAction = "SKIP_STEP"
	ResolutionFailWorkflow  ResolutionAction = "FAIL_WORKFLOW"
	ResolutionAcceptPartial ResolutionAction = "ACCEPT_PARTIAL"
)

// ResolutionDecisionRecord is the immutable audit record of one manual
// failure resolution.
type ResolutionDecisionRecord struct {
	ID         string
	WorkflowID string
	StepKey    string
	Action     ResolutionAction
	ResolvedBy string
	Note       string
	ResolvedAt time.Time
}

// NewResolutionDecisionRecord creates a resolution record.
func NewResolutionDecisionRecord(workflowID, stepKey string, action ResolutionAction, resolvedBy, note string) *ResolutionDecisionRecord {
	return &ResolutionDecisionRecord{
		ID:         NewID(),
		WorkflowID: workflowID,
		StepKey:    stepKey,
		Action:     action,
		ResolvedBy: resolvedBy,
		Note:       note,
		ResolvedAt: time.Now(),
	}
}

// TriggerPayloadRecord is the immutable audit record of one received
// external trigger payload. The payload must be gob-encodable.
type TriggerPayloadRecord struct {
	ID         string
	WorkflowID string
	TriggerKey string
	Payload    any
	ReceivedAt time.Time
}

// NewTriggerPayloadRecord creates a trigger record.
func NewTriggerPayloadRecord(workflowID, triggerKey string, payload any) *TriggerPayloadRecord {
	return &TriggerPayloadRecord{
		ID:         NewID(),
		WorkflowID: workflowID,
		TriggerKey: triggerKey,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}
