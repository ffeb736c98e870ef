package schema

import "encoding/json"

// WorkflowStatus represents the lifecycle state of an approval workflow.
// Values are persisted verbatim; nothing outside this enumeration may ever
// be written to the store.
type WorkflowStatus string

const (
	StatusDraft         WorkflowStatus = "DRAFT"
	StatusPendingReview WorkflowStatus = "PENDING_REVIEW"
	StatusApproved      WorkflowStatus = "APPROVED"
	StatusRejected      WorkflowStatus = "REJECTED"
	StatusTimeout       WorkflowStatus = "TIMEOUT"
	StatusCancelled     WorkflowStatus = "CANCELLED"
)

// AllStatuses lists every legal workflow status.
var AllStatuses = []WorkflowStatus{
	StatusDraft,
	StatusPendingReview,
	StatusApproved,
	StatusRejected,
	StatusTimeout,
	StatusCancelled,
}

// Valid reports whether s is a member of the status enumeration.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingReview, StatusApproved, StatusRejected, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Audit event types for the append-only provenance log.
const (
	EventWorkflowCreated = "WORKFLOW_CREATED"
	EventReviewTriggered = "HITL_TRIGGERED"
	EventReviewApproved  = "HITL_APPROVED"
	EventReviewRejected  = "HITL_REJECTED"
	EventReviewTimeout   = "HITL_TIMEOUT"
	EventWorkflowCancel  = "WORKFLOW_CANCELLED"
)

// Decision is the automated verdict attached to a workflow when it enters
// review. Immutable once attached.
type Decision struct {
	Compliant      bool            `json:"compliant"`
	Reason         string          `json:"reason"`
	PolicyCode     string          `json:"policy_code,omitempty"`
	CapturedOutput string          `json:"captured_output,omitempty"`
	AutoApprovable bool            `json:"auto_approvable,omitempty"`
	Undecidable    bool            `json:"undecidable,omitempty"`
	Fault          string          `json:"fault,omitempty"`
	Provenance     json.RawMessage `json:"provenance,omitempty"`
}
