package store

import (
	"time"

	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// Workflow is the persisted representation of an approval workflow.
// One authoritative row per workflow; History is carried on the same row so
// that a status change and its history entry are a single write.
type Workflow struct {
	ID                string                `json:"id"`
	ScenarioID        string                `json:"scenario_id"`
	ScenarioData      map[string]any        `json:"scenario_data"`
	Status            schema.WorkflowStatus `json:"status"`
	Decision          *schema.Decision      `json:"decision,omitempty"`
	Reviewer          string                `json:"reviewer,omitempty"`
	ReviewerComments  string                `json:"reviewer_comments,omitempty"`
	History           []Transition          `json:"history"`
	ReviewTriggeredAt *time.Time            `json:"review_triggered_at,omitempty"`
	DecidedAt         *time.Time            `json:"decided_at,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// Transition is one entry in a workflow's append-only history.
type Transition struct {
	From      schema.WorkflowStatus `json:"from"`
	To        schema.WorkflowStatus `json:"to"`
	Timestamp time.Time             `json:"timestamp"`
	Metadata  map[string]any        `json:"metadata,omitempty"`
}

// TransitionUpdate carries the fields written by a single validated state
// transition. Status and History are always set; the rest depend on the
// transition kind.
type TransitionUpdate struct {
	Status            schema.WorkflowStatus
	History           []Transition
	Decision          *schema.Decision
	Reviewer          string
	ReviewerComments  string
	ReviewTriggeredAt *time.Time
	DecidedAt         *time.Time
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status                *schema.WorkflowStatus
	ScenarioID            string
	ReviewTriggeredBefore *time.Time
	Since                 *time.Time
	Limit                 int
}

// AuditEvent is an immutable entry in the provenance log.
type AuditEvent struct {
	ID         int64          `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Type       string         `json:"event_type"`
	Actor      string         `json:"actor,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   int64          `json:"sequence"`
}

// AuditFilter specifies criteria for listing audit events.
type AuditFilter struct {
	WorkflowID string
	Type       string
	Since      *time.Time
	Limit      int
}
