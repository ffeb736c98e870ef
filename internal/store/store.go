package store

import (
	"context"

	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows. Rows are never deleted; history is the permanent audit
	// trail of how a workflow reached its current status.
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// TransitionWorkflow applies update to the workflow iff its current
	// status still equals from (compare-and-swap). Status and history land
	// in one row write. Returns NOT_FOUND if the id does not resolve and
	// INVALID_TRANSITION if the guard fails, so racing writers get exactly
	// one winner.
	TransitionWorkflow(ctx context.Context, id string, from schema.WorkflowStatus, update TransitionUpdate) error

	// Provenance log (append-only).
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
	GetAuditEvents(ctx context.Context, workflowID string, since int64) ([]*AuditEvent, error)
	GetAuditEventsByType(ctx context.Context, eventType string, filter AuditFilter) ([]*AuditEvent, error)

	// Maintenance and lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
