package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hazardsafe/gatekeeper/internal/logging"
	"github.com/hazardsafe/gatekeeper/internal/store"
	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// ValidTransitions defines the allowed state transitions for approval workflows.
var ValidTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.StatusDraft:         {schema.StatusPendingReview, schema.StatusCancelled},
	schema.StatusPendingReview: {schema.StatusApproved, schema.StatusRejected, schema.StatusTimeout},
	schema.StatusApproved:      {},
	schema.StatusRejected:      {},
	schema.StatusTimeout:       {},
	schema.StatusCancelled:     {},
}

func isValidTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// StateMachine owns the approval workflow lifecycle. It is the only component
// permitted to mutate workflow records; every transition is validated against
// ValidTransitions, appended to the workflow's history, and mirrored into the
// audit log. The guarded store write makes racing terminal transitions
// first-writer-wins.
type StateMachine struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a StateMachine backed by the given store.
func New(s store.Store, logger *slog.Logger) *StateMachine {
	return &StateMachine{store: s, logger: logger}
}

// Create persists a new workflow in DRAFT with an empty history and returns it.
func (m *StateMachine) Create(ctx context.Context, scenarioID string, scenarioData map[string]any) (*store.Workflow, error) {
	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:           uuid.New().String(),
		ScenarioID:   scenarioID,
		ScenarioData: scenarioData,
		Status:       schema.StatusDraft,
		History:      []store.Transition{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	ctx = logging.WithWorkflowID(ctx, wf.ID)
	m.audit(ctx, wf.ID, schema.EventWorkflowCreated, "", map[string]any{
		"scenario_id": scenarioID,
	})
	logging.LogWith(ctx, m.logger).Info("workflow created",
		slog.String("scenario_id", scenarioID))
	return wf, nil
}

// TriggerReview attaches the automated decision and moves DRAFT to
// PENDING_REVIEW. The decision is immutable thereafter.
func (m *StateMachine) TriggerReview(ctx context.Context, id string, decision *schema.Decision) error {
	if decision == nil {
		return schema.NewError(schema.ErrCodeValidation, "decision is required to trigger review").WithWorkflow(id)
	}

	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	history, err := m.appendHistory(wf, schema.StatusPendingReview, now, map[string]any{
		"compliant": decision.Compliant,
	})
	if err != nil {
		return err
	}

	err = m.store.TransitionWorkflow(ctx, id, wf.Status, store.TransitionUpdate{
		Status:            schema.StatusPendingReview,
		History:           history,
		Decision:          decision,
		ReviewTriggeredAt: &now,
	})
	if err != nil {
		return err
	}

	ctx = logging.WithWorkflowID(ctx, id)
	m.audit(ctx, id, schema.EventReviewTriggered, "", map[string]any{
		"scenario_id": wf.ScenarioID,
		"compliant":   decision.Compliant,
		"reason":      decision.Reason,
	})
	logging.LogWith(ctx, m.logger).Info("review triggered",
		slog.Bool("compliant", decision.Compliant))
	return nil
}

// Approve records a human approval on a PENDING_REVIEW workflow.
func (m *StateMachine) Approve(ctx context.Context, id, reviewer, comments string) error {
	return m.resolve(ctx, id, schema.StatusApproved, reviewer, comments, schema.EventReviewApproved)
}

// Reject records a human rejection on a PENDING_REVIEW workflow.
func (m *StateMachine) Reject(ctx context.Context, id, reviewer, comments string) error {
	return m.resolve(ctx, id, schema.StatusRejected, reviewer, comments, schema.EventReviewRejected)
}

func (m *StateMachine) resolve(ctx context.Context, id string, to schema.WorkflowStatus, reviewer, comments, eventType string) error {
	if reviewer == "" {
		return schema.NewError(schema.ErrCodeValidation, "reviewer is required").WithWorkflow(id)
	}

	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	history, err := m.appendHistory(wf, to, now, map[string]any{
		"reviewer": reviewer,
	})
	if err != nil {
		return err
	}

	err = m.store.TransitionWorkflow(ctx, id, wf.Status, store.TransitionUpdate{
		Status:           to,
		History:          history,
		Reviewer:         reviewer,
		ReviewerComments: comments,
		DecidedAt:        &now,
	})
	if err != nil {
		return err
	}

	ctx = logging.WithIDs(ctx, id, reviewer)
	m.audit(ctx, id, eventType, reviewer, map[string]any{
		"scenario_id": wf.ScenarioID,
		"comments":    comments,
	})
	logging.LogWith(ctx, m.logger).Info("workflow resolved", slog.String("status", string(to)))
	return nil
}

// ForceTimeout expires a PENDING_REVIEW workflow. It is idempotent: if the
// workflow already left PENDING_REVIEW the call is a no-op reported as
// ALREADY_TERMINAL, which callers treat as benign rather than a failure.
func (m *StateMachine) ForceTimeout(ctx context.Context, id string) error {
	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeAlreadyTerminal,
			"workflow already in terminal status %s", wf.Status).WithWorkflow(id)
	}

	now := time.Now().UTC()
	history, err := m.appendHistory(wf, schema.StatusTimeout, now, map[string]any{
		"forced_by": "timeout_scheduler",
	})
	if err != nil {
		return err
	}

	err = m.store.TransitionWorkflow(ctx, id, wf.Status, store.TransitionUpdate{
		Status:    schema.StatusTimeout,
		History:   history,
		DecidedAt: &now,
	})
	if err != nil {
		// Lost the race against a human decision: the workflow left
		// PENDING_REVIEW between our read and the guarded write.
		if schema.CodeOf(err) == schema.ErrCodeInvalidTransition {
			return schema.NewErrorf(schema.ErrCodeAlreadyTerminal,
				"timeout lost race, workflow already resolved").WithWorkflow(id).WithCause(err)
		}
		return err
	}

	ctx = logging.WithWorkflowID(ctx, id)
	m.audit(ctx, id, schema.EventReviewTimeout, "timeout_scheduler", map[string]any{
		"scenario_id": wf.ScenarioID,
	})
	logging.LogWith(ctx, m.logger).Warn("workflow timed out awaiting review")
	return nil
}

// Cancel abandons a DRAFT workflow before any decision is attached.
func (m *StateMachine) Cancel(ctx context.Context, id, actor, reason string) error {
	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	meta := map[string]any{}
	if reason != "" {
		meta["reason"] = reason
	}
	history, err := m.appendHistory(wf, schema.StatusCancelled, now, meta)
	if err != nil {
		return err
	}

	err = m.store.TransitionWorkflow(ctx, id, wf.Status, store.TransitionUpdate{
		Status:  schema.StatusCancelled,
		History: history,
	})
	if err != nil {
		return err
	}

	ctx = logging.WithWorkflowID(ctx, id)
	m.audit(ctx, id, schema.EventWorkflowCancel, actor, meta)
	logging.LogWith(ctx, m.logger).Info("workflow cancelled")
	return nil
}

// Get returns the workflow record for id.
func (m *StateMachine) Get(ctx context.Context, id string) (*store.Workflow, error) {
	return m.store.GetWorkflow(ctx, id)
}

// ListByStatus returns all workflows currently in status. Order is
// unspecified; callers that need recency sort themselves.
func (m *StateMachine) ListByStatus(ctx context.Context, status schema.WorkflowStatus) ([]*store.Workflow, error) {
	if !status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", status)
	}
	return m.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &status})
}

// PendingReviewsBefore returns PENDING_REVIEW workflows whose review was
// triggered before cutoff. Used by the timeout scheduler.
func (m *StateMachine) PendingReviewsBefore(ctx context.Context, cutoff time.Time) ([]*store.Workflow, error) {
	status := schema.StatusPendingReview
	return m.store.ListWorkflows(ctx, store.WorkflowFilter{
		Status:                &status,
		ReviewTriggeredBefore: &cutoff,
	})
}

// appendHistory validates the transition and returns the extended history.
// The returned slice is a copy; the workflow's own history is untouched until
// the store write commits.
func (m *StateMachine) appendHistory(wf *store.Workflow, to schema.WorkflowStatus, at time.Time, metadata map[string]any) ([]store.Transition, error) {
	if !isValidTransition(wf.Status, to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid transition: %s -> %s", wf.Status, to).
			WithWorkflow(wf.ID).
			WithDetails(map[string]any{"from": string(wf.Status), "to": string(to)})
	}
	history := make([]store.Transition, len(wf.History), len(wf.History)+1)
	copy(history, wf.History)
	history = append(history, store.Transition{
		From:      wf.Status,
		To:        to,
		Timestamp: at,
		Metadata:  metadata,
	})
	return history, nil
}

// audit mirrors a committed transition into the provenance log. The workflow
// row is authoritative; a failed audit append is logged, not propagated.
func (m *StateMachine) audit(ctx context.Context, workflowID, eventType, actor string, payload map[string]any) {
	err := m.store.AppendAuditEvent(ctx, &store.AuditEvent{
		WorkflowID: workflowID,
		Type:       eventType,
		Actor:      actor,
		Payload:    payload,
	})
	if err != nil {
		logging.LogWith(ctx, m.logger).Error("audit append failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
