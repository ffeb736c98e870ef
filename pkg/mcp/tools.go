package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hazardsafe/gatekeeper/internal/store"
	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// handleSubmit runs a scenario through policy evaluation into PENDING_REVIEW.
func (s *GateServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scenarioID, err := req.RequireString("scenario_id")
	if err != nil {
		return mcp.NewToolResultError("scenario_id is required"), nil
	}
	scenario := mcp.ParseStringMap(req, "scenario", nil)
	if scenario == nil {
		return mcp.NewToolResultError("scenario is required"), nil
	}

	wf, submitErr := s.pipeline.Submit(ctx, scenarioID, scenario)
	if submitErr != nil {
		return toolError("submit failed", submitErr), nil
	}

	return marshalResult(workflowSummary(wf))
}

// handlePending lists workflows awaiting human review.
func (s *GateServer) handlePending(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending, err := s.pipeline.Pending(ctx)
	if err != nil {
		return toolError("pending query failed", err), nil
	}

	summaries := make([]map[string]any, 0, len(pending))
	for _, wf := range pending {
		summaries = append(summaries, workflowSummary(wf))
	}

	return marshalResult(map[string]any{
		"count":     len(summaries),
		"workflows": summaries,
	})
}

// handleInspect returns a full workflow record, optionally with its audit trail.
func (s *GateServer) handleInspect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, getErr := s.pipeline.Inspect(ctx, workflowID)
	if getErr != nil {
		return toolError("inspect failed", getErr), nil
	}

	result := map[string]any{"workflow": wf}

	if req.GetString("include_audit", "false") == "true" {
		events, auditErr := s.store.GetAuditEvents(ctx, workflowID, 0)
		if auditErr != nil {
			return toolError("audit query failed", auditErr), nil
		}
		result["audit"] = events
	}

	return marshalResult(result)
}

// handleApprove records a human approval.
func (s *GateServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleDecision(ctx, req, schema.StatusApproved)
}

// handleReject records a human rejection.
func (s *GateServer) handleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleDecision(ctx, req, schema.StatusRejected)
}

func (s *GateServer) handleDecision(ctx context.Context, req mcp.CallToolRequest, to schema.WorkflowStatus) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	reviewer, err := req.RequireString("reviewer")
	if err != nil {
		return mcp.NewToolResultError("reviewer is required"), nil
	}
	comments := req.GetString("comments", "")

	var decideErr error
	if to == schema.StatusApproved {
		decideErr = s.pipeline.Approve(ctx, workflowID, reviewer, comments)
	} else {
		decideErr = s.pipeline.Reject(ctx, workflowID, reviewer, comments)
	}
	if decideErr != nil {
		return toolError("decision failed", decideErr), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"status":      to,
		"reviewer":    reviewer,
	})
}

// handleStats counts workflows per status.
func (s *GateServer) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counts := make(map[string]int, len(schema.AllStatuses))
	total := 0
	for _, status := range schema.AllStatuses {
		st := status
		workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &st})
		if err != nil {
			return toolError("stats query failed", err), nil
		}
		counts[string(status)] = len(workflows)
		total += len(workflows)
	}

	return marshalResult(map[string]any{
		"total":     total,
		"by_status": counts,
	})
}

// --- Helpers ---

// workflowSummary is the compact representation returned by submit/pending.
// Inspect returns the full record.
func workflowSummary(wf *store.Workflow) map[string]any {
	out := map[string]any{
		"workflow_id": wf.ID,
		"scenario_id": wf.ScenarioID,
		"status":      wf.Status,
		"created_at":  wf.CreatedAt,
	}
	if wf.Decision != nil {
		out["compliant"] = wf.Decision.Compliant
		out["undecidable"] = wf.Decision.Undecidable
		out["auto_approvable"] = wf.Decision.AutoApprovable
		out["reason"] = wf.Decision.Reason
	}
	if wf.Reviewer != "" {
		out["reviewer"] = wf.Reviewer
	}
	return out
}

// toolError formats an error for the agent, surfacing the taxonomy code so
// callers can distinguish a stale workflow_id from a race they lost.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %v", prefix, schema.CodeOf(err), err))
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
