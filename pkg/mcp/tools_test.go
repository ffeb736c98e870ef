package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardsafe/gatekeeper/internal/engine"
	"github.com/hazardsafe/gatekeeper/internal/pipeline"
	"github.com/hazardsafe/gatekeeper/internal/sandbox"
	"github.com/hazardsafe/gatekeeper/internal/store"
	"github.com/hazardsafe/gatekeeper/internal/validation"
)

const testPolicy = `
result = scenario.ambient_temperature_c <= 38.0
reason = "temperature check against 38C limit"
`

func newTestServer(t *testing.T) *GateServer {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := engine.New(st, logger)

	validator, err := validation.NewScenarioValidator()
	require.NoError(t, err)
	projector, err := pipeline.NewContextProjector("")
	require.NoError(t, err)
	guard, err := pipeline.NewReviewGuard("")
	require.NoError(t, err)

	producer := pipeline.PolicyProducerFunc(func(context.Context, map[string]any) (string, error) {
		return testPolicy, nil
	})

	p := pipeline.New(machine, sandbox.New(), producer, validator, projector, guard, logger)

	return NewGateServer(GateServerDeps{
		Pipeline: p,
		Store:    st,
		Logger:   logger,
	})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func validScenario() map[string]any {
	return map[string]any{
		"material_class":        "Class 7",
		"package_type":          "Type B(U)",
		"ambient_temperature_c": 21.5,
		"transport_index":       0.5,
	}
}

func submitScenario(t *testing.T, s *GateServer, scenarioID string) string {
	t.Helper()

	req := buildRequest("gatekeeper.submit", map[string]any{
		"scenario_id": scenarioID,
		"scenario":    validScenario(),
	})
	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var summary map[string]any
	unmarshalResult(t, result, &summary)
	id, ok := summary["workflow_id"].(string)
	require.True(t, ok)
	return id
}

// --- Tests ---

func TestSubmitTool(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("gatekeeper.submit", map[string]any{
		"scenario_id": "SCN-1",
		"scenario":    validScenario(),
	})
	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var summary map[string]any
	unmarshalResult(t, result, &summary)
	assert.Equal(t, "SCN-1", summary["scenario_id"])
	assert.Equal(t, "PENDING_REVIEW", summary["status"])
	assert.Equal(t, true, summary["compliant"])
	assert.NotEmpty(t, summary["workflow_id"])
}

func TestSubmitTool_MissingArguments(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleSubmit(context.Background(), buildRequest("gatekeeper.submit", map[string]any{
		"scenario": validScenario(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleSubmit(context.Background(), buildRequest("gatekeeper.submit", map[string]any{
		"scenario_id": "SCN-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSubmitTool_InvalidScenario(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleSubmit(context.Background(), buildRequest("gatekeeper.submit", map[string]any{
		"scenario_id": "SCN-1",
		"scenario":    map[string]any{"package_type": "Type A"},
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "VALIDATION_ERROR")
}

func TestPendingTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	submitScenario(t, s, "SCN-1")
	submitScenario(t, s, "SCN-2")

	result, err := s.handlePending(ctx, buildRequest("gatekeeper.pending", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Count     int              `json:"count"`
		Workflows []map[string]any `json:"workflows"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, 2, out.Count)
	require.Len(t, out.Workflows, 2)
}

func TestInspectTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	id := submitScenario(t, s, "SCN-1")

	result, err := s.handleInspect(ctx, buildRequest("gatekeeper.inspect", map[string]any{
		"workflow_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Workflow store.Workflow   `json:"workflow"`
		Audit    []map[string]any `json:"audit"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, id, out.Workflow.ID)
	require.NotNil(t, out.Workflow.Decision)
	assert.True(t, out.Workflow.Decision.Compliant)
	assert.Len(t, out.Workflow.History, 1)
	assert.Nil(t, out.Audit, "audit omitted unless requested")
}

func TestInspectTool_IncludeAudit(t *testing.T) {
	s := newTestServer(t)

	id := submitScenario(t, s, "SCN-1")

	result, err := s.handleInspect(context.Background(), buildRequest("gatekeeper.inspect", map[string]any{
		"workflow_id":   id,
		"include_audit": "true",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Audit []map[string]any `json:"audit"`
	}
	unmarshalResult(t, result, &out)
	require.NotEmpty(t, out.Audit)
}

func TestInspectTool_NotFound(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleInspect(context.Background(), buildRequest("gatekeeper.inspect", map[string]any{
		"workflow_id": "missing",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

func TestApproveTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	id := submitScenario(t, s, "SCN-1")

	result, err := s.handleApprove(ctx, buildRequest("gatekeeper.approve", map[string]any{
		"workflow_id": id,
		"reviewer":    "alice",
		"comments":    "verified against manifest",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "APPROVED", out["status"])

	wf, wfErr := s.pipeline.Inspect(ctx, id)
	require.NoError(t, wfErr)
	assert.Equal(t, "alice", wf.Reviewer)
	assert.Equal(t, "verified against manifest", wf.ReviewerComments)
}

func TestApproveTool_RequiresReviewer(t *testing.T) {
	s := newTestServer(t)

	id := submitScenario(t, s, "SCN-1")

	result, err := s.handleApprove(context.Background(), buildRequest("gatekeeper.approve", map[string]any{
		"workflow_id": id,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRejectTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	id := submitScenario(t, s, "SCN-1")

	result, err := s.handleReject(ctx, buildRequest("gatekeeper.reject", map[string]any{
		"workflow_id": id,
		"reviewer":    "bob",
		"comments":    "paperwork incomplete",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	wf, wfErr := s.pipeline.Inspect(ctx, id)
	require.NoError(t, wfErr)
	assert.Equal(t, "REJECTED", string(wf.Status))
}

func TestDecisionTool_TerminalWorkflow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	id := submitScenario(t, s, "SCN-1")

	result, err := s.handleApprove(ctx, buildRequest("gatekeeper.approve", map[string]any{
		"workflow_id": id,
		"reviewer":    "alice",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	// A second decision on the same workflow is refused.
	result, err = s.handleReject(ctx, buildRequest("gatekeeper.reject", map[string]any{
		"workflow_id": id,
		"reviewer":    "bob",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatsTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	first := submitScenario(t, s, "SCN-1")
	submitScenario(t, s, "SCN-2")

	_, err := s.handleApprove(ctx, buildRequest("gatekeeper.approve", map[string]any{
		"workflow_id": first,
		"reviewer":    "alice",
	}))
	require.NoError(t, err)

	result, err := s.handleStats(ctx, buildRequest("gatekeeper.stats", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 1, out.ByStatus["APPROVED"])
	assert.Equal(t, 1, out.ByStatus["PENDING_REVIEW"])
	assert.Equal(t, 0, out.ByStatus["DRAFT"])
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
