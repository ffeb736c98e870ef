// Package mcp exposes the approval pipeline to reviewer agents over the
// Model Context Protocol. Submitting scenarios, listing pending reviews, and
// recording human decisions are all tool calls; stdio is the only transport.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazardsafe/gatekeeper/internal/pipeline"
	"github.com/hazardsafe/gatekeeper/internal/store"
)

// GateServerDeps holds the dependencies for creating a GateServer.
type GateServerDeps struct {
	Pipeline *pipeline.DecisionPipeline
	Store    store.Store
	Logger   *slog.Logger
}

// GateServer wraps an MCP server with gatekeeper-specific tool handlers.
type GateServer struct {
	pipeline  *pipeline.DecisionPipeline
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewGateServer creates a GateServer with all 6 tools registered.
func NewGateServer(deps GateServerDeps) *GateServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &GateServer{
		pipeline: deps.Pipeline,
		store:    deps.Store,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"gatekeeper",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Gatekeeper is a human-in-the-loop approval pipeline for hazmat transport scenarios. Use gatekeeper.submit to run a scenario through policy evaluation, gatekeeper.pending to list workflows awaiting review, gatekeeper.inspect to examine one workflow with its history, gatekeeper.approve and gatekeeper.reject to record a reviewer decision, and gatekeeper.stats for status counts."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *GateServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *GateServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *GateServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: pendingTool(), Handler: s.handlePending},
		{Tool: inspectTool(), Handler: s.handleInspect},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: rejectTool(), Handler: s.handleReject},
		{Tool: statsTool(), Handler: s.handleStats},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("gatekeeper.submit",
		mcp.WithDescription("Submit a scenario for policy evaluation and human review"),
		mcp.WithString("scenario_id", mcp.Required(), mcp.Description("External correlation key for the scenario")),
		mcp.WithObject("scenario", mcp.Required(), mcp.Description("Scenario payload (material_class is required)")),
	)
}

func pendingTool() mcp.Tool {
	return mcp.NewTool("gatekeeper.pending",
		mcp.WithDescription("List workflows awaiting human review"),
	)
}

func inspectTool() mcp.Tool {
	return mcp.NewTool("gatekeeper.inspect",
		mcp.WithDescription("Get a workflow record with its decision and transition history"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to inspect")),
		mcp.WithString("include_audit", mcp.Description("Include the audit trail (default: false)")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("gatekeeper.approve",
		mcp.WithDescription("Record a human approval on a pending workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to approve")),
		mcp.WithString("reviewer", mcp.Required(), mcp.Description("Identity of the approving reviewer")),
		mcp.WithString("comments", mcp.Description("Reviewer comments")),
	)
}

func rejectTool() mcp.Tool {
	return mcp.NewTool("gatekeeper.reject",
		mcp.WithDescription("Record a human rejection on a pending workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to reject")),
		mcp.WithString("reviewer", mcp.Required(), mcp.Description("Identity of the rejecting reviewer")),
		mcp.WithString("comments", mcp.Description("Reviewer comments explaining the rejection")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("gatekeeper.stats",
		mcp.WithDescription("Count workflows per status"),
	)
}
