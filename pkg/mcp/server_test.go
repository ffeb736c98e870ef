package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGateServer(t *testing.T) {
	s := NewGateServer(GateServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewGateServer(GateServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"gatekeeper.submit",
		"gatekeeper.pending",
		"gatekeeper.inspect",
		"gatekeeper.approve",
		"gatekeeper.reject",
		"gatekeeper.stats",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"submit", "gatekeeper.submit", "Submit a scenario for policy evaluation and human review"},
		{"pending", "gatekeeper.pending", "List workflows awaiting human review"},
		{"inspect", "gatekeeper.inspect", "Get a workflow record with its decision and transition history"},
		{"approve", "gatekeeper.approve", "Record a human approval on a pending workflow"},
		{"reject", "gatekeeper.reject", "Record a human rejection on a pending workflow"},
		{"stats", "gatekeeper.stats", "Count workflows per status"},
	}

	s := NewGateServer(GateServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
