package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"houndflow.list_workflows", "List stored workflows"},
		{"houndflow.get_workflow", "Get a stored workflow definition"},
		{"houndflow.import_workflow", "Validate and store a workflow definition"},
		{"houndflow.export_workflow", "Export a stored workflow as a portable JSON document"},
		{"houndflow.run_workflow", "Execute a stored workflow"},
		{"houndflow.execution_status", "Get the status of a live or saved execution"},
		{"houndflow.cancel_execution", "Cancel a running execution"},
		{"houndflow.list_executions", "List saved executions, newest first"},
	}

	s := NewServer(ServerDeps{})
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
