package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/manager"
	"github.com/rendis/houndflow/internal/runner"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/internal/streaming"
	"github.com/rendis/houndflow/pkg/schema"
)

// Catalog is the workflow definition surface the server needs.
// *manager.Manager satisfies it.
type Catalog interface {
	Get(ctx context.Context, id string) (*schema.Workflow, error)
	List(ctx context.Context, filter manager.Filter) ([]*schema.Workflow, error)
	Search(ctx context.Context, query string) ([]*schema.Workflow, error)
	Import(ctx context.Context, data []byte) (*schema.Workflow, error)
	Export(ctx context.Context, id string) ([]byte, error)
}

// Runs is the execution surface the server needs. *runner.Runner satisfies it.
type Runs interface {
	RunWorkflow(ctx context.Context, workflowID string, vars map[string]any) (*engine.Result, error)
	Start(ctx context.Context, workflowID string, vars map[string]any) (string, error)
	Wait(ctx context.Context, executionID string) (*engine.Result, error)
	Status(ctx context.Context, executionID string) (*runner.ExecutionStatus, error)
	Cancel(executionID string) error
}

// ExecutionLister lists saved runs. store.Store satisfies it.
type ExecutionLister interface {
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionSummary, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Catalog    Catalog
	Runs       Runs
	Executions ExecutionLister
	// Events, when set, streams status changes of async runs to the
	// session that started them.
	Events     streaming.EventHub
	Logger     *slog.Logger
	Version    string
}

// Server wraps an MCP server with houndflow tool handlers.
type Server struct {
	catalog    Catalog
	runs       Runs
	executions ExecutionLister
	events     streaming.EventHub
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   RunNotifier
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		catalog:    deps.Catalog,
		runs:       deps.Runs,
		executions: deps.Executions,
		events:     deps.Events,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"houndflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Houndflow runs browser-automation workflows. Use houndflow.list_workflows to find a workflow, houndflow.run_workflow to execute it (set async to get an execution id back immediately), houndflow.execution_status to follow a run, and houndflow.import_workflow to register new definitions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.events != nil {
		ch, cancel, err := s.events.Subscribe(ctx, streaming.EventFilter{})
		if err != nil {
			return err
		}
		defer cancel()
		go s.forwardEvents(ch)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// forwardEvents relays non-terminal transitions of async runs until ch is
// closed. The final status is sent by notifyWhenDone.
func (s *Server) forwardEvents(ch <-chan streaming.RunEvent) {
	for e := range ch {
		if e.Terminal() {
			continue
		}
		payload := map[string]any{
			"execution_id": e.ExecutionID,
			"workflow_id":  e.WorkflowID,
			"event":        e.EventType,
			"status":       e.To,
		}
		if err := s.notifier.Notify(context.Background(), e.ExecutionID, payload); err != nil {
			s.logger.Debug("progress notification failed", "execution_id", e.ExecutionID, "error", err)
		}
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
		{Tool: getWorkflowTool(), Handler: s.handleGetWorkflow},
		{Tool: importWorkflowTool(), Handler: s.handleImportWorkflow},
		{Tool: exportWorkflowTool(), Handler: s.handleExportWorkflow},
		{Tool: runWorkflowTool(), Handler: s.handleRunWorkflow},
		{Tool: executionStatusTool(), Handler: s.handleExecutionStatus},
		{Tool: cancelExecutionTool(), Handler: s.handleCancelExecution},
		{Tool: listExecutionsTool(), Handler: s.handleListExecutions},
	}
}

// --- Tool definitions ---

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("houndflow.list_workflows",
		mcp.WithDescription("List stored workflows"),
		mcp.WithString("category", mcp.Description("Only workflows in this category")),
		mcp.WithString("tag", mcp.Description("Only workflows carrying this tag")),
		mcp.WithString("query", mcp.Description("Case-insensitive text search over name, description and tags")),
	)
}

func getWorkflowTool() mcp.Tool {
	return mcp.NewTool("houndflow.get_workflow",
		mcp.WithDescription("Get a stored workflow definition"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func importWorkflowTool() mcp.Tool {
	return mcp.NewTool("houndflow.import_workflow",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow document (name, steps, outputs, ...)")),
	)
}

func exportWorkflowTool() mcp.Tool {
	return mcp.NewTool("houndflow.export_workflow",
		mcp.WithDescription("Export a stored workflow as a portable JSON document"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func runWorkflowTool() mcp.Tool {
	return mcp.NewTool("houndflow.run_workflow",
		mcp.WithDescription("Execute a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("variables", mcp.Description("Initial variables for the run")),
		mcp.WithBoolean("async", mcp.Description("Return the execution id immediately instead of waiting for the result")),
	)
}

func executionStatusTool() mcp.Tool {
	return mcp.NewTool("houndflow.execution_status",
		mcp.WithDescription("Get the status of a live or saved execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func cancelExecutionTool() mcp.Tool {
	return mcp.NewTool("houndflow.cancel_execution",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("houndflow.list_executions",
		mcp.WithDescription("List saved executions, newest first"),
		mcp.WithString("workflow_id", mcp.Description("Only runs of this workflow")),
		mcp.WithString("status", mcp.Description("Only runs in this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 50)")),
	)
}
