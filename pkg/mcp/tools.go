package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/houndflow/internal/manager"
	"github.com/rendis/houndflow/internal/store"
)

const defaultExecutionLimit = 50

// failed is the tool-level error result for a failed operation. Protocol
// errors are reserved for transport problems.
func failed(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

// idArg reads a required id argument, or returns the error result to send.
func idArg(req mcp.CallToolRequest, key string) (string, *mcp.CallToolResult) {
	id, err := req.RequireString(key)
	if err != nil || id == "" {
		return "", mcp.NewToolResultError(key + " is required")
	}
	return id, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return failed("encode result", err), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func (s *Server) handleListWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		workflows any
		err       error
	)
	if query := req.GetString("query", ""); query != "" {
		workflows, err = s.catalog.Search(ctx, query)
	} else {
		workflows, err = s.catalog.List(ctx, manager.Filter{
			Category: req.GetString("category", ""),
			Tag:      req.GetString("tag", ""),
		})
	}
	if err != nil {
		return failed("list", err), nil
	}
	return jsonResult(map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := idArg(req, "workflow_id")
	if bad != nil {
		return bad, nil
	}
	wf, err := s.catalog.Get(ctx, id)
	switch {
	case err != nil:
		return failed("lookup", err), nil
	case wf == nil:
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q not found", id)), nil
	}
	return jsonResult(wf)
}

// handleImportWorkflow validates and stores a definition under a fresh id.
func (s *Server) handleImportWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def := mcp.ParseStringMap(req, "definition", nil)
	if def == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	data, err := json.Marshal(def)
	if err != nil {
		return failed("encode definition", err), nil
	}
	wf, err := s.catalog.Import(ctx, data)
	if err != nil {
		return failed("import", err), nil
	}
	return jsonResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"version":     wf.Version,
	})
}

func (s *Server) handleExportWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := idArg(req, "workflow_id")
	if bad != nil {
		return bad, nil
	}
	data, err := s.catalog.Export(ctx, id)
	if err != nil {
		return failed("export", err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleRunWorkflow runs a stored workflow and waits for it, unless async is
// set: then the execution id comes back at once and the caller's session is
// notified as the run progresses and ends.
func (s *Server) handleRunWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := idArg(req, "workflow_id")
	if bad != nil {
		return bad, nil
	}
	vars := mcp.ParseStringMap(req, "variables", nil)

	if !req.GetBool("async", false) {
		res, err := s.runs.RunWorkflow(ctx, id, vars)
		if err != nil {
			return failed("workflow execution", err), nil
		}
		return jsonResult(res)
	}

	executionID, err := s.runs.Start(ctx, id, vars)
	if err != nil {
		return failed("workflow execution", err), nil
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
	go s.notifyWhenDone(executionID)

	return jsonResult(map[string]any{
		"execution_id": executionID,
		"workflow_id":  id,
		"status":       "pending",
	})
}

// notifyWhenDone sends the final status of an async run to its session.
func (s *Server) notifyWhenDone(executionID string) {
	ctx := context.Background()
	defer s.sessions.Forget(executionID)

	payload := map[string]any{"execution_id": executionID}
	if res, err := s.runs.Wait(ctx, executionID); err != nil {
		payload["error"] = err.Error()
	} else {
		payload["status"] = res.Status
		payload["executed_steps"] = res.ExecutedSteps
		if res.Error != nil {
			payload["error"] = res.Error.Message
		}
	}
	if err := s.notifier.Notify(ctx, executionID, payload); err != nil {
		s.logger.Warn("run notification failed", "execution_id", executionID, "error", err)
	}
}

func (s *Server) handleExecutionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := idArg(req, "execution_id")
	if bad != nil {
		return bad, nil
	}
	status, err := s.runs.Status(ctx, id)
	if err != nil {
		return failed("status query", err), nil
	}
	return jsonResult(status)
}

func (s *Server) handleCancelExecution(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := idArg(req, "execution_id")
	if bad != nil {
		return bad, nil
	}
	if err := s.runs.Cancel(id); err != nil {
		return failed("cancel", err), nil
	}
	return jsonResult(map[string]any{"ok": true, "execution_id": id})
}

func (s *Server) handleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.executions == nil {
		return mcp.NewToolResultError("execution history is not available"), nil
	}
	runs, err := s.executions.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Status:     req.GetString("status", ""),
		Limit:      req.GetInt("limit", defaultExecutionLimit),
	})
	if err != nil {
		return failed("query", err), nil
	}
	return jsonResult(map[string]any{"executions": runs})
}
