package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/weaveline/weft/internal/store"
	"github.com/weaveline/weft/pkg/schema"
)

// handleDefine registers a workflow graph.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphRaw := mcp.ParseStringMap(req, "graph", nil)
	if graphRaw == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}

	graph, err := decodeGraph(graphRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}
	if graph.ID == "" {
		return mcp.NewToolResultError("graph.id is required"), nil
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:        graph.ID,
		Name:      req.GetString("name", graph.Name),
		Graph:     *graph,
		OrgID:     req.GetString("org_id", ""),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if createErr := s.store.CreateWorkflow(ctx, wf); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register workflow: %v", createErr)), nil
	}

	return marshalResult(map[string]any{"workflow_id": wf.ID})
}

// handleStart launches a run of a registered or inline graph.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	graphRaw := mcp.ParseStringMap(req, "graph", nil)

	if workflowID == "" && graphRaw == nil {
		return mcp.NewToolResultError("one of workflow_id or graph is required"), nil
	}

	if callerID := req.GetString("caller_id", ""); callerID != "" {
		s.captureSession(ctx, callerID)
	}

	var graph *schema.WorkflowGraph
	if workflowID != "" {
		wf, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
		}
		graph = &wf.Graph
	} else {
		g, err := decodeGraph(graphRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
		}
		graph = g
	}

	input := schema.Lane{}
	if item := mcp.ParseStringMap(req, "input", nil); item != nil {
		input = schema.Lane{schema.Item(item)}
	}

	handle, err := s.adapter.Start(ctx, graph, input, req.GetString("org_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}

	return marshalResult(handle)
}

// handleStatus reports the five-state status of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	info, statusErr := s.adapter.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(info)
}

// handleSignal delivers an external signal to a run.
func (s *Server) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	sigType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}

	payload := mcp.ParseStringMap(req, "payload", nil)

	// Map the approver to this session so gate resolutions can be pushed back.
	if approver, ok := payload["approver_id"].(string); ok && approver != "" {
		s.captureSession(ctx, approver)
	}

	sig := &schema.Signal{
		Type:    schema.SignalType(sigType),
		NodeID:  req.GetString("node_id", ""),
		Payload: payload,
	}

	if sigErr := s.adapter.Signal(ctx, runID, sig); sigErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("signal failed: %v", sigErr)), nil
	}

	// Echo the post-signal status so an approval response that resolved the
	// gate is visible in one round trip.
	out := map[string]any{
		"ok":     true,
		"run_id": runID,
		"type":   sigType,
	}
	if info, statusErr := s.adapter.Status(ctx, runID); statusErr == nil {
		out["status"] = info.Status
	}
	return marshalResult(out)
}

// handleQuery reads run progress.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	result, queryErr := s.adapter.Query(ctx, runID, req.GetString("name", ""))
	if queryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", queryErr)), nil
	}

	return marshalResult(result)
}

// handleCancel requests cooperative cancellation.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.adapter.Cancel(ctx, runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleTerminate stops a run immediately.
func (s *Server) handleTerminate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if termErr := s.adapter.Terminate(ctx, runID); termErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("terminate failed: %v", termErr)), nil
	}

	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// --- Internal helpers ---

// decodeGraph converts a tool-argument map into a WorkflowGraph.
func decodeGraph(raw map[string]any) (*schema.WorkflowGraph, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var graph schema.WorkflowGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

// captureSession maps a recipient ID to its current MCP session for
// push notifications.
func (s *Server) captureSession(ctx context.Context, recipientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(recipientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
