package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

const defaultLimit = 50

func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	subjectRef, err := req.RequireString("subject_ref")
	if err != nil {
		return mcp.NewToolResultError("subject_ref is required"), nil
	}
	initial := mcp.ParseStringMap(req, "context", nil)

	id, err := s.runtime.StartWorkflow(ctx, definitionID, subjectRef, initial)
	if err != nil && id == "" {
		return toolError("start failed", err), nil
	}
	out := map[string]any{"execution_id": id}
	if err != nil {
		out["warning"] = err.Error()
	}
	return marshalResult(out)
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.runtime.CancelWorkflow(ctx, id); err != nil {
		return toolError("cancel failed", err), nil
	}
	exec, err := s.runtime.GetExecution(ctx, id)
	if err != nil {
		return toolError("cancel succeeded but status lookup failed", err), nil
	}
	return marshalResult(map[string]any{"execution_id": id, "status": exec.Status})
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.runtime.GetExecution(ctx, id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(exec)
}

func (s *Server) handleSteps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	steps, err := s.runtime.ListSteps(ctx, id)
	if err != nil {
		return toolError("steps query failed", err), nil
	}
	return marshalResult(steps)
}

func (s *Server) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := api.ExecutionFilter{
		DefinitionID: req.GetString("definition_id", ""),
		SubjectRef:   req.GetString("subject_ref", ""),
		Limit:        req.GetInt("limit", defaultLimit),
	}
	if st := req.GetString("status", ""); st != "" {
		filter.Statuses = []api.Status{api.Status(st)}
	}
	execs, err := s.runtime.ListExecutions(ctx, filter)
	if err != nil {
		return toolError("executions query failed", err), nil
	}
	return marshalResult(execs)
}

func (s *Server) handleDefinitions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs, err := s.runtime.ListDefinitions(ctx)
	if err != nil {
		return toolError("definitions query failed", err), nil
	}
	type summary struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Version  int    `json:"version"`
		Active   bool   `json:"active"`
		Industry string `json:"industry,omitempty"`
		Nodes    int    `json:"nodes"`
	}
	out := make([]summary, 0, len(defs))
	for _, d := range defs {
		out = append(out, summary{ID: d.ID, Name: d.Name, Version: d.Version, Active: d.Active, Industry: d.Industry, Nodes: len(d.Nodes)})
	}
	return marshalResult(out)
}

func (s *Server) handleDeadLetters(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queue, err := req.RequireString("queue")
	if err != nil {
		return mcp.NewToolResultError("queue is required"), nil
	}
	jobs, err := s.runtime.DeadLetters(ctx, queue, req.GetInt("limit", defaultLimit))
	if err != nil {
		return toolError("dead letter query failed", err), nil
	}
	type deadJob struct {
		ID          string    `json:"id"`
		ExecutionID string    `json:"execution_id"`
		NodeID      string    `json:"node_id"`
		Attempts    int       `json:"attempts"`
		LastError   string    `json:"last_error,omitempty"`
		DeadAt      time.Time `json:"dead_at"`
	}
	out := make([]deadJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, deadJob{ID: j.ID, ExecutionID: j.ExecutionID, NodeID: j.NodeID, Attempts: j.Attempts, LastError: j.LastError, DeadAt: j.DeadAt})
	}
	return marshalResult(out)
}

func (s *Server) handleRedrive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queue, err := req.RequireString("queue")
	if err != nil {
		return mcp.NewToolResultError("queue is required"), nil
	}
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	if err := s.runtime.Redrive(ctx, queue, jobID); err != nil {
		return toolError("redrive failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "queue": queue, "job_id": jobID})
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := api.ErrorCode(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s (%s): %v", prefix, code, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
