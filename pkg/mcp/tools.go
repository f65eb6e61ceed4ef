package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cascade/internal/diagram"
	"github.com/rendis/cascade/internal/store"
)

// handleRun executes the cascade rooted at a node and returns its summary.
func (s *CascadeServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rootNodeID, err := req.RequireString("root_node_id")
	if err != nil {
		return mcp.NewToolResultError("root_node_id is required"), nil
	}
	contextID := req.GetString("context_id", "")
	if contextID == "" {
		contextID = uuid.New().String()
	}

	s.captureSession(ctx, rootNodeID)

	summary, runErr := s.controller.ExecuteCascade(ctx, rootNodeID, contextID)
	if runErr != nil && summary == nil {
		return mcp.NewToolResultError(fmt.Sprintf("cascade failed to start: %v", runErr)), nil
	}

	out := map[string]any{
		"root_node_id": rootNodeID,
		"context_id":   contextID,
		"status":       string(summary.Status),
		"completed":    summary.Completed,
		"skipped":      summary.Skipped,
		"failed":       summary.Failed,
	}
	if summary.DepthLimitReached {
		out["depth_limit_reached"] = true
	}
	if runErr != nil {
		out["error"] = runErr.Error()
	}
	return marshalResult(out)
}

// handlePause suspends a running cascade between nodes.
func (s *CascadeServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleControl(req, "paused", s.controller.Pause)
}

// handleResume clears the pause flag of a cascade.
func (s *CascadeServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleControl(req, "resumed", s.controller.Resume)
}

// handleCancel requests cooperative cancellation of a cascade.
func (s *CascadeServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleControl(req, "cancelling", s.controller.Cancel)
}

func (s *CascadeServer) handleControl(req mcp.CallToolRequest, verb string, op func(string) error) (*mcp.CallToolResult, error) {
	rootNodeID, err := req.RequireString("root_node_id")
	if err != nil {
		return mcp.NewToolResultError("root_node_id is required"), nil
	}
	if opErr := op(rootNodeID); opErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", verb, opErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"root_node_id": rootNodeID,
		"state":        verb,
	})
}

// handleStatus reports the live run state, falling back to the most recent
// trace when no run is active.
func (s *CascadeServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rootNodeID, err := req.RequireString("root_node_id")
	if err != nil {
		return mcp.NewToolResultError("root_node_id is required"), nil
	}

	if status, active := s.controller.Status(rootNodeID); active {
		return marshalResult(map[string]any{
			"root_node_id": rootNodeID,
			"active":       true,
			"status":       string(status),
		})
	}

	traces, listErr := s.store.ListTraces(ctx, store.TraceFilter{RootNodeID: rootNodeID, Limit: 1})
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", listErr)), nil
	}
	out := map[string]any{
		"root_node_id": rootNodeID,
		"active":       false,
	}
	if len(traces) > 0 {
		out["last_trace"] = traces[0]
	}
	return marshalResult(out)
}

// handleNodes lists root nodes or the children of a parent.
func (s *CascadeServer) handleNodes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	parentID := req.GetString("parent_id", "")
	includeExcluded := req.GetString("include_excluded", "true") != "false"

	var nodes []*store.Node
	var err error
	if parentID == "" {
		roots := ""
		nodes, err = s.store.ListNodes(ctx, store.NodeFilter{
			ParentID:        &roots,
			IncludeExcluded: includeExcluded,
		})
	} else {
		nodes, err = s.store.ListChildren(ctx, parentID, includeExcluded)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("node query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"nodes": nodes})
}

// handleTree renders the subtree under a root as a text diagram.
func (s *CascadeServer) handleTree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rootNodeID, err := req.RequireString("root_node_id")
	if err != nil {
		return mcp.NewToolResultError("root_node_id is required"), nil
	}

	model, buildErr := diagram.BuildTree(ctx, s.store, rootNodeID)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tree build failed: %v", buildErr)), nil
	}

	var rendered string
	format := req.GetString("format", "ascii")
	switch format {
	case "ascii":
		rendered = diagram.RenderASCII(model)
	case "mermaid":
		rendered = diagram.RenderMermaid(model)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format: %s", format)), nil
	}
	return mcp.NewToolResultText(rendered), nil
}

// handleTraces queries traces, or one trace with its spans.
func (s *CascadeServer) handleTraces(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if traceID := req.GetString("trace_id", ""); traceID != "" {
		trace, err := s.store.GetTrace(ctx, traceID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trace not found: %v", err)), nil
		}
		spans, err := s.store.ListSpans(ctx, traceID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("span query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"trace": trace, "spans": spans})
	}

	limit := 20
	if raw := req.GetString("limit", ""); raw != "" {
		if n, convErr := strconv.Atoi(raw); convErr == nil && n > 0 {
			limit = n
		}
	}
	traces, err := s.store.ListTraces(ctx, store.TraceFilter{
		RootNodeID: req.GetString("root_node_id", ""),
		Limit:      limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trace query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"traces": traces})
}

// handleSchedule manages recurring cascade runs.
func (s *CascadeServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		return s.createSchedule(ctx, req)
	case "list":
		runs, listErr := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{
			RootNodeID: req.GetString("root_node_id", ""),
		})
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"schedules": runs})
	case "delete":
		scheduleID, idErr := req.RequireString("schedule_id")
		if idErr != nil {
			return mcp.NewToolResultError("schedule_id is required for delete"), nil
		}
		if delErr := s.store.DeleteScheduledRun(ctx, scheduleID); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "schedule_id": scheduleID})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

func (s *CascadeServer) createSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rootNodeID, err := req.RequireString("root_node_id")
	if err != nil {
		return mcp.NewToolResultError("root_node_id is required for create"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required for create"), nil
	}

	// The root must exist before scheduling it.
	if _, nodeErr := s.store.GetNode(ctx, rootNodeID); nodeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("root node lookup failed: %v", nodeErr)), nil
	}

	now := time.Now().UTC()
	var nextRun *time.Time
	if s.scheduler != nil {
		next, cronErr := s.scheduler.CalculateNextRun(cronExpr, now)
		if cronErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", cronErr)), nil
		}
		nextRun = &next
	}

	run := &store.ScheduledRun{
		ID:             uuid.New().String(),
		RootNodeID:     rootNodeID,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRunAt:      nextRun,
		CreatedAt:      now,
	}
	if createErr := s.store.CreateScheduledRun(ctx, run); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create schedule: %v", createErr)), nil
	}
	return marshalResult(map[string]any{
		"schedule_id":  run.ID,
		"root_node_id": rootNodeID,
		"cron":         cronExpr,
		"next_run_at":  run.NextRunAt,
	})
}

// captureSession maps the root node to the calling MCP session so run
// notifications can reach the client.
func (s *CascadeServer) captureSession(ctx context.Context, rootNodeID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(rootNodeID, session.SessionID())
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
