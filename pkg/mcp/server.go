package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cascade/internal/engine"
	"github.com/rendis/cascade/internal/scheduler"
	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/internal/streaming"
	"github.com/rendis/cascade/pkg/schema"
)

// CascadeController is the engine surface the MCP tools drive.
// Satisfied by the engine orchestrator.
type CascadeController interface {
	ExecuteCascade(ctx context.Context, rootNodeID, contextID string) (*engine.RunSummary, error)
	Pause(rootNodeID string) error
	Resume(rootNodeID string) error
	Cancel(rootNodeID string) error
	Status(rootNodeID string) (schema.RunStatus, bool)
}

// CascadeServerDeps holds the dependencies for creating a CascadeServer.
type CascadeServerDeps struct {
	Controller CascadeController
	Store      store.Store
	Scheduler  *scheduler.Scheduler
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// CascadeServer wraps an MCP server with cascade-specific tool handlers.
type CascadeServer struct {
	controller CascadeController
	store      store.Store
	scheduler  *scheduler.Scheduler
	hub        streaming.EventHub
	logger     *slog.Logger
	sessions   *SessionRegistry
	mcpServer  *server.MCPServer
}

// NewCascadeServer creates a new CascadeServer with all tools registered.
func NewCascadeServer(deps CascadeServerDeps) *CascadeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CascadeServer{
		controller: deps.Controller,
		store:      deps.Store,
		scheduler:  deps.Scheduler,
		hub:        deps.Hub,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"cascade",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Cascade executes hierarchical prompt trees against LLM providers. Use cascade.run to execute a tree, cascade.status to inspect a run, cascade.pause/resume/cancel to control it, cascade.nodes to browse the tree, cascade.traces to audit past runs, and cascade.schedule to manage recurring runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CascadeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CascadeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the registry mapping launched runs to MCP sessions.
func (s *CascadeServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *CascadeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: nodesTool(), Handler: s.handleNodes},
		{Tool: treeTool(), Handler: s.handleTree},
		{Tool: tracesTool(), Handler: s.handleTraces},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("cascade.run",
		mcp.WithDescription("Execute the cascade rooted at a node, level by level. Blocks until the run settles and returns a summary"),
		mcp.WithString("root_node_id", mcp.Required(), mcp.Description("ID of the root node to cascade from")),
		mcp.WithString("context_id", mcp.Description("Conversation context ID (default: a fresh context)")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("cascade.pause",
		mcp.WithDescription("Pause a running cascade between nodes"),
		mcp.WithString("root_node_id", mcp.Required(), mcp.Description("Root node of the run to pause")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("cascade.resume",
		mcp.WithDescription("Resume a paused cascade"),
		mcp.WithString("root_node_id", mcp.Required(), mcp.Description("Root node of the run to resume")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("cascade.cancel",
		mcp.WithDescription("Request cooperative cancellation of a running cascade. The in-flight node finishes; no new node starts"),
		mcp.WithString("root_node_id", mcp.Required(), mcp.Description("Root node of the run to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("cascade.status",
		mcp.WithDescription("Report the live state of a cascade run, or the last trace if no run is active"),
		mcp.WithString("root_node_id", mcp.Required(), mcp.Description("Root node of the run to inspect")),
	)
}

func nodesTool() mcp.Tool {
	return mcp.NewTool("cascade.nodes",
		mcp.WithDescription("List prompt tree nodes: roots by default, or the children of a parent"),
		mcp.WithString("parent_id", mcp.Description("Parent node ID (omit for root nodes)")),
		mcp.WithString("include_excluded", mcp.Description("Include excluded nodes (default: true)")),
	)
}

func treeTool() mcp.Tool {
	return mcp.NewTool("cascade.tree",
		mcp.WithDescription("Render the prompt tree under a root node as a diagram with last-run statuses"),
		mcp.WithString("root_node_id", mcp.Required(), mcp.Description("Root node of the tree to render")),
		mcp.WithString("format", mcp.Enum("ascii", "mermaid"), mcp.Description("Output format (default: ascii)")),
	)
}

func tracesTool() mcp.Tool {
	return mcp.NewTool("cascade.traces",
		mcp.WithDescription("Query execution traces of past runs, optionally with their attempt spans"),
		mcp.WithString("root_node_id", mcp.Description("Filter traces by root node")),
		mcp.WithString("trace_id", mcp.Description("Return one trace with its spans")),
		mcp.WithString("limit", mcp.Description("Maximum traces to return (default: 20)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("cascade.schedule",
		mcp.WithDescription("Manage recurring cascade runs"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "list", "delete"),
			mcp.Description("Schedule operation"),
		),
		mcp.WithString("root_node_id", mcp.Description("Root node to run on schedule (required for create)")),
		mcp.WithString("cron", mcp.Description("Standard 5-field cron expression (required for create)")),
		mcp.WithString("schedule_id", mcp.Description("Scheduled run ID (required for delete)")),
	)
}
