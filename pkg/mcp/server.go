package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/weaveline/weft/internal/durable"
	"github.com/weaveline/weft/internal/store"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Adapter durable.Adapter
	Store   store.Store
	Logger  *slog.Logger
}

// Server wraps an MCP server exposing the durable run lifecycle as tools.
type Server struct {
	adapter   durable.Adapter
	store     store.Store
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 7 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		adapter:  deps.Adapter,
		store:    deps.Store,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"weft",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Weft is a workflow orchestration engine. Use weft.define to register a workflow graph, weft.start to launch a run, weft.status to check progress, weft.signal to deliver approval responses or resume suspended runs, weft.query for progress snapshots, weft.cancel for cooperative cancellation, and weft.terminate to stop a run immediately."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns a nodes.Notifier that pushes approval requests and alerts
// to connected MCP sessions.
func (s *Server) Notifier() *MCPNotifier {
	return NewMCPNotifier(s.mcpServer, s.sessions)
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: terminateTool(), Handler: s.handleTerminate},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("weft.define",
		mcp.WithDescription("Register a workflow graph for later starts"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Workflow graph document (id, nodes, edges, settings)")),
		mcp.WithString("name", mcp.Description("Human-readable workflow name")),
		mcp.WithString("org_id", mcp.Description("Owning organization ID")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("weft.start",
		mcp.WithDescription("Start a workflow run. Provide workflow_id for a registered workflow or graph for an inline one"),
		mcp.WithString("workflow_id", mcp.Description("ID of a registered workflow")),
		mcp.WithObject("graph", mcp.Description("Inline workflow graph (alternative to workflow_id)")),
		mcp.WithObject("input", mcp.Description("Input item; becomes the run's single-item input lane")),
		mcp.WithString("org_id", mcp.Description("Organization ID for the run")),
		mcp.WithString("caller_id", mcp.Description("ID of the calling agent, for push notifications")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("weft.status",
		mcp.WithDescription("Get the status of a run: running, succeeded, failed, awaiting_approval, or cancelled"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("weft.signal",
		mcp.WithDescription("Send a signal to a run: an approval response, a resume request, a cooperative cancel, or a loop break"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("approval_response", "resume", "cancel", "break"),
			mcp.Description("Type of signal to send"),
		),
		mcp.WithString("node_id", mcp.Description("Target node ID (approval gate or loop)")),
		mcp.WithObject("payload", mcp.Description("Signal payload; approval responses need approver_id and decision")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("weft.query",
		mcp.WithDescription("Read current run progress without mutating it"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
		mcp.WithString("name",
			mcp.Enum("progress", "current_node", "completed_nodes", "node_states"),
			mcp.Description("Query name (default: progress)"),
		),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("weft.cancel",
		mcp.WithDescription("Request cooperative cancellation: in-flight nodes finish, no new nodes start"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func terminateTool() mcp.Tool {
	return mcp.NewTool("weft.terminate",
		mcp.WithDescription("Stop a run immediately with no cleanup"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to terminate")),
	)
}
