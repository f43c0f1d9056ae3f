package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/pkg/schema"
)

// Runtime is the session surface exposed as MCP tools. Satisfied by
// *engine.Runtime.
type Runtime interface {
	StartSession(ctx context.Context, req engine.StartRequest) (*engine.StartResult, error)
	Advance(ctx context.Context, req engine.AdvanceRequest) (*engine.AdvanceResult, error)
	GetSessionTrace(ctx context.Context, token string, who engine.Accessor) (*engine.SessionTrace, error)
	GetSessionHistory(ctx context.Context, token string) ([]schema.HistoryEntry, error)
	AbandonSession(ctx context.Context, token string) (*schema.Session, error)
}

// ChatflowServerDeps holds the dependencies for creating a ChatflowServer.
type ChatflowServerDeps struct {
	Runtime  Runtime
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// ChatflowServer wraps an MCP server with chatflow session tools.
type ChatflowServer struct {
	runtime   Runtime
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewChatflowServer creates a ChatflowServer with all session tools registered.
func NewChatflowServer(deps ChatflowServerDeps) *ChatflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &ChatflowServer{
		runtime:  deps.Runtime,
		sessions: sessions,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"chatflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Chatflow runs scripted conversations. Use chatflow.start to open a session on a published flow, chatflow.advance to answer its prompt, chatflow.history and chatflow.trace to inspect it, and chatflow.abandon to end it."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ChatflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ChatflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the registry mapping conversation sessions to MCP clients.
func (s *ChatflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *ChatflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: advanceTool(), Handler: s.handleAdvance},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: traceTool(), Handler: s.handleTrace},
		{Tool: abandonTool(), Handler: s.handleAbandon},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("chatflow.start",
		mcp.WithDescription("Start a conversation on the published version of a flow"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow to run")),
		mcp.WithString("user_id", mcp.Description("End user the session belongs to")),
		mcp.WithString("session_token", mcp.Description("Caller-chosen session token (default: generated)")),
		mcp.WithObject("initial_state", mcp.Description("Initial session state")),
	)
}

func advanceTool() mcp.Tool {
	return mcp.NewTool("chatflow.advance",
		mcp.WithDescription("Deliver user input to a waiting session"),
		mcp.WithString("session_token", mcp.Required(), mcp.Description("Token of the session")),
		mcp.WithString("input", mcp.Description("User answer, button value or event payload")),
		mcp.WithString("input_type", mcp.Description("Input kind (default: text)")),
		mcp.WithNumber("expected_revision", mcp.Description("Revision the input answers; rejected when the session moved on")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("chatflow.history",
		mcp.WithDescription("List the interaction history of a session"),
		mcp.WithString("session_token", mcp.Required(), mcp.Description("Token of the session")),
	)
}

func traceTool() mcp.Tool {
	return mcp.NewTool("chatflow.trace",
		mcp.WithDescription("Read the masked execution trace of a session"),
		mcp.WithString("session_token", mcp.Required(), mcp.Description("Token of the session")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the trace is read; recorded in the access log")),
	)
}

func abandonTool() mcp.Tool {
	return mcp.NewTool("chatflow.abandon",
		mcp.WithDescription("End an active session as abandoned"),
		mcp.WithString("session_token", mcp.Required(), mcp.Description("Token of the session")),
	)
}
