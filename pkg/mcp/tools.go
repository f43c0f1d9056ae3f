package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chatflow/internal/engine"
)

// handleStart opens a session and returns its first response.
func (s *ChatflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}

	res, err := s.runtime.StartSession(ctx, engine.StartRequest{
		FlowID:       flowID,
		UserID:       req.GetString("user_id", ""),
		SessionToken: req.GetString("session_token", ""),
		InitialState: mcp.ParseStringMap(req, "initial_state", nil),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}

	// Events of this session are pushed to the client that opened it.
	s.captureSession(ctx, res.SessionID)
	return marshalResult(res)
}

// handleAdvance delivers one input to a session.
func (s *ChatflowServer) handleAdvance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("session_token")
	if err != nil {
		return mcp.NewToolResultError("session_token is required"), nil
	}

	// input is declared as a string but clients may send numbers or objects.
	var input any
	if args := req.GetArguments(); args != nil {
		input = args["input"]
	}

	res, err := s.runtime.Advance(ctx, engine.AdvanceRequest{
		SessionToken:     token,
		Input:            input,
		InputType:        req.GetString("input_type", ""),
		ExpectedRevision: int64(req.GetFloat("expected_revision", 0)),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("advance failed: %v", err)), nil
	}

	s.captureSession(ctx, res.SessionID)
	return marshalResult(res)
}

// handleHistory lists the session's interaction history.
func (s *ChatflowServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("session_token")
	if err != nil {
		return mcp.NewToolResultError("session_token is required"), nil
	}
	entries, err := s.runtime.GetSessionHistory(ctx, token)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history lookup failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"entries": entries})
}

// handleTrace reads the masked execution trace. The MCP client session is the
// recorded accessor.
func (s *ChatflowServer) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("session_token")
	if err != nil {
		return mcp.NewToolResultError("session_token is required"), nil
	}
	reason, err := req.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError("reason is required"), nil
	}

	who := engine.Accessor{UserID: "mcp", UserAgent: "mcp", Reason: reason}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		who.UserID = "mcp:" + session.SessionID()
	}

	trace, err := s.runtime.GetSessionTrace(ctx, token, who)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trace lookup failed: %v", err)), nil
	}
	return marshalResult(trace)
}

// handleAbandon ends a session.
func (s *ChatflowServer) handleAbandon(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("session_token")
	if err != nil {
		return mcp.NewToolResultError("session_token is required"), nil
	}
	sess, err := s.runtime.AbandonSession(ctx, token)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("abandon failed: %v", err)), nil
	}
	s.sessions.Forget(sess.ID)
	return marshalResult(map[string]any{
		"session_id": sess.ID,
		"status":     sess.Status,
		"revision":   sess.Revision,
	})
}

// captureSession maps the conversation session to the calling MCP client so
// its events can be pushed back.
func (s *ChatflowServer) captureSession(ctx context.Context, sessionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil && sessionID != "" {
		s.sessions.Register(sessionID, session.SessionID())
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
