package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chatflow/internal/outbox"
)

// EventNotification is the MCP method used for pushed session events.
const EventNotification = "notifications/chatflow/event"

// SessionNotifier pushes notifications about a conversation session.
type SessionNotifier interface {
	Notify(ctx context.Context, sessionID string, payload map[string]any) error
}

// MCPNotifier implements SessionNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes to the client following each
// session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends a notification to the client following sessionID.
// Best-effort: returns nil if no client follows it.
func (n *MCPNotifier) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	clientID, ok := n.sessions.ClientFor(sessionID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(clientID, EventNotification, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Client went away between lookup and send.
		n.sessions.Remove(clientID)
		return nil
	}
	return err
}

// Forward relays internal bus messages to the clients following their
// sessions until msgs closes or ctx is cancelled. Every message is acked;
// delivery to MCP clients is best-effort.
func (n *MCPNotifier) Forward(ctx context.Context, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			n.forward(ctx, msg)
			msg.Ack()
		}
	}
}

func (n *MCPNotifier) forward(ctx context.Context, msg *message.Message) {
	sessionID := msg.Metadata.Get(outbox.MetadataSessionID)
	if sessionID == "" {
		return
	}
	payload := map[string]any{}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		n.logger.WarnContext(ctx, "bus message dropped",
			slog.String("message_uuid", msg.UUID), slog.String("error", err.Error()))
		return
	}
	payload["event_type"] = msg.Metadata.Get(outbox.MetadataEventType)
	if err := n.Notify(ctx, sessionID, payload); err != nil {
		n.logger.WarnContext(ctx, "session event not pushed",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}
