package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/weaveline/weft/internal/nodes"
	"github.com/weaveline/weft/pkg/schema"
)

// MCPNotifier delivers approval requests and alerts to connected MCP
// sessions via push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

var _ nodes.Notifier = (*MCPNotifier)(nil)

// NewMCPNotifier creates a notifier that pushes via MCP notifications.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify pushes the notification to each connected recipient's session.
// Best-effort: recipients without a session are skipped, and the first
// delivery error does not stop the remaining deliveries.
func (n *MCPNotifier) Notify(_ context.Context, channel string, recipients []string, subject string, payload schema.Item) error {
	body := map[string]any{
		"channel": channel,
		"subject": subject,
		"payload": payload,
	}

	var firstErr error
	for _, recipient := range recipients {
		sessionID, ok := n.sessions.SessionFor(recipient)
		if !ok {
			continue
		}
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", body)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session expired between lookup and send.
			n.sessions.Remove(sessionID)
			continue
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
