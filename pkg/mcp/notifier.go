package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cascade/internal/streaming"
	"github.com/rendis/cascade/pkg/schema"
)

// RunNotifier forwards cascade run events from the event hub to the MCP
// session that launched the run. Best-effort: disconnected clients are
// silently skipped.
type RunNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewRunNotifier creates a notifier pushing run events over MCP notifications.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{mcpServer: mcpServer, sessions: sessions, hub: hub, logger: logger}
}

// Start subscribes to run lifecycle events and forwards them until ctx ends.
func (n *RunNotifier) Start(ctx context.Context) error {
	events, unsubscribe, err := n.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{
			schema.EventRunStarted,
			schema.EventRunCompleted,
			schema.EventRunFailed,
			schema.EventRunCancelled,
			schema.EventPromptResultUpdated,
		},
	})
	if err != nil {
		return err
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				n.forward(ctx, evt)
			}
		}
	}()
	return nil
}

func (n *RunNotifier) forward(ctx context.Context, evt streaming.StreamEvent) {
	rootNodeID := rootFromPayload(evt.Payload)
	if rootNodeID == "" {
		return
	}
	sessionID, ok := n.sessions.SessionFor(rootNodeID)
	if !ok {
		return
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"event_type": evt.EventType,
		"run_id":     evt.RunID,
		"node_id":    evt.NodeID,
		"payload":    evt.Payload,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.WarnContext(ctx, "run notification failed",
			"event_type", evt.EventType, "error", err)
	}
}

// rootFromPayload extracts the root node ID from a run event payload.
func rootFromPayload(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["root_node_id"].(string)
	return id
}
