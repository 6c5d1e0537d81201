package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/opserver/internal/port/broadcast"
)

// EventSessionStatus is sent whenever a session changes client-visible status.
const EventSessionStatus = "session.status"

// SessionStatusEvent is the payload of EventSessionStatus.
type SessionStatusEvent struct {
	SessionID string `json:"session_id"`
	Operation string `json:"operation"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

var _ broadcast.Broadcaster = (*Hub)(nil)

// BroadcastEvent marshals payload into a Message of eventType. Session
// status events only reach clients following that session or operation;
// any other payload only reaches unfiltered clients.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	var sessionID, operation string
	if ev, ok := payload.(SessionStatusEvent); ok {
		sessionID, operation = ev.SessionID, ev.Operation
	}
	h.Broadcast(ctx, Message{Type: eventType, Payload: data}, sessionID, operation)
}
