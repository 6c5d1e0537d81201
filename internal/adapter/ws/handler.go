// Package ws implements the WebSocket adapter that pushes session events to
// connected clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout = 5 * time.Second
	// sendBuffer is how many messages a client may fall behind before it
	// is disconnected.
	sendBuffer = 64
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// filter narrows what a client receives. Empty fields match everything.
type filter struct {
	session   string
	operation string
}

func (f filter) match(sessionID, operation string) bool {
	if f.session != "" && f.session != sessionID {
		return false
	}
	return f.operation == "" || f.operation == operation
}

// conn wraps a single WebSocket connection. Messages queued on send are
// written by the connection's own goroutine.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	filter filter
	send   chan []byte
}

// Hub tracks connected clients and fans session events out to them.
type Hub struct {
	origins []string

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub. origins are host patterns accepted in
// addition to same-origin requests; "*" accepts any origin.
func NewHub(origins ...string) *Hub {
	return &Hub{
		origins: origins,
		conns:   make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the connection and keeps it registered until the client
// goes away. The optional session and operation query parameters restrict
// the events sent. Client messages are read and discarded.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := filter{session: q.Get("session"), operation: q.Get("operation")}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, filter: f, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.InfoContext(ctx, "websocket connected", "remote", r.RemoteAddr, "session", f.session, "operation", f.operation)

	go h.writeLoop(ctx, c)
	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

// writeLoop sends queued messages until the connection context ends. A
// failed write drops the client.
func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed, dropping client", "error", err)
				h.remove(c)
				return
			}
		}
	}
}

// Broadcast queues a message for every client whose filter accepts the
// session and operation. It never waits on a client: one whose queue is
// full is disconnected.
func (h *Hub) Broadcast(ctx context.Context, msg Message, sessionID, operation string) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.filter.match(sessionID, operation) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			slog.WarnContext(ctx, "websocket client too slow, dropping", "session", c.filter.session, "operation", c.filter.operation)
			h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()

	if ok {
		c.cancel()
		slog.Info("websocket disconnected")
	}
}
