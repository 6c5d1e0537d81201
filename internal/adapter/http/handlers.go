package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/opserver/internal/domain"
	"github.com/Strob0t/opserver/internal/domain/operation"
	"github.com/Strob0t/opserver/internal/domain/session"
	"github.com/Strob0t/opserver/internal/service"
)

const defaultMaxBody = 32 << 20

// ConnectionCounter reports connected event clients.
type ConnectionCounter interface {
	ConnectionCount() int
}

// ConnectionChecker reports whether the event bus is reachable.
type ConnectionChecker interface {
	IsConnected() bool
}

// Handlers holds the HTTP handlers. Hub and Queue are optional.
type Handlers struct {
	Dispatcher *service.Dispatcher
	Hub        ConnectionCounter
	Queue      ConnectionChecker
	MaxBody    int64
}

// RunOperation handles POST /operations and POST /operations/{opId}.
func (h *Handlers) RunOperation(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, service.ModeDefault)
}

// RunOperationSync handles POST /operations/{opId}/sync.
func (h *Handlers) RunOperationSync(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, service.ModeSync)
}

// RunOperationAsync handles POST /operations/{opId}/async.
func (h *Handlers) RunOperationAsync(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, service.ModeAsync)
}

func (h *Handlers) run(w http.ResponseWriter, r *http.Request, mode service.Mode) {
	limit := h.MaxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, ok := readBody(w, r, limit)
	if !ok {
		return
	}

	resp, err := h.Dispatcher.Run(r.Context(), chi.URLParam(r, "opId"), body, mode)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTimeout):
		w.Header().Set("Location", sessionLocation(resp.SessionID))
		writeJSON(w, http.StatusRequestTimeout, resp)
		return
	case errors.Is(err, context.Canceled):
		slog.DebugContext(r.Context(), "client went away during synchronous run", "session_id", resp.SessionID)
		return
	default:
		writeDomainError(w, r, err, "operation not found")
		return
	}

	if resp.Status.Terminal() {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	w.Header().Set("Location", sessionLocation(resp.SessionID))
	writeJSON(w, http.StatusCreated, resp)
}

func sessionLocation(id string) string {
	return "/sessions/" + id
}

// operationInfo is the listing entry for a loaded descriptor.
type operationInfo struct {
	ID                  string         `json:"id"`
	Kind                operation.Kind `json:"kind"`
	Async               bool           `json:"async"`
	ConcurrentExecution bool           `json:"concurrentExecution"`
	Inputs              []string       `json:"inputs"`
	Outputs             []string       `json:"outputs"`
	Options             []string       `json:"options"`
	Timeout             string         `json:"timeout,omitempty"`
}

// ListOperations handles GET /operations
func (h *Handlers) ListOperations(w http.ResponseWriter, _ *http.Request) {
	descs := h.Dispatcher.Descriptors().List()
	out := make([]operationInfo, 0, len(descs))
	for _, d := range descs {
		info := operationInfo{
			ID:                  d.ID,
			Kind:                d.Kind,
			Async:               d.Async,
			ConcurrentExecution: d.ConcurrentExecution,
			Inputs:              nonNil(d.PortParameters.Inputs),
			Outputs:             nonNil(d.PortParameters.Outputs),
			Options:             nonNil(d.OptionParameters),
		}
		if t := d.Timeout.Std(); t > 0 {
			info.Timeout = t.String()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ListSessions handles GET /sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.Dispatcher.List()
	if sessions == nil {
		sessions = []session.Info{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Dispatcher.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteSession handles DELETE /sessions/{id}. Unknown sessions are not an
// error.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Dispatcher.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		slog.ErrorContext(r.Context(), "session delete failed", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthStatus struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
	WSConnections  int    `json:"ws_connections"`
	NATS           string `json:"nats"`
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	status := healthStatus{
		Status:         "ok",
		ActiveSessions: h.Dispatcher.ActiveCount(),
		NATS:           "disabled",
	}
	if h.Hub != nil {
		status.WSConnections = h.Hub.ConnectionCount()
	}
	if h.Queue != nil {
		status.NATS = "connected"
		if !h.Queue.IsConnected() {
			status.NATS = "disconnected"
			status.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, status)
}
