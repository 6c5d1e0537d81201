package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	ophttp "github.com/Strob0t/opserver/internal/adapter/http"
	"github.com/Strob0t/opserver/internal/adapter/ristretto"
	"github.com/Strob0t/opserver/internal/domain/session"
	"github.com/Strob0t/opserver/internal/middleware"
	"github.com/Strob0t/opserver/internal/service"
)

type fakeHub struct{ n int }

func (f fakeHub) ConnectionCount() int { return f.n }

type fakeQueue struct{ up bool }

func (f fakeQueue) IsConnected() bool { return f.up }

func writeOp(t *testing.T, home, id, descriptor string) {
	t.Helper()
	dir := filepath.Join(home, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "operation.json"), []byte(descriptor), 0o644); err != nil {
		t.Fatal(err)
	}
}

type testServer struct {
	*httptest.Server
	dispatcher *service.Dispatcher
	home       string
}

func newTestServer(t *testing.T, h *ophttp.Handlers, limit func(http.Handler) http.Handler) *testServer {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	home := t.TempDir()
	closed, err := ristretto.New[*session.Session](100)
	if err != nil {
		t.Fatal(err)
	}
	d := service.NewDispatcher(service.NewDescriptors(home), closed, time.Minute)
	if h == nil {
		h = &ophttp.Handlers{}
	}
	h.Dispatcher = d

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	ophttp.MountRoutes(r, h, limit, nil)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		closed.Close()
	})
	return &testServer{Server: srv, dispatcher: d, home: home}
}

func (s *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

const copyOp = `{
	"command": ["sh", "-c", "cp in out"],
	"portParameters": {"inputs": ["in"], "outputs": ["out"]}
}`

func TestRunSyncReturnsResult(t *testing.T) {
	s := newTestServer(t, nil, nil)
	writeOp(t, s.home, "echo", copyOp)

	resp := s.do(t, http.MethodPost, "/operations/echo", `{"inputVariables": {"in": "hi"}, "outputVariables": {"out": ""}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[session.Response](t, resp)
	if body.Status != session.StatusCompleted || string(body.Result["out"]) != `"hi"` {
		t.Errorf("unexpected body %+v", body)
	}
	if resp.Header.Get(middleware.HeaderRequestID) == "" {
		t.Error("expected X-Request-ID on the response")
	}

	status := s.do(t, http.MethodGet, "/sessions/"+body.SessionID, "")
	if status.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for closed session, got %d", status.StatusCode)
	}
	if got := decode[session.Response](t, status); got.Status != session.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
}

func TestRunOperationFromBody(t *testing.T) {
	s := newTestServer(t, nil, nil)
	writeOp(t, s.home, "echo", copyOp)

	resp := s.do(t, http.MethodPost, "/operations", `{"operation": "echo", "inputArguments": {"in": 1}, "outputArguments": {"out": 0}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := decode[session.Response](t, resp); string(body.Result["out"]) != "1" {
		t.Errorf("unexpected result %v", body.Result)
	}
}

func TestRunAsyncReturnsLocation(t *testing.T) {
	s := newTestServer(t, nil, nil)
	writeOp(t, s.home, "slow", `{"command": ["sleep", "5"]}`)

	resp := s.do(t, http.MethodPost, "/operations/slow/async", `{}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	body := decode[session.Response](t, resp)
	if body.Status != session.StatusRunning {
		t.Errorf("expected RUNNING, got %s", body.Status)
	}
	loc := resp.Header.Get("Location")
	if loc != "/sessions/"+body.SessionID {
		t.Errorf("unexpected Location %q", loc)
	}

	list := s.do(t, http.MethodGet, "/sessions", "")
	infos := decode[[]session.Info](t, list)
	if len(infos) != 1 || infos[0].SessionID != body.SessionID {
		t.Errorf("expected the running session in the listing, got %+v", infos)
	}

	del := s.do(t, http.MethodDelete, loc, "")
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", del.StatusCode)
	}
	after := s.do(t, http.MethodGet, loc, "")
	if after.StatusCode != http.StatusOK {
		t.Fatalf("deleted session should stay visible, got %d", after.StatusCode)
	}
	got := decode[session.Response](t, after)
	if got.Status != session.StatusCancelled && got.Status != session.StatusCancelling {
		t.Errorf("expected CANCELLED or CANCELLING, got %s", got.Status)
	}
}

func TestRunSyncTimeout(t *testing.T) {
	s := newTestServer(t, nil, nil)
	writeOp(t, s.home, "sleepy", `{"command": ["sleep", "1"], "timeout": "100ms"}`)

	resp := s.do(t, http.MethodPost, "/operations/sleepy/sync", `{}`)
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", resp.StatusCode)
	}
	body := decode[session.Response](t, resp)
	if body.Status != session.StatusRunning {
		t.Errorf("expected RUNNING body, got %s", body.Status)
	}
	if resp.Header.Get("Location") != "/sessions/"+body.SessionID {
		t.Errorf("unexpected Location %q", resp.Header.Get("Location"))
	}
}

func TestRunConflict(t *testing.T) {
	s := newTestServer(t, nil, nil)
	writeOp(t, s.home, "slow", `{"command": ["sleep", "5"], "async": true}`)

	first := s.do(t, http.MethodPost, "/operations/slow", `{}`)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.StatusCode)
	}
	second := s.do(t, http.MethodPost, "/operations/slow", `{}`)
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.StatusCode)
	}
	if e := decode[map[string]string](t, second); !strings.Contains(e["error"], "conflict") {
		t.Errorf("unexpected error body %v", e)
	}
}

func TestRunClientErrors(t *testing.T) {
	s := newTestServer(t, nil, nil)
	writeOp(t, s.home, "echo", copyOp)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown operation", "/operations/missing", `{}`, http.StatusBadRequest},
		{"no operation", "/operations", `{}`, http.StatusBadRequest},
		{"malformed body", "/operations/echo", `{"inputVariables": `, http.StatusBadRequest},
		{"undeclared input", "/operations/echo", `{"inputVariables": {"nope": 1}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
			if e := decode[map[string]string](t, resp); e["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestRunBodyTooLarge(t *testing.T) {
	s := newTestServer(t, &ophttp.Handlers{MaxBody: 16}, nil)
	writeOp(t, s.home, "echo", copyOp)

	resp := s.do(t, http.MethodPost, "/operations/echo", `{"inputVariables": {"in": "a long value"}}`)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestUnknownSession(t *testing.T) {
	s := newTestServer(t, nil, nil)

	if resp := s.do(t, http.MethodGet, "/sessions/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodDelete, "/sessions/nope", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
}

func TestListOperations(t *testing.T) {
	s := newTestServer(t, nil, nil)
	writeOp(t, s.home, "echo", copyOp)

	// Descriptors load lazily; run once so the listing has an entry.
	s.do(t, http.MethodPost, "/operations/echo", `{}`)

	resp := s.do(t, http.MethodGet, "/operations", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	ops := decode[[]map[string]any](t, resp)
	if len(ops) != 1 || ops[0]["id"] != "echo" {
		t.Fatalf("unexpected listing %v", ops)
	}
	if ops[0]["kind"] != "program" {
		t.Errorf("expected kind program, got %v", ops[0]["kind"])
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		h         *ophttp.Handlers
		wantNATS  string
		wantState string
		wantWS    float64
	}{
		{"no bus", &ophttp.Handlers{}, "disabled", "ok", 0},
		{"bus up", &ophttp.Handlers{Hub: fakeHub{n: 2}, Queue: fakeQueue{up: true}}, "connected", "ok", 2},
		{"bus down", &ophttp.Handlers{Queue: fakeQueue{}}, "disconnected", "degraded", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.h, nil)
			resp := s.do(t, http.MethodGet, "/health", "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			got := decode[map[string]any](t, resp)
			if got["nats"] != tt.wantNATS || got["status"] != tt.wantState || got["ws_connections"] != tt.wantWS {
				t.Errorf("unexpected health %v", got)
			}
		})
	}
}

func TestRunRateLimited(t *testing.T) {
	rl := middleware.NewRateLimiter(0.001, 1)
	s := newTestServer(t, nil, rl.Handler)
	writeOp(t, s.home, "echo", copyOp)

	if resp := s.do(t, http.MethodPost, "/operations/echo", `{}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("first run: expected 200, got %d", resp.StatusCode)
	}
	resp := s.do(t, http.MethodPost, "/operations/echo", `{}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Reads are not limited.
	if resp := s.do(t, http.MethodGet, "/sessions", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for listing, got %d", resp.StatusCode)
	}
}
