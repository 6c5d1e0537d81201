package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/opserver/internal/config"
)

// sinkHandler collects records and the session id seen in their context.
type sinkHandler struct {
	mu       sync.Mutex
	messages []string
	sessions []string
	delay    time.Duration
}

func (h *sinkHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *sinkHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.messages = append(h.messages, rec.Message)
	h.sessions = append(h.sessions, SessionID(ctx))
	h.mu.Unlock()
	return nil
}

func (h *sinkHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *sinkHandler) WithGroup(string) slog.Handler      { return h }

func (h *sinkHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func record(msg string) slog.Record {
	return slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
}

func TestAsyncHandlerKeepsContext(t *testing.T) {
	sink := &sinkHandler{}
	ah := NewAsyncHandler(sink, 10, 1)

	ctx, cancel := context.WithCancel(WithSessionID(context.Background(), "sess-1"))
	_ = ah.Handle(ctx, record("session finished"))
	cancel()
	ah.Close()

	if sink.count() != 1 || sink.sessions[0] != "sess-1" {
		t.Fatalf("expected one record carrying sess-1, got %v", sink.sessions)
	}
}

func TestAsyncHandlerConcurrentWrites(t *testing.T) {
	const goroutines = 50
	const perGoroutine = 100

	sink := &sinkHandler{}
	ah := NewAsyncHandler(sink, goroutines*perGoroutine, 4)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				_ = ah.Handle(context.Background(), record("poll"))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := sink.count(); got != goroutines*perGoroutine {
		t.Fatalf("expected %d records, got %d", goroutines*perGoroutine, got)
	}
	if ah.DroppedCount() != 0 {
		t.Errorf("expected no drops, got %d", ah.DroppedCount())
	}
}

func TestAsyncHandlerDropsWhenFull(t *testing.T) {
	sink := &sinkHandler{delay: 10 * time.Millisecond}
	ah := NewAsyncHandler(sink, 1, 1)

	for range 50 {
		_ = ah.Handle(context.Background(), record("flood"))
	}
	ah.Close()

	if ah.DroppedCount() == 0 {
		t.Fatal("expected dropped records")
	}
	if int64(sink.count())+ah.DroppedCount() != 50 {
		t.Errorf("handled %d + dropped %d != 50", sink.count(), ah.DroppedCount())
	}
}

func TestAsyncHandlerAfterClose(t *testing.T) {
	sink := &sinkHandler{}
	ah := NewAsyncHandler(sink, 10, 2)
	ah.Close()
	ah.Close()

	if err := ah.Handle(context.Background(), record("late")); err != nil {
		t.Fatalf("Handle after Close: %v", err)
	}
	if sink.count() != 0 || ah.DroppedCount() != 1 {
		t.Errorf("late record should be dropped, handled=%d dropped=%d", sink.count(), ah.DroppedCount())
	}
}

func TestAsyncLoggerWritesContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "svc", Async: true}, &buf)

	l.InfoContext(WithRequestID(context.Background(), "req-7"), "run accepted")
	closer.Close()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if rec["request_id"] != "req-7" || rec["service"] != "svc" {
		t.Errorf("unexpected record %v", rec)
	}
}
