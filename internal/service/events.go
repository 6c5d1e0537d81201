package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Strob0t/opserver/internal/adapter/ws"
	"github.com/Strob0t/opserver/internal/domain/session"
	"github.com/Strob0t/opserver/internal/execution"
	"github.com/Strob0t/opserver/internal/port/broadcast"
	"github.com/Strob0t/opserver/internal/port/messagequeue"
)

const eventBacklog = 256

// Events fans session lifecycle changes out to live clients and to the
// message queue. Either side may be nil. A nil *Events drops everything.
//
// Delivery runs on one worker goroutine in submission order, so callers on
// the request path or the completion loop never wait on websocket clients
// or the broker. When the backlog is full new events are dropped.
type Events struct {
	queue messagequeue.Publisher
	hub   broadcast.Broadcaster

	mu      sync.RWMutex
	closed  bool
	out     chan func()
	done    chan struct{}
	dropped atomic.Int64
}

// NewEvents creates an Events publisher and starts its delivery worker.
// Close stops it.
func NewEvents(queue messagequeue.Publisher, hub broadcast.Broadcaster) *Events {
	e := &Events{
		queue: queue,
		hub:   hub,
		out:   make(chan func(), eventBacklog),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Events) run() {
	defer close(e.done)
	for deliver := range e.out {
		deliver()
	}
}

func (e *Events) enqueue(deliver func()) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.out <- deliver:
	default:
		if n := e.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("session event dropped, delivery backlog full", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the backlog was
// full.
func (e *Events) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Close stops accepting events and waits until the backlog is delivered or
// ctx ends. It is safe to call more than once.
func (e *Events) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.out)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("events: %w", ctx.Err())
	}
}

func (e *Events) started(ctx context.Context, s *session.Session, async bool) {
	if e == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	ev := statusEvent(s, session.BuildResponse(s))
	payload := messagequeue.SessionStartedPayload{
		SessionID: s.ID,
		Operation: s.OperationID,
		Async:     async,
	}
	e.enqueue(func() {
		e.broadcast(ctx, ev)
		e.publish(ctx, messagequeue.SubjectSessionStarted, payload)
	})
}

func (e *Events) finished(ctx context.Context, s *session.Session, resp session.Response, res execution.Result) {
	if e == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	ev := statusEvent(s, resp)
	payload := messagequeue.SessionFinishedPayload{
		SessionID:  s.ID,
		Operation:  s.OperationID,
		Status:     string(resp.Status),
		Message:    resp.Message,
		ExitCode:   res.ExitCode,
		DurationMS: res.Stopped.Sub(res.Started).Milliseconds(),
	}
	e.enqueue(func() {
		e.broadcast(ctx, ev)
		e.publish(ctx, messagequeue.SubjectSessionFinished, payload)
	})
}

func (e *Events) status(ctx context.Context, s *session.Session, resp session.Response) {
	if e == nil || e.hub == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	ev := statusEvent(s, resp)
	e.enqueue(func() { e.broadcast(ctx, ev) })
}

func statusEvent(s *session.Session, resp session.Response) ws.SessionStatusEvent {
	return ws.SessionStatusEvent{
		SessionID: s.ID,
		Operation: s.OperationID,
		Status:    string(resp.Status),
		Message:   resp.Message,
	}
}

func (e *Events) broadcast(ctx context.Context, ev ws.SessionStatusEvent) {
	if e.hub == nil {
		return
	}
	e.hub.BroadcastEvent(ctx, ws.EventSessionStatus, ev)
}

func (e *Events) publish(ctx context.Context, subject string, payload any) {
	if e.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event", "subject", subject, "error", err)
		return
	}
	if err := e.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("publish event", "subject", subject, "error", err)
	}
}

// SubscribeCancel consumes remote cancel requests and deletes the named
// sessions. The returned function stops the subscription.
func SubscribeCancel(ctx context.Context, queue messagequeue.Subscriber, d *Dispatcher) (func(), error) {
	stop, err := queue.Subscribe(ctx, messagequeue.SubjectSessionCancel, func(ctx context.Context, _ string, data []byte) error {
		var p messagequeue.SessionCancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode cancel request: %w", err)
		}
		slog.InfoContext(ctx, "remote cancel requested", "session_id", p.SessionID)
		return d.Delete(ctx, p.SessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectSessionCancel, err)
	}
	return stop, nil
}
