// Package messagequeue defines the port for session lifecycle messaging.
package messagequeue

import "context"

// Handler processes one message. The context carries the publisher's
// request ID when there was one. A returned error asks for redelivery.
type Handler func(ctx context.Context, subject string, data []byte) error

// Publisher sends session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Subscriber delivers messages published after the call to handler. The
// returned function stops delivery.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler Handler) (stop func(), err error)
}

// Queue is a broker that both publishes and consumes. Connection lifecycle
// (drain, close, health) belongs to the concrete adapter.
type Queue interface {
	Publisher
	Subscriber
}

// Subjects used for session lifecycle traffic.
const (
	SubjectSessionStarted  = "sessions.started"
	SubjectSessionFinished = "sessions.finished"
	SubjectSessionCancel   = "sessions.cancel" // consumed: cancel a session by id
)
