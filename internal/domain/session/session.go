// Package session defines one execution instance of an operation and the
// wire response derived from it.
package session

import (
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/Strob0t/opserver/internal/domain/operation"
	"github.com/Strob0t/opserver/internal/execution"
	"github.com/Strob0t/opserver/internal/variable"
)

// Session is one in-flight or recently finished run of an operation.
// Identity and associations are fixed once the session is registered; the
// finalization fields are written once by the dispatcher loop.
type Session struct {
	ID          string
	OperationID string
	Request     *Request
	Descriptor  *operation.Descriptor
	Execution   execution.Execution
	Bindings    []variable.Binding
	// Dir is the working directory the process runs in.
	Dir string
	// Scratch is true when Dir was created for this session alone and is
	// removed on finalization.
	Scratch bool
	Created time.Time

	mu        sync.Mutex
	outputs   map[string]json.RawMessage
	finalized bool
	closedAt  time.Time
	done      chan struct{}
}

// New returns a session with no execution attached yet.
func New(id string, d *operation.Descriptor, req *Request) *Session {
	return &Session{
		ID:          id,
		OperationID: d.ID,
		Request:     req,
		Descriptor:  d,
		Created:     time.Now().UTC(),
		done:        make(chan struct{}),
	}
}

// State returns the execution state, or NotStarted before one is attached.
func (s *Session) State() execution.State {
	if s.Execution == nil {
		return execution.NotStarted
	}
	return s.Execution.State()
}

// Finalize records the collected outputs. Only the first call has an
// effect; it releases everyone waiting on Done.
func (s *Session) Finalize(outputs map[string]json.RawMessage, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return false
	}
	s.outputs = outputs
	s.finalized = true
	s.closedAt = at
	close(s.done)
	return true
}

// Done is closed once the session is finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Finalized reports whether outputs have been collected.
func (s *Session) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// ClosedAt returns when the session was finalized.
func (s *Session) ClosedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

// Outputs returns a copy of the collected output values.
func (s *Session) Outputs() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.outputs)
}

// Info is the summary shown in session listings and events.
type Info struct {
	SessionID string    `json:"session_id"`
	Operation string    `json:"operation"`
	Status    Status    `json:"status"`
	Created   time.Time `json:"created"`
}

// Info summarizes the session.
func (s *Session) Info() Info {
	return Info{
		SessionID: s.ID,
		Operation: s.OperationID,
		Status:    BuildResponse(s).Status,
		Created:   s.Created,
	}
}
