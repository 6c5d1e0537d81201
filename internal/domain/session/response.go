package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Strob0t/opserver/internal/execution"
)

// Status is the client-visible session status.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusCancelling Status = "CANCELLING"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Response is the wire body for run and status calls.
type Response struct {
	SessionID string                     `json:"sessionId"`
	Status    Status                     `json:"status"`
	Message   string                     `json:"message"`
	Result    map[string]json.RawMessage `json:"result,omitempty"`
}

// BuildResponse maps the session state to its wire response. A completed
// execution stays RUNNING until its outputs are collected so that COMPLETED
// always carries the final result.
func BuildResponse(s *Session) Response {
	r := Response{SessionID: s.ID}

	switch st := s.State(); st {
	case execution.NotStarted, execution.Starting:
		r.Status, r.Message = StatusRunning, "Operation is starting"
	case execution.Running:
		r.Status, r.Message = StatusRunning, "Operation is running"
	case execution.Cancelling:
		r.Status, r.Message = StatusCancelling, "Operation is being cancelled"
	case execution.Cancelled:
		r.Status, r.Message = StatusCancelled, "Operation was cancelled"
	case execution.Failed:
		r.Status, r.Message = StatusFailed, failureMessage(s.Execution.Result())
	case execution.Completed:
		if !s.Finalized() {
			r.Status, r.Message = StatusRunning, "Operation is finishing"
			break
		}
		r.Status, r.Message = StatusCompleted, "Operation completed"
		r.Result = s.Outputs()
		if r.Result == nil {
			r.Result = map[string]json.RawMessage{}
		}
	default:
		r.Status, r.Message = StatusRunning, fmt.Sprintf("Operation is in state %s", st)
	}
	return r
}

func failureMessage(res execution.Result) string {
	var exitErr *execution.ExitError
	switch {
	case errors.As(res.Err, &exitErr):
		msg := fmt.Sprintf("Operation failed with exit code %d", exitErr.Code)
		if exitErr.LogTail != "" {
			msg += ": " + exitErr.LogTail
		}
		return msg
	case res.Err != nil:
		return "Operation failed: " + res.Err.Error()
	default:
		return "Operation failed"
	}
}
