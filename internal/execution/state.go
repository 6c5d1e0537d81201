// Package execution runs one unit of operation work and exposes it as a
// future-like handle: states, bounded waits, cancellation and completion
// listeners.
package execution

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of an execution.
type State string

const (
	NotStarted State = "NOT_STARTED"
	Starting   State = "STARTING"
	Running    State = "RUNNING"
	Cancelling State = "CANCELLING"
	Completed  State = "COMPLETED"
	Failed     State = "FAILED"
	Cancelled  State = "CANCELLED"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// rank orders states for the monotonic progression check. Cancelling sits
// between Running and the terminal states.
func (s State) rank() int {
	switch s {
	case NotStarted:
		return 0
	case Starting:
		return 1
	case Running:
		return 2
	case Cancelling:
		return 3
	case Completed, Failed, Cancelled:
		return 4
	default:
		return -1
	}
}

var (
	// ErrBuild wraps every construction failure.
	ErrBuild = errors.New("build execution")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("execution already started")
	// ErrWaitTimeout is returned when a wait gives up before the execution
	// finished. The execution keeps running.
	ErrWaitTimeout = errors.New("wait timed out")
)

// ExitError reports a non-zero exit status together with the tail of the
// captured output log.
type ExitError struct {
	Code    int
	LogTail string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}
