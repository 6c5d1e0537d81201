// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrOperationNotFound indicates that no descriptor exists for an operation id.
var ErrOperationNotFound = errors.New("operation not found")

// ErrConflict indicates that a non-concurrent operation already has an active session.
var ErrConflict = errors.New("conflict: running operation exists")

// ErrValidation indicates malformed or invalid client input.
var ErrValidation = errors.New("validation")

// ErrTimeout indicates that a synchronous wait expired. The session keeps running.
var ErrTimeout = errors.New("timeout")

// ErrInternal indicates a server-side failure while preparing a session.
var ErrInternal = errors.New("internal error")
