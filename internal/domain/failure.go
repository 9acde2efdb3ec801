package domain

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why an invocation did not produce a tool result.
type FailureKind string

const (
	// FailureInvalidInput means the request was rejected before any process
	// contact: missing or malformed input fields.
	FailureInvalidInput FailureKind = "invalid_input"
	// FailureToolUnavailable means the tool process could not be launched.
	FailureToolUnavailable FailureKind = "tool_unavailable"
	// FailureToolTimeout means no reply arrived within the deadline.
	FailureToolTimeout FailureKind = "tool_timeout"
	// FailureToolCrashed means the process exited or I/O failed mid-call.
	FailureToolCrashed FailureKind = "tool_crashed"
	// FailureProtocolViolation means the reply line did not parse as a
	// protocol message.
	FailureProtocolViolation FailureKind = "protocol_violation"
	// FailureToolError means the tool itself reported an error for the call.
	// The process stays trusted: its framing was intact.
	FailureToolError FailureKind = "tool_error"
)

// Failure is the error arm of a tool invocation outcome.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NewFailure builds a Failure from a kind and message.
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FailureFrom maps an arbitrary error onto the invocation taxonomy. Sentinel
// errors from the process and manager layers carry their own kind; everything
// else is treated as a crash.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	kind := FailureToolCrashed
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = FailureToolTimeout
	case errors.Is(err, ErrExecutableNotFound),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrShuttingDown),
		errors.Is(err, ErrStartFailed):
		kind = FailureToolUnavailable
	case errors.Is(err, ErrUnknownTool):
		kind = FailureInvalidInput
	}
	return &Failure{Kind: kind, Message: err.Error()}
}

var (
	ErrExecutableNotFound = errors.New("executable not found")
	ErrPermissionDenied   = errors.New("executable not permitted")
	ErrStartFailed        = errors.New("tool process failed to start")
	ErrProcessExited      = errors.New("tool process exited")
	ErrUnknownTool        = errors.New("unknown tool")
	ErrShuttingDown       = errors.New("manager is shutting down")
)
