package domain

import "time"

// Invocation is one logical call against a tool process. Created per request,
// never persisted.
type Invocation struct {
	// CorrelationID ties log lines and metrics of one call together. Replies
	// are correlated by per-tool mutual exclusion, not by this ID.
	CorrelationID string
	Tool          string
	Input         map[string]any
	Deadline      time.Time
}

// Result is the discriminated outcome of an invocation: exactly one of Output
// or Failure is set.
type Result struct {
	Output  map[string]any
	Failure *Failure
}

// Ok reports whether the invocation produced a tool result.
func (r Result) Ok() bool {
	return r.Failure == nil
}

// Succeed builds a success result.
func Succeed(output map[string]any) Result {
	return Result{Output: output}
}

// Fail builds a failure result.
func Fail(kind FailureKind, format string, args ...any) Result {
	return Result{Failure: NewFailure(kind, format, args...)}
}

// FailErr builds a failure result from an error via FailureFrom.
func FailErr(err error) Result {
	return Result{Failure: FailureFrom(err)}
}
