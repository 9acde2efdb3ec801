package domain

import (
	"context"
	"time"
)

// ProcessState is the lifecycle state of the single process behind a tool.
type ProcessState string

const (
	ProcessStateNotStarted ProcessState = "not_started"
	ProcessStateStarting   ProcessState = "starting"
	ProcessStateReady      ProcessState = "ready"
	ProcessStateBusy       ProcessState = "busy"
	ProcessStateCrashed    ProcessState = "crashed"
	ProcessStateStopped    ProcessState = "stopped"
)

// ToolProcess is the runtime view of one running subprocess. Owned exclusively
// by the manager; discarded and rebuilt after a crash.
type ToolProcess struct {
	Descriptor ToolDescriptor
	PID        int
	StartedAt  time.Time
	// Advertised holds the capability advertisement read during startup,
	// nil when the tool did not send a recognizable one.
	Advertised []AdvertisedTool
}

// ProcessHandle is the manager's view of one child process: ordered line I/O
// plus termination. Implemented by infra/process.
type ProcessHandle interface {
	// WriteLine writes one protocol line (delimiter appended by the handle).
	WriteLine(line []byte) error
	// ReadLine blocks until a full line is available, the context expires, or
	// the process exits.
	ReadLine(ctx context.Context) (string, error)
	// Terminate stops the process: graceful signal, bounded grace period,
	// then forced kill. Safe to call on an already-exited process.
	Terminate(grace time.Duration)
	PID() int
}

// ProcessStarter launches tool processes. Implemented by infra/process; faked
// in manager tests.
type ProcessStarter interface {
	Start(ctx context.Context, descriptor ToolDescriptor) (ProcessHandle, error)
}

// Outcome is what the dispatcher reports back when releasing a lease.
type Outcome string

const (
	// OutcomeClean means the round trip completed with intact framing; the
	// process can serve the next caller.
	OutcomeClean Outcome = "clean"
	// OutcomeTimeout means the reply never arrived; the process may still
	// write a stale line, so it is restarted.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeIOError means the stream failed mid-call; the process is
	// restarted.
	OutcomeIOError Outcome = "io_error"
)
