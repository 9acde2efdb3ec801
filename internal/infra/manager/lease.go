package manager

import (
	"sync"

	"toolbridge/internal/domain"
)

// Lease is exclusive temporary ownership of one tool process, held for the
// duration of a single round trip. Release is idempotent; the first outcome
// wins.
type Lease struct {
	tool   string
	handle domain.ProcessHandle
	proc   *domain.ToolProcess
	mgr    *Manager
	once   sync.Once
}

// Handle returns the leased process handle.
func (l *Lease) Handle() domain.ProcessHandle {
	return l.handle
}

// Process returns the runtime view of the leased process.
func (l *Lease) Process() *domain.ToolProcess {
	return l.proc
}

// Release returns the process to the manager with the round trip's outcome.
// A clean outcome makes the process available to the next caller; a timeout
// or I/O failure crashes and restarts it.
func (l *Lease) Release(outcome domain.Outcome) {
	l.once.Do(func() {
		l.mgr.release(l, outcome)
	})
}
