// Package manager owns the map of tool name to subprocess. It is the single
// serialization point: at most one invocation is in flight per tool process,
// waiters are served in arrival order, and a process that times out or fails
// mid-call is crashed and restarted before it is trusted again.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"toolbridge/internal/domain"
	"toolbridge/internal/infra/telemetry"
	"toolbridge/internal/infra/wireproto"
)

// Options configures the manager.
type Options struct {
	Logger         *zap.Logger
	Metrics        domain.Metrics
	TerminateGrace time.Duration
}

// Manager tracks one toolState per configured tool.
type Manager struct {
	starter        domain.ProcessStarter
	logger         *zap.Logger
	metrics        domain.Metrics
	terminateGrace time.Duration

	mu       sync.Mutex
	tools    map[string]*toolState
	shutdown bool
}

type toolState struct {
	descriptor domain.ToolDescriptor
	state      domain.ProcessState
	handle     domain.ProcessHandle
	proc       *domain.ToolProcess
	// waiters are served strictly in arrival order. Each entry is buffered
	// with capacity 1 and only ever sent to while holding the manager mutex:
	// a channel absent from this queue therefore already holds its grant,
	// which is what lets a canceled waiter recover a grant that raced its
	// cancellation.
	waiters []chan grant
}

// grant is what a waiter receives when it is its turn. Exactly one of the
// three shapes is sent: a live handle (lease handoff), start ownership, or
// the zero grant telling the waiter to re-evaluate state.
type grant struct {
	handle domain.ProcessHandle
	proc   *domain.ToolProcess
	start  bool
}

func New(starter domain.ProcessStarter, tools map[string]domain.ToolDescriptor, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = domain.DefaultTerminateGraceSeconds * time.Second
	}

	m := &Manager{
		starter:        starter,
		logger:         logger.Named("manager"),
		metrics:        metrics,
		terminateGrace: grace,
		tools:          make(map[string]*toolState, len(tools)),
	}
	for name, descriptor := range tools {
		m.tools[name] = &toolState{
			descriptor: descriptor,
			state:      domain.ProcessStateNotStarted,
		}
		metrics.SetProcessState(name, domain.ProcessStateNotStarted)
	}
	return m
}

// Descriptor returns the static metadata for a tool.
func (m *Manager) Descriptor(tool string) (domain.ToolDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tools[tool]
	if !ok {
		return domain.ToolDescriptor{}, false
	}
	return st.descriptor, true
}

// Advertised returns the capability advertisement recorded for the tool's
// current process, nil when no process has advertised yet.
func (m *Manager) Advertised(tool string) []domain.AdvertisedTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tools[tool]
	if !ok || st.proc == nil {
		return nil
	}
	return st.proc.Advertised
}

// Acquire returns an exclusive lease on the tool's process, starting one if
// needed. Concurrent callers for the same tool queue in arrival order.
func (m *Manager) Acquire(ctx context.Context, tool string) (*Lease, error) {
	waitStart := time.Now()

	m.mu.Lock()
	st, ok := m.tools[tool]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTool, tool)
	}

	for {
		if m.shutdown || st.state == domain.ProcessStateStopped {
			m.mu.Unlock()
			return nil, domain.ErrShuttingDown
		}

		switch st.state {
		case domain.ProcessStateReady:
			st.state = domain.ProcessStateBusy
			handle, proc := st.handle, st.proc
			m.mu.Unlock()
			m.metrics.SetProcessState(tool, domain.ProcessStateBusy)
			m.metrics.ObserveLeaseWait(tool, time.Since(waitStart))
			return m.newLease(tool, handle, proc), nil

		case domain.ProcessStateNotStarted, domain.ProcessStateCrashed:
			wasCrashed := st.state == domain.ProcessStateCrashed
			st.state = domain.ProcessStateStarting
			m.mu.Unlock()
			if wasCrashed {
				m.logger.Info("restarting crashed tool process",
					telemetry.EventField(telemetry.EventProcessRestart),
					telemetry.ToolField(tool),
				)
			}
			m.metrics.SetProcessState(tool, domain.ProcessStateStarting)
			return m.startAndLease(ctx, st, waitStart)

		case domain.ProcessStateStarting, domain.ProcessStateBusy:
			ch := make(chan grant, 1)
			st.waiters = append(st.waiters, ch)
			m.mu.Unlock()

			select {
			case g := <-ch:
				if g.start {
					return m.startAndLease(ctx, st, waitStart)
				}
				if g.handle != nil {
					m.metrics.ObserveLeaseWait(st.descriptor.Name, time.Since(waitStart))
					return m.newLease(st.descriptor.Name, g.handle, g.proc), nil
				}
				m.mu.Lock()
				continue
			case <-ctx.Done():
				m.abandonWaiter(st, ch)
				return nil, ctx.Err()
			}

		default:
			m.mu.Unlock()
			return nil, fmt.Errorf("tool %s in unexpected state %s", tool, st.state)
		}
	}
}

// startAndLease launches a fresh process for a tool whose state the caller
// has already moved to Starting, reads the capability advertisement, and
// returns the first lease on it.
func (m *Manager) startAndLease(ctx context.Context, st *toolState, waitStart time.Time) (*Lease, error) {
	descriptor := st.descriptor
	started := time.Now()

	m.logger.Info("starting tool process",
		telemetry.EventField(telemetry.EventStartAttempt),
		telemetry.ToolField(descriptor.Name),
	)

	// The start budget is independent of the caller's deadline: a fresh
	// process should not be half-started because one caller was impatient.
	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), descriptor.StartTimeout())
	defer cancel()

	handle, err := m.starter.Start(startCtx, descriptor)
	var proc *domain.ToolProcess
	if err == nil {
		proc, err = m.readAdvertisement(startCtx, descriptor, handle, started)
		if err != nil {
			go handle.Terminate(m.terminateGrace)
			handle = nil
		}
	}
	m.metrics.ObserveProcessStart(descriptor.Name, time.Since(started), err)

	if err != nil {
		m.logger.Error("tool process start failed",
			telemetry.EventField(telemetry.EventStartFailure),
			telemetry.ToolField(descriptor.Name),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		m.mu.Lock()
		st.state = domain.ProcessStateCrashed
		st.handle = nil
		st.proc = nil
		if next := m.popWaiterLocked(st); next != nil {
			// The next caller owns its own launch attempt.
			st.state = domain.ProcessStateStarting
			next <- grant{start: true}
		}
		state := st.state
		m.mu.Unlock()
		m.metrics.SetProcessState(descriptor.Name, state)
		return nil, fmt.Errorf("start %s: %w", descriptor.Name, err)
	}

	m.logger.Info("tool process started",
		telemetry.EventField(telemetry.EventStartSuccess),
		telemetry.ToolField(descriptor.Name),
		telemetry.PIDField(handle.PID()),
		telemetry.DurationField(time.Since(started)),
	)

	m.mu.Lock()
	if m.shutdown {
		st.state = domain.ProcessStateStopped
		m.mu.Unlock()
		go handle.Terminate(m.terminateGrace)
		return nil, domain.ErrShuttingDown
	}
	st.handle = handle
	st.proc = proc
	st.state = domain.ProcessStateBusy
	m.mu.Unlock()

	m.metrics.SetProcessState(descriptor.Name, domain.ProcessStateBusy)
	m.metrics.ObserveLeaseWait(descriptor.Name, time.Since(waitStart))
	return m.newLease(descriptor.Name, handle, proc), nil
}

// readAdvertisement consumes the tool's first output line. A recognizable
// capability advertisement is recorded; anything else is discarded with a
// warning. A tool that emits nothing within the start budget failed to start.
func (m *Manager) readAdvertisement(ctx context.Context, descriptor domain.ToolDescriptor, handle domain.ProcessHandle, started time.Time) (*domain.ToolProcess, error) {
	line, err := handle.ReadLine(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: no output within start budget: %v", domain.ErrStartFailed, err)
	}

	proc := &domain.ToolProcess{
		Descriptor: descriptor,
		PID:        handle.PID(),
		StartedAt:  started,
	}
	if tools, ok := wireproto.DecodeAdvertisement(line); ok {
		proc.Advertised = tools
		names := make([]string, 0, len(tools))
		for _, tool := range tools {
			names = append(names, tool.Name)
		}
		m.logger.Info("capability advertisement recorded",
			telemetry.EventField(telemetry.EventAdvertisement),
			telemetry.ToolField(descriptor.Name),
			zap.Strings("advertised", names),
		)
	} else {
		m.logger.Warn("first output line is not a capability advertisement; discarded",
			telemetry.EventField(telemetry.EventAdvertisement),
			telemetry.ToolField(descriptor.Name),
		)
	}
	return proc, nil
}

// release is called exactly once per lease.
func (m *Manager) release(lease *Lease, outcome domain.Outcome) {
	m.mu.Lock()
	st, ok := m.tools[lease.tool]
	if !ok {
		m.mu.Unlock()
		return
	}
	if m.shutdown || st.state == domain.ProcessStateStopped {
		m.mu.Unlock()
		go lease.handle.Terminate(m.terminateGrace)
		return
	}

	switch outcome {
	case domain.OutcomeClean:
		if next := m.popWaiterLocked(st); next != nil {
			// Hand the lease to the next waiter; the process stays Busy.
			next <- grant{handle: lease.handle, proc: st.proc}
			m.mu.Unlock()
			return
		}
		st.state = domain.ProcessStateReady
		m.mu.Unlock()
		m.metrics.SetProcessState(lease.tool, domain.ProcessStateReady)
		return

	default:
		// Timeout or I/O failure: partial protocol state cannot be resumed,
		// so the process is never trusted with another call.
		old := st.handle
		st.handle = nil
		st.proc = nil
		st.state = domain.ProcessStateCrashed
		if next := m.popWaiterLocked(st); next != nil {
			st.state = domain.ProcessStateStarting
			next <- grant{start: true}
		}
		state := st.state
		m.mu.Unlock()

		m.logger.Warn("tool process crashed; will restart on next call",
			telemetry.EventField(telemetry.EventProcessCrash),
			telemetry.ToolField(lease.tool),
			telemetry.StateField(string(state)),
			zap.String("outcome", string(outcome)),
		)
		m.metrics.SetProcessState(lease.tool, state)
		m.metrics.ObserveProcessRestart(lease.tool, outcome)
		if old != nil {
			go old.Terminate(m.terminateGrace)
		}
	}
}

// abandonWaiter removes a canceled waiter from the queue. If a grant raced
// the cancellation, it is re-dispatched so the lease or start ownership is
// not lost.
func (m *Manager) abandonWaiter(st *toolState, ch chan grant) {
	m.mu.Lock()
	for i, waiter := range st.waiters {
		if waiter == ch {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			m.mu.Unlock()
			return
		}
	}

	// Not in the queue anymore. Grants are sent while holding the mutex, so
	// the grant for this channel is already buffered and the receive below
	// cannot miss it.
	select {
	case g := <-ch:
		switch {
		case g.handle != nil:
			if next := m.popWaiterLocked(st); next != nil {
				next <- g
				m.mu.Unlock()
				return
			}
			st.handle = g.handle
			st.proc = g.proc
			st.state = domain.ProcessStateReady
			m.mu.Unlock()
			m.metrics.SetProcessState(st.descriptor.Name, domain.ProcessStateReady)
		case g.start:
			if next := m.popWaiterLocked(st); next != nil {
				next <- g
				m.mu.Unlock()
				return
			}
			st.state = domain.ProcessStateCrashed
			m.mu.Unlock()
			m.metrics.SetProcessState(st.descriptor.Name, domain.ProcessStateCrashed)
		default:
			m.mu.Unlock()
		}
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) popWaiterLocked(st *toolState) chan grant {
	if len(st.waiters) == 0 {
		return nil
	}
	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	return next
}

// Shutdown transitions every tool to Stopped, terminates running processes,
// and fails all queued waiters. Stopped is terminal.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true

	var handles []domain.ProcessHandle
	for name, st := range m.tools {
		if st.handle != nil {
			handles = append(handles, st.handle)
		}
		st.handle = nil
		st.proc = nil
		st.state = domain.ProcessStateStopped
		for _, ch := range st.waiters {
			ch <- grant{}
		}
		st.waiters = nil
		m.metrics.SetProcessState(name, domain.ProcessStateStopped)
	}
	m.mu.Unlock()

	m.logger.Info("stopping tool processes",
		telemetry.EventField(telemetry.EventShutdown),
		zap.Int("count", len(handles)),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, handle := range handles {
			wg.Add(1)
			go func(h domain.ProcessHandle) {
				defer wg.Done()
				h.Terminate(m.terminateGrace)
			}(handle)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) newLease(tool string, handle domain.ProcessHandle, proc *domain.ToolProcess) *Lease {
	return &Lease{
		tool:   tool,
		handle: handle,
		proc:   proc,
		mgr:    m,
	}
}
