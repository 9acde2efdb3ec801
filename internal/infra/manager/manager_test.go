package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"toolbridge/internal/domain"
)

const advertisementLine = `{"type":"tool-description","tools":[{"name":"get-forecast","description":"weather"}]}`

type fakeHandle struct {
	pid        int
	replies    chan string
	terminated atomic.Int32

	mu    sync.Mutex
	wrote []string
}

func newFakeHandle(pid int) *fakeHandle {
	h := &fakeHandle{pid: pid, replies: make(chan string, 16)}
	h.replies <- advertisementLine
	return h
}

func (h *fakeHandle) WriteLine(line []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wrote = append(h.wrote, string(line))
	return nil
}

func (h *fakeHandle) ReadLine(ctx context.Context) (string, error) {
	select {
	case line := <-h.replies:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *fakeHandle) Terminate(time.Duration) {
	h.terminated.Add(1)
}

func (h *fakeHandle) PID() int { return h.pid }

type fakeStarter struct {
	mu       sync.Mutex
	starts   int
	failures int
	handles  []*fakeHandle
}

func (s *fakeStarter) Start(ctx context.Context, descriptor domain.ToolDescriptor) (domain.ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("%w: no such file", domain.ErrExecutableNotFound)
	}
	handle := newFakeHandle(1000 + s.starts)
	s.handles = append(s.handles, handle)
	return handle, nil
}

func (s *fakeStarter) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *fakeStarter) lastHandle() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

func testDescriptors(names ...string) map[string]domain.ToolDescriptor {
	tools := make(map[string]domain.ToolDescriptor, len(names))
	for _, name := range names {
		tools[name] = domain.ToolDescriptor{
			Name:                name,
			Cmd:                 []string{"./" + name},
			StartTimeoutSeconds: 2,
		}
	}
	return tools
}

func TestManager_LazyStartAndReuse(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	require.Equal(t, 0, starter.startCount())

	lease, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	require.Equal(t, 1, starter.startCount())
	lease.Release(domain.OutcomeClean)

	lease2, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	require.Equal(t, 1, starter.startCount(), "clean release must not restart")
	require.Same(t, lease.Handle(), lease2.Handle())
	lease2.Release(domain.OutcomeClean)
}

func TestManager_UnknownTool(t *testing.T) {
	m := New(&fakeStarter{}, testDescriptors("get-forecast"), Options{})
	_, err := m.Acquire(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrUnknownTool)
}

func TestManager_AdvertisementRecorded(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	lease, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	defer lease.Release(domain.OutcomeClean)

	require.NotNil(t, lease.Process())
	require.Len(t, lease.Process().Advertised, 1)
	require.Equal(t, "get-forecast", lease.Process().Advertised[0].Name)
	require.Equal(t, lease.Process().Advertised, m.Advertised("get-forecast"))
}

func TestManager_MutualExclusionFIFO(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	const callers = 8
	var mu sync.Mutex
	var inFlight, maxInFlight int
	order := make([]int, 0, callers)

	first, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)

	queued := func(n int) func() bool {
		return func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return len(m.tools["get-forecast"].waiters) == n
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			lease, err := m.Acquire(context.Background(), "get-forecast")
			require.NoError(t, err)

			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			order = append(order, id)
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			lease.Release(domain.OutcomeClean)
		}(i)
		// Wait for this caller to enqueue before launching the next, so the
		// arrival order is deterministic.
		require.Eventually(t, queued(i+1), time.Second, time.Millisecond)
	}

	first.Release(domain.OutcomeClean)
	wg.Wait()

	require.Equal(t, 1, maxInFlight, "two leases overlapped on one tool")
	require.Equal(t, 1, starter.startCount())
	for i := 0; i < callers; i++ {
		require.Equal(t, i, order[i], "waiters must be served in arrival order")
	}
}

func TestManager_ToolsDoNotBlockEachOther(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast", "get-time"), Options{})

	forecast, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	defer forecast.Release(domain.OutcomeClean)

	// While get-forecast is held, get-time must still be acquirable.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	clock, err := m.Acquire(ctx, "get-time")
	require.NoError(t, err)
	clock.Release(domain.OutcomeClean)
}

func TestManager_CrashOutcomeRestartsProcess(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	lease, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	crashed := starter.lastHandle()
	lease.Release(domain.OutcomeIOError)

	require.Eventually(t, func() bool {
		return crashed.terminated.Load() > 0
	}, time.Second, 5*time.Millisecond, "crashed process must be terminated")

	// Next call gets a fresh process.
	lease2, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	defer lease2.Release(domain.OutcomeClean)
	require.Equal(t, 2, starter.startCount())
	require.NotSame(t, crashed, lease2.Handle())
}

func TestManager_TimeoutOutcomeRestartsProcess(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	lease, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	lease.Release(domain.OutcomeTimeout)

	lease2, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	defer lease2.Release(domain.OutcomeClean)
	require.Equal(t, 2, starter.startCount())
}

func TestManager_StartFailureReportedOnceThenRetried(t *testing.T) {
	starter := &fakeStarter{failures: 1}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	_, err := m.Acquire(context.Background(), "get-forecast")
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrExecutableNotFound)
	require.Equal(t, 1, starter.startCount())

	// No automatic retry happened; the next call launches fresh.
	lease, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	defer lease.Release(domain.OutcomeClean)
	require.Equal(t, 2, starter.startCount())
}

func TestManager_StartFailureWakesQueuedWaiter(t *testing.T) {
	starter := &fakeStarter{failures: 2}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := m.Acquire(context.Background(), "get-forecast")
			errs[i] = err
			if err == nil {
				lease.Release(domain.OutcomeClean)
			}
		}(i)
	}
	wg.Wait()

	// Both callers fail independently: no caller inherits another's error,
	// and each performed its own launch attempt.
	require.Error(t, errs[0])
	require.Error(t, errs[1])
	require.Equal(t, 2, starter.startCount())
}

func TestManager_AcquireCanceledWhileWaiting(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	lease, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "get-forecast")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter must not wedge the tool.
	lease.Release(domain.OutcomeClean)
	lease2, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	lease2.Release(domain.OutcomeClean)
}

func TestManager_ReleaseRacingCanceledWaiter(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	// A waiter that cancels at the same moment the holder releases must not
	// swallow the lease: whichever way the race goes, the next caller still
	// gets the process.
	for i := 0; i < 200; i++ {
		lease, err := m.Acquire(context.Background(), "get-forecast")
		require.NoError(t, err)

		waitCtx, cancel := context.WithCancel(context.Background())
		waiterDone := make(chan struct{})
		go func() {
			defer close(waiterDone)
			if l, err := m.Acquire(waitCtx, "get-forecast"); err == nil {
				l.Release(domain.OutcomeClean)
			}
		}()

		require.Eventually(t, func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return len(m.tools["get-forecast"].waiters) == 1
		}, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cancel() }()
		go func() { defer wg.Done(); lease.Release(domain.OutcomeClean) }()
		wg.Wait()
		<-waiterDone

		ctx, cancelNext := context.WithTimeout(context.Background(), time.Second)
		next, err := m.Acquire(ctx, "get-forecast")
		cancelNext()
		require.NoError(t, err, "tool wedged after iteration %d", i)
		next.Release(domain.OutcomeClean)
	}
	require.Equal(t, 1, starter.startCount())
}

func TestManager_CrashReleaseRacingCanceledWaiter(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	// Same race on the crash path, where the waiter is handed start ownership
	// instead of a live lease. A canceled waiter must give the ownership back
	// so the tool does not stick in Starting.
	for i := 0; i < 100; i++ {
		lease, err := m.Acquire(context.Background(), "get-forecast")
		require.NoError(t, err)

		waitCtx, cancel := context.WithCancel(context.Background())
		waiterDone := make(chan struct{})
		go func() {
			defer close(waiterDone)
			if l, err := m.Acquire(waitCtx, "get-forecast"); err == nil {
				l.Release(domain.OutcomeClean)
			}
		}()

		require.Eventually(t, func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return len(m.tools["get-forecast"].waiters) == 1
		}, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cancel() }()
		go func() { defer wg.Done(); lease.Release(domain.OutcomeIOError) }()
		wg.Wait()
		<-waiterDone

		ctx, cancelNext := context.WithTimeout(context.Background(), time.Second)
		next, err := m.Acquire(ctx, "get-forecast")
		cancelNext()
		require.NoError(t, err, "tool wedged after iteration %d", i)
		next.Release(domain.OutcomeClean)
	}
}

func TestManager_ShutdownIsTerminal(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	lease, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)
	running := starter.lastHandle()
	lease.Release(domain.OutcomeClean)

	require.NoError(t, m.Shutdown(context.Background()))
	require.Positive(t, running.terminated.Load())

	_, err = m.Acquire(context.Background(), "get-forecast")
	require.ErrorIs(t, err, domain.ErrShuttingDown)

	// Shutdown is idempotent.
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_ShutdownWakesWaiters(t *testing.T) {
	starter := &fakeStarter{}
	m := New(starter, testDescriptors("get-forecast"), Options{})

	lease, err := m.Acquire(context.Background(), "get-forecast")
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "get-forecast")
		waiterErr <- err
	}()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.tools["get-forecast"].waiters) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, m.Shutdown(context.Background()))

	select {
	case err := <-waiterErr:
		require.ErrorIs(t, err, domain.ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("queued waiter was not woken by shutdown")
	}
	lease.Release(domain.OutcomeClean)
}

func TestManager_StartTimeoutWhenToolStaysSilent(t *testing.T) {
	starter := &silentStarter{}
	tools := testDescriptors("get-forecast")
	descriptor := tools["get-forecast"]
	descriptor.StartTimeoutSeconds = 1
	tools["get-forecast"] = descriptor
	m := New(starter, tools, Options{})

	begin := time.Now()
	_, err := m.Acquire(context.Background(), "get-forecast")
	require.ErrorIs(t, err, domain.ErrStartFailed)
	require.Less(t, time.Since(begin), 3*time.Second)
}

type silentStarter struct{}

func (s *silentStarter) Start(ctx context.Context, descriptor domain.ToolDescriptor) (domain.ProcessHandle, error) {
	// A handle whose process never writes its advertisement.
	return &fakeHandle{pid: 1, replies: make(chan string)}, nil
}

var _ domain.ProcessStarter = (*fakeStarter)(nil)
var _ domain.ProcessHandle = (*fakeHandle)(nil)
