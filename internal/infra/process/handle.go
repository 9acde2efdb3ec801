// Package process owns the OS side of one tool child: launching it with
// captured pipes, framing its stdout into lines, mirroring stderr into the
// log, and terminating it. No other package touches the process table.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"toolbridge/internal/domain"
	"toolbridge/internal/infra/telemetry"
)

type processCleanup func()

// Launcher starts tool processes. It implements domain.ProcessStarter.
type Launcher struct {
	logger *zap.Logger
}

func NewLauncher(logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{logger: logger.Named("process")}
}

// Handle is one running child process: its stdin writer, framed stdout
// reader, and exit tracking. It knows nothing about leases or retries.
type Handle struct {
	tool string
	cmd  *exec.Cmd

	stdin io.WriteCloser
	lines chan string

	closing chan struct{}
	exited  chan struct{}
	exitErr error

	groupCleanup processCleanup
	logger       *zap.Logger

	writeMu  sync.Mutex
	termOnce sync.Once
}

// Start launches the descriptor's command with stdin/stdout captured as byte
// streams and stderr mirrored to the logger for diagnostics.
func (l *Launcher) Start(ctx context.Context, descriptor domain.ToolDescriptor) (domain.ProcessHandle, error) {
	if len(descriptor.Cmd) == 0 {
		return nil, fmt.Errorf("%w: launch command is empty", domain.ErrStartFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(descriptor.Cmd[0], descriptor.Cmd[1:]...)
	if descriptor.Cwd != "" {
		cmd.Dir = descriptor.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(descriptor.Env)...)
	groupCleanup := setupProcessHandling(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", classifyStartError(err))
	}

	// One base logger per child; log_source separates the bridge's own
	// lifecycle lines from mirrored tool output.
	base := l.logger.With(
		telemetry.ToolField(descriptor.Name),
		telemetry.PIDField(cmd.Process.Pid),
	)
	handle := &Handle{
		tool:         descriptor.Name,
		cmd:          cmd,
		stdin:        stdin,
		lines:        make(chan string, 4),
		closing:      make(chan struct{}),
		exited:       make(chan struct{}),
		groupCleanup: groupCleanup,
		logger:       base.With(zap.String(telemetry.FieldLogSource, telemetry.LogSourceCore)),
	}

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go handle.readLines(stdout, stdoutDone)
	go func() {
		defer close(stderrDone)
		mirrorStderr(stderr, base.With(
			zap.String(telemetry.FieldLogSource, telemetry.LogSourceDownstream),
			zap.String(telemetry.FieldLogStream, "stderr"),
		))
	}()
	go handle.awaitExit(stdoutDone, stderrDone)

	return handle, nil
}

// WriteLine writes one protocol line to the child's stdin, appending the
// delimiter. Fails once the process has exited.
func (h *Handle) WriteLine(line []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	select {
	case <-h.exited:
		return fmt.Errorf("write line: %w", domain.ErrProcessExited)
	default:
	}

	payload := make([]byte, 0, len(line)+1)
	payload = append(payload, line...)
	payload = append(payload, '\n')
	if _, err := h.stdin.Write(payload); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// ReadLine blocks until a full delimited line is available, the context
// expires, or the stream closes. Partial lines are never returned.
func (h *Handle) ReadLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-h.lines:
		if !ok {
			return "", fmt.Errorf("read line: %w", domain.ErrProcessExited)
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Terminate sends a graceful stop, waits up to grace, then force-kills the
// process group. Idempotent and safe on an already-exited process.
func (h *Handle) Terminate(grace time.Duration) {
	h.termOnce.Do(func() {
		close(h.closing)
		select {
		case <-h.exited:
			return
		default:
		}

		// Closing stdin first lets line-loop tools exit on their own.
		h.writeMu.Lock()
		_ = h.stdin.Close()
		h.writeMu.Unlock()

		if err := signalGracefulStop(h.cmd.Process); err != nil {
			h.logger.Debug("graceful stop signal failed", zap.Error(err))
		}

		select {
		case <-h.exited:
			return
		case <-time.After(grace):
		}

		if h.groupCleanup != nil {
			h.groupCleanup()
		}
		<-h.exited
	})
}

// PID returns the child's process ID.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// ExitErr returns the process exit error once it has exited, nil before.
func (h *Handle) ExitErr() error {
	select {
	case <-h.exited:
		return h.exitErr
	default:
		return nil
	}
}

func (h *Handle) readLines(stdout io.Reader, done chan<- struct{}) {
	defer close(done)
	defer close(h.lines)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), domain.MaxLineBytes)
	for scanner.Scan() {
		select {
		case h.lines <- scanner.Text():
		case <-h.closing:
			// Drain the remainder so the pipe reaches EOF and Wait can run.
			for scanner.Scan() {
			}
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.logger.Debug("stdout closed", zap.Error(err))
	}
}

func (h *Handle) awaitExit(stdoutDone, stderrDone <-chan struct{}) {
	<-stdoutDone
	<-stderrDone
	h.exitErr = normalizeExitError(h.cmd.Wait())
	if h.exitErr != nil {
		h.logger.Info("process exited",
			telemetry.EventField(telemetry.EventProcessStop),
			zap.Error(h.exitErr),
		)
	}
	close(h.exited)
}

const maxStderrLineLength = 32 * 1024

func mirrorStderr(reader io.Reader, logger *zap.Logger) {
	buf := bufio.NewReaderSize(reader, 8192)
	for {
		line, isPrefix, err := buf.ReadLine()
		if len(line) > 0 {
			trimmed := strings.TrimRight(string(line), "\r\n")
			if trimmed != "" {
				if len(trimmed) > maxStderrLineLength {
					trimmed = trimmed[:maxStderrLineLength] + "... [truncated]"
				}
				logger.Info(trimmed)
			}
			if isPrefix {
				// Discard the rest of an oversized line.
				for isPrefix && err == nil {
					_, isPrefix, err = buf.ReadLine()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func classifyStartError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, err.Error())
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(pathErr.Err, exec.ErrNotFound) || errors.Is(pathErr.Err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
		}
		if errors.Is(pathErr.Err, os.ErrPermission) {
			return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, err.Error())
		}
	}
	return err
}

func normalizeExitError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
		return nil
	}
	return err
}

var _ domain.ProcessStarter = (*Launcher)(nil)
var _ domain.ProcessHandle = (*Handle)(nil)
