package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"toolbridge/internal/domain"
	"toolbridge/internal/infra/manager"
	"toolbridge/internal/infra/process"
)

// The shell script below speaks the wire protocol: it advertises itself,
// then answers every line with a fixed tool-result.
const shellToolScript = `
echo '{"type":"tool-description","tools":[{"name":"shell-echo","description":"answers everything"}]}'
while read line; do
  echo '{"type":"tool-result","output":{"answered":true}}'
done
`

func TestDispatcher_EndToEndWithShellTool(t *testing.T) {
	launcher := process.NewLauncher(nil)
	descriptor := domain.ToolDescriptor{
		Name:                "shell-echo",
		Cmd:                 []string{"sh", "-c", shellToolScript},
		CallTimeoutSeconds:  5,
		StartTimeoutSeconds: 5,
	}
	mgr := manager.New(launcher, map[string]domain.ToolDescriptor{"shell-echo": descriptor}, manager.Options{
		TerminateGrace: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	d := New(mgr, Options{})

	for i := 0; i < 3; i++ {
		result := d.Invoke(context.Background(), "shell-echo", map[string]any{"n": i})
		require.True(t, result.Ok(), "call %d failed: %v", i, result.Failure)
		require.Equal(t, map[string]any{"answered": true}, result.Output)
	}

	require.Len(t, mgr.Advertised("shell-echo"), 1)
}

func TestDispatcher_EndToEndCrashRecovery(t *testing.T) {
	// The tool answers one call, then exits. The second call hits a dead
	// process and the third gets a fresh one.
	script := `
echo '{"type":"tool-description","tools":[{"name":"one-shot"}]}'
read line
echo '{"type":"tool-result","output":{"shot":1}}'
`
	launcher := process.NewLauncher(nil)
	descriptor := domain.ToolDescriptor{
		Name:                "one-shot",
		Cmd:                 []string{"sh", "-c", script},
		CallTimeoutSeconds:  5,
		StartTimeoutSeconds: 5,
	}
	mgr := manager.New(launcher, map[string]domain.ToolDescriptor{"one-shot": descriptor}, manager.Options{
		TerminateGrace: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	d := New(mgr, Options{})

	result := d.Invoke(context.Background(), "one-shot", map[string]any{})
	require.True(t, result.Ok(), "first call failed: %v", result.Failure)

	result = d.Invoke(context.Background(), "one-shot", map[string]any{})
	require.False(t, result.Ok())
	require.Equal(t, domain.FailureToolCrashed, result.Failure.Kind)

	result = d.Invoke(context.Background(), "one-shot", map[string]any{})
	require.True(t, result.Ok(), "call after restart failed: %v", result.Failure)
}
