//go:build !linux

package process

import (
	"os"
	"os/exec"
)

func setupProcessHandling(cmd *exec.Cmd) processCleanup {
	return func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

func signalGracefulStop(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	return proc.Signal(os.Interrupt)
}
