//go:build windows

package osutil

import (
	"os"
	"os/exec"
	"time"
)

// GracefulShutdownDelay is defined for API consistency. Windows has no
// SIGTERM, so processes are terminated immediately.
const GracefulShutdownDelay = 2 * time.Second

// SetProcessGroup is a no-op on Windows.
func SetProcessGroup(_ *exec.Cmd) {}

// SetProcessGroupKill terminates the main process when the command's
// context is done. Child processes may survive.
func SetProcessGroupKill(cmd *exec.Cmd, _ time.Duration) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Kill)
	}
}

// KillProcessGroup kills the process with the given pid.
func KillProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
