//go:build unix

package osutil

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// GracefulShutdownDelay is the default time a process group gets between
// SIGTERM and SIGKILL.
const GracefulShutdownDelay = 2 * time.Second

// SetProcessGroup configures the command to run in its own process group.
// This allows killing the entire process tree on timeout.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// SetProcessGroupKill sets up a cancel function that sends SIGTERM to the
// whole process group and escalates to SIGKILL when the group is still alive
// after grace. Must be called after SetProcessGroup and before cmd.Start().
// A non-positive grace kills immediately.
func SetProcessGroupKill(cmd *exec.Cmd, grace time.Duration) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		pgid := cmd.Process.Pid
		if grace <= 0 {
			return ignoreGone(syscall.Kill(-pgid, syscall.SIGKILL))
		}
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			return ignoreGone(err)
		}
		time.AfterFunc(grace, func() {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		})
		return nil
	}
}

// KillProcessGroup sends SIGKILL to the process group led by pid.
func KillProcessGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGKILL))
}

func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
