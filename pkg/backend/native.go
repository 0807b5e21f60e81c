package backend

import (
	"context"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/osutil"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// Native runs allow-listed host commands directly, without a shell, each in
// its own process group.
type Native struct {
	opts Options
}

// NewNative creates the native backend.
func NewNative(opts Options) *Native {
	return &Native{opts: opts.withDefaults()}
}

// Kind implements Backend.
func (n *Native) Kind() invocation.RuntimeKind {
	return invocation.RuntimeNative
}

// Execute implements Backend. On timeout the process group receives
// SIGTERM, then SIGKILL once the kill grace period has passed.
func (n *Native) Execute(ctx context.Context, plan *invocation.Plan) (*Output, error) {
	if len(plan.Argv) == 0 {
		return nil, execErr(invocation.KindBackendLaunchFailed, "native plan for %s has no command", plan.Skill)
	}

	execCtx, cancel := deadline(ctx, plan)
	defer cancel()

	cmd := exec.CommandContext(execCtx, plan.Argv[0], plan.Argv[1:]...)
	cmd.Dir = plan.WorkDir
	cmd.Env = envList(plan.Env, n.opts.PassEnv)
	osutil.SetProcessGroup(cmd)
	osutil.SetProcessGroupKill(cmd, n.opts.KillGrace)
	cmd.WaitDelay = n.opts.KillGrace + time.Second

	stdout := newCappedBuffer(n.opts.MaxOutputBytes)
	stderr := newCappedBuffer(n.opts.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log := logger.G(ctx).WithFields(logrus.Fields{
		"command": plan.Command,
		"dir":     plan.WorkDir,
	})

	if err := cmd.Start(); err != nil {
		return nil, invocation.WrapError(err, invocation.StageExecute, invocation.KindBackendLaunchFailed,
			"failed to start %s", plan.Command)
	}
	log.WithField("pid", cmd.Process.Pid).Debug("native process started")

	var oom atomic.Bool
	stopWatch := make(chan struct{})
	if limit := plan.Capabilities.MaxMemoryMB; limit > 0 {
		go n.watchMemory(execCtx, cmd.Process.Pid, uint64(limit)*1024*1024, &oom, stopWatch)
	}

	waitErr := cmd.Wait()
	close(stopWatch)

	out := &Output{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode(cmd, waitErr),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	switch {
	case oom.Load():
		return out, execErr(invocation.KindMemoryLimitExceeded, "%s exceeded max_memory_mb=%d",
			plan.Command, plan.Capabilities.MaxMemoryMB)
	case execCtx.Err() != nil:
		return out, interruption(execCtx, plan)
	case waitErr == nil:
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return out, execErr(invocation.KindNonZeroExit, "%s exited with status %d", plan.Command, out.ExitCode)
	}
	return out, invocation.WrapError(waitErr, invocation.StageExecute, invocation.KindInternal,
		"failed waiting for %s", plan.Command)
}

// watchMemory samples the process tree RSS and kills the group once it
// exceeds limit bytes.
func (n *Native) watchMemory(ctx context.Context, pid int, limit uint64, oom *atomic.Bool, stop <-chan struct{}) {
	ticker := time.NewTicker(n.opts.MemoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rss, err := osutil.TreeRSS(ctx, pid)
			if err != nil {
				if !osutil.IsProcessAlive(pid) {
					return
				}
				continue
			}
			if rss <= limit {
				continue
			}
			oom.Store(true)
			logger.G(ctx).WithFields(logrus.Fields{"pid": pid, "rss": rss, "limit": limit}).
				Warn("native process exceeded memory limit, killing process group")
			if err := osutil.KillProcessGroup(pid); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to kill process group")
			}
			return
		}
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
