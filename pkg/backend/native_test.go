//go:build unix

package backend

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

func shellPlan(script string, caps invocation.CapabilitySet) *invocation.Plan {
	if caps.TimeoutMS == 0 {
		caps.TimeoutMS = 10000
	}
	return &invocation.Plan{
		Skill:        "sh",
		Instance:     "default",
		Tool:         "run",
		Runtime:      invocation.RuntimeNative,
		Command:      "sh",
		Argv:         []string{"sh", "-c", script},
		Capabilities: caps,
	}
}

func TestNativeEcho(t *testing.T) {
	n := NewNative(DefaultOptions())
	out, err := n.Execute(context.Background(), &invocation.Plan{
		Skill:        "echo",
		Runtime:      invocation.RuntimeNative,
		Command:      "echo",
		Argv:         []string{"echo", "hello"},
		Capabilities: invocation.CapabilitySet{TimeoutMS: 5000},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, 0, out.ExitCode)
}

func TestNativeEnvironmentAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	plan := shellPlan(`echo "$SKILL_REGION"; pwd`, invocation.CapabilitySet{})
	plan.Env = map[string]string{"SKILL_REGION": "eu-west-1"}
	plan.WorkDir = dir

	out, err := NewNative(DefaultOptions()).Execute(context.Background(), plan)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "eu-west-1", lines[0])
	assert.Contains(t, lines[1], dir[strings.LastIndex(dir, "/"):])
}

func TestNativeNonZeroExit(t *testing.T) {
	out, err := NewNative(DefaultOptions()).Execute(context.Background(),
		shellPlan(`echo partial; echo oops >&2; exit 3`, invocation.CapabilitySet{}))
	requireExecKind(t, err, invocation.KindNonZeroExit)
	require.NotNil(t, out)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "partial\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
}

func TestNativeLaunchFailure(t *testing.T) {
	_, err := NewNative(DefaultOptions()).Execute(context.Background(), &invocation.Plan{
		Skill:   "ghost",
		Runtime: invocation.RuntimeNative,
		Command: "skillet-definitely-not-installed",
		Argv:    []string{"skillet-definitely-not-installed"},
	})
	requireExecKind(t, err, invocation.KindBackendLaunchFailed)
}

func TestNativeTimeoutEscalatesToKill(t *testing.T) {
	opts := DefaultOptions()
	opts.KillGrace = 200 * time.Millisecond
	n := NewNative(opts)

	start := time.Now()
	_, err := n.Execute(context.Background(), shellPlan(`trap '' TERM; while true; do sleep 0.05; done`,
		invocation.CapabilitySet{TimeoutMS: 300}))
	elapsed := time.Since(start)

	requireExecKind(t, err, invocation.KindTimedOut)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second, "SIGKILL follows the grace period")
}

func TestNativeCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := NewNative(DefaultOptions()).Execute(ctx, shellPlan(`sleep 10`, invocation.CapabilitySet{}))
	requireExecKind(t, err, invocation.KindInternal)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestNativeOutputCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxOutputBytes = 16
	out, err := NewNative(opts).Execute(context.Background(),
		shellPlan(`i=0; while [ $i -lt 100 ]; do echo line-$i; i=$((i+1)); done`, invocation.CapabilitySet{}))
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.True(t, strings.HasPrefix(out.Stdout, "line-0\nline-1\nli"))
	assert.Contains(t, out.Stdout, "[TRUNCATED")
}

func TestNativeMemoryLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates ~64MB")
	}
	opts := DefaultOptions()
	opts.MemoryPollInterval = 20 * time.Millisecond
	plan := shellPlan(`x=$(head -c 67108864 /dev/zero | tr '\0' a); sleep 10`, invocation.CapabilitySet{MaxMemoryMB: 16})
	plan.Argv[0], plan.Command = "bash", "bash"

	_, err := NewNative(opts).Execute(context.Background(), plan)
	requireExecKind(t, err, invocation.KindMemoryLimitExceeded)
}

func TestWatchMemoryStopsWhenProcessIsGone(t *testing.T) {
	opts := DefaultOptions()
	opts.MemoryPollInterval = 10 * time.Millisecond
	n := NewNative(opts)

	var oom atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.watchMemory(context.Background(), 99999999, 1, &oom, make(chan struct{}))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchMemory kept polling a process that does not exist")
	}
	assert.False(t, oom.Load())
}
