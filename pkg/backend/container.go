package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

const (
	containerNamePrefix = "skillet-"
	pullAttempts        = 3
	pullInitialDelay    = 2 * time.Second
	killTimeout         = 10 * time.Second
)

// Docker run exit codes reserved for the CLI and the container runtime
// rather than the skill itself.
const (
	exitDockerDaemon   = 125
	exitNotExecutable  = 126
	exitCommandMissing = 127
	exitKilled         = 137
)

// Container runs each invocation in a fresh container through the docker
// CLI. Containers are never reused across invocations.
type Container struct {
	opts Options
}

// NewContainer creates the container backend.
func NewContainer(opts Options) *Container {
	return &Container{opts: opts.withDefaults()}
}

// Kind implements Backend.
func (c *Container) Kind() invocation.RuntimeKind {
	return invocation.RuntimeContainer
}

// Execute implements Backend. Arguments are written to the container's
// stdin as a JSON object; the tool name and flag tokens follow the image's
// command.
func (c *Container) Execute(ctx context.Context, plan *invocation.Plan) (*Output, error) {
	spec := plan.Container
	if spec == nil || spec.Image == "" {
		return nil, execErr(invocation.KindBackendLaunchFailed, "container plan for %s has no image", plan.Skill)
	}

	execCtx, cancel := deadline(ctx, plan)
	defer cancel()

	if spec.Pull {
		if err := c.ensureImage(execCtx, spec.Image); err != nil {
			if execCtx.Err() != nil {
				return nil, interruption(execCtx, plan)
			}
			return nil, invocation.WrapError(err, invocation.StageExecute, invocation.KindBackendLaunchFailed,
				"failed to pull image %s", spec.Image)
		}
	}

	stdin, err := json.Marshal(argumentsOrEmpty(plan.Arguments))
	if err != nil {
		return nil, invocation.WrapError(err, invocation.StageExecute, invocation.KindInternal, "failed to encode arguments")
	}

	name := containerNamePrefix + uuid.New().String()[:12]
	args := runArgs(name, plan)

	log := logger.G(ctx).WithFields(logrus.Fields{
		"container": name,
		"image":     spec.Image,
	})
	log.WithField("args", strings.Join(args, " ")).Debug("starting container")

	cmd := exec.CommandContext(execCtx, c.opts.DockerPath, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	stdout := newCappedBuffer(c.opts.MaxOutputBytes)
	stderr := newCappedBuffer(c.opts.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		c.kill(name, log)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = c.opts.KillGrace + time.Second

	if err := cmd.Start(); err != nil {
		return nil, invocation.WrapError(err, invocation.StageExecute, invocation.KindBackendLaunchFailed,
			"failed to run %s", c.opts.DockerPath)
	}
	waitErr := cmd.Wait()

	out := &Output{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode(cmd, waitErr),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if execCtx.Err() != nil {
		return out, interruption(execCtx, plan)
	}
	if waitErr == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return out, invocation.WrapError(waitErr, invocation.StageExecute, invocation.KindInternal,
			"failed waiting for container %s", name)
	}
	switch out.ExitCode {
	case exitDockerDaemon, exitNotExecutable, exitCommandMissing:
		return out, execErr(invocation.KindBackendLaunchFailed, "container %s failed to start (status %d): %s",
			spec.Image, out.ExitCode, firstLine(out.Stderr))
	case exitKilled:
		if plan.Capabilities.MaxMemoryMB > 0 || spec.Memory != "" {
			return out, execErr(invocation.KindMemoryLimitExceeded, "container %s was killed, likely out of memory", spec.Image)
		}
	}
	return out, execErr(invocation.KindNonZeroExit, "container %s exited with status %d", spec.Image, out.ExitCode)
}

// runArgs builds the docker run argument vector for plan.
func runArgs(name string, plan *invocation.Plan) []string {
	spec := plan.Container
	args := []string{"run", "--rm", "-i", "--name", name}

	network := "none"
	if plan.Capabilities.NetworkAccess {
		network = "bridge"
		if spec.Network != "" {
			network = spec.Network
		}
	}
	args = append(args, "--network", network)

	memory := spec.Memory
	if memory == "" && plan.Capabilities.MaxMemoryMB > 0 {
		memory = fmt.Sprintf("%dm", plan.Capabilities.MaxMemoryMB)
	}
	if memory != "" {
		args = append(args, "--memory", memory)
	}
	if spec.CPUs != "" {
		args = append(args, "--cpus", spec.CPUs)
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.GPUs != "" {
		args = append(args, "--gpus", spec.GPUs)
	}
	if spec.ReadOnly {
		args = append(args, "--read-only")
	}
	if spec.Platform != "" {
		args = append(args, "--platform", spec.Platform)
	}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}
	if spec.Entrypoint != "" {
		args = append(args, "--entrypoint", spec.Entrypoint)
	}

	for _, m := range spec.Mounts {
		v := m.HostPath + ":" + m.GuestPath
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "--volume", v)
	}

	env := make(map[string]string, len(plan.Env)+len(spec.Environment))
	for k, v := range plan.Env {
		env[k] = v
	}
	for k, v := range spec.Environment {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+env[k])
	}

	args = append(args, spec.ExtraArgs...)
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// ensureImage pulls image when it is not present locally.
func (c *Container) ensureImage(ctx context.Context, image string) error {
	inspect := exec.CommandContext(ctx, c.opts.DockerPath, "image", "inspect", "--format", "{{.Id}}", image)
	if err := inspect.Run(); err == nil {
		return nil
	}

	logger.G(ctx).WithField("image", image).Info("pulling image")
	return retry.Do(
		func() error {
			out, err := exec.CommandContext(ctx, c.opts.DockerPath, "pull", image).CombinedOutput()
			if err != nil {
				return errors.Wrapf(err, "docker pull: %s", firstLine(string(out)))
			}
			return nil
		},
		retry.Attempts(pullAttempts),
		retry.Delay(pullInitialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying image pull")
		}),
	)
}

// kill stops a running container. It uses a fresh context since the
// invocation's own context is already done.
func (c *Container) kill(name string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if out, err := exec.CommandContext(ctx, c.opts.DockerPath, "kill", name).CombinedOutput(); err != nil {
		log.WithError(err).WithField("output", firstLine(string(out))).Debug("docker kill failed")
	}
}

func argumentsOrEmpty(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
