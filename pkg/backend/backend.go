// Package backend executes authorized invocation plans. Each runtime kind
// has one Backend: native host commands, one-shot containers and sandboxed
// WebAssembly components.
package backend

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/osutil"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

const (
	// DefaultMaxOutputBytes caps captured stdout and stderr per stream.
	DefaultMaxOutputBytes = 100 * 1024
	// DefaultMemoryPollInterval is how often native process trees are
	// sampled against max_memory_mb.
	DefaultMemoryPollInterval = 100 * time.Millisecond
	// DefaultDockerPath is the container CLI looked up on PATH.
	DefaultDockerPath = "docker"
)

// DefaultPassEnv lists host variables forwarded to native processes on top
// of the resolved environment.
var DefaultPassEnv = []string{"PATH", "HOME", "LANG", "TMPDIR"}

// Output is what a backend captured from one execution.
type Output struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// Backend runs plans of one runtime kind. Execute must honour the plan's
// timeout and the caller's context, and returns an *invocation.Error with
// StageExecute on failure. Output may be non-nil alongside an error, e.g.
// for a non-zero exit.
type Backend interface {
	Kind() invocation.RuntimeKind
	Execute(ctx context.Context, plan *invocation.Plan) (*Output, error)
}

// Options tune the built-in backends.
type Options struct {
	KillGrace          time.Duration
	MaxOutputBytes     int
	PassEnv            []string
	DockerPath         string
	MemoryPollInterval time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		KillGrace:          osutil.GracefulShutdownDelay,
		MaxOutputBytes:     DefaultMaxOutputBytes,
		PassEnv:            DefaultPassEnv,
		DockerPath:         DefaultDockerPath,
		MemoryPollInterval: DefaultMemoryPollInterval,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.KillGrace < 0 {
		o.KillGrace = 0
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = d.MaxOutputBytes
	}
	if o.PassEnv == nil {
		o.PassEnv = d.PassEnv
	}
	if o.DockerPath == "" {
		o.DockerPath = d.DockerPath
	}
	if o.MemoryPollInterval <= 0 {
		o.MemoryPollInterval = d.MemoryPollInterval
	}
	return o
}

// Registry maps runtime kinds to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[invocation.RuntimeKind]Backend
}

// NewRegistry creates a registry holding the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: map[invocation.RuntimeKind]Backend{}}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// NewDefaultRegistry registers the native, container and component
// backends with opts.
func NewDefaultRegistry(opts Options) *Registry {
	return NewRegistry(NewNative(opts), NewContainer(opts), NewComponent(opts))
}

// Register adds or replaces the backend for its kind.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Kind()] = b
}

// Get returns the backend for kind.
func (r *Registry) Get(kind invocation.RuntimeKind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[kind]
	if !ok {
		return nil, invocation.NewError(invocation.StageExecute, invocation.KindBackendLaunchFailed,
			"no backend registered for runtime %q", kind)
	}
	return b, nil
}

// Close releases backend resources such as compiled module caches.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, b := range r.backends {
		c, ok := b.(interface{ Close(context.Context) error })
		if !ok {
			continue
		}
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close %s backend", b.Kind())
		}
	}
	return firstErr
}

func execErr(kind invocation.Kind, format string, args ...any) *invocation.Error {
	return invocation.NewError(invocation.StageExecute, kind, format, args...)
}

// deadline derives the execution context for a plan from its timeout.
func deadline(ctx context.Context, plan *invocation.Plan) (context.Context, context.CancelFunc) {
	if t := plan.Capabilities.Timeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

// interruption maps a finished context to the matching execution error:
// TimedOut when the plan's deadline passed, Internal when the caller
// cancelled.
func interruption(ctx context.Context, plan *invocation.Plan) *invocation.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return execErr(invocation.KindTimedOut, "%s/%s exceeded timeout of %s",
			plan.Skill, plan.Tool, plan.Capabilities.Timeout())
	}
	return execErr(invocation.KindInternal, "%s/%s was cancelled", plan.Skill, plan.Tool)
}

// envList renders env as sorted KEY=VALUE pairs, after the host variables
// named in pass that env does not set.
func envList(env map[string]string, pass []string) []string {
	out := make([]string, 0, len(env)+len(pass))
	for _, name := range pass {
		if _, set := env[name]; set {
			continue
		}
		if v, ok := os.LookupEnv(name); ok {
			out = append(out, name+"="+v)
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// while still reporting full writes, so a chatty process is never blocked.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + fmt.Sprintf("\n\n[TRUNCATED - output exceeded %d bytes]", b.limit)
	}
	return string(b.buf)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
