package backend

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

const (
	wasmPageSize = 64 * 1024
	maxWasmPages = 65536
	initializeFn = "_initialize"
	pagesPerMebi = 1024 * 1024 / wasmPageSize
)

// Component runs WebAssembly modules under WASI preview1 with wazero. A
// compiled module is cached per skill instance and recompiled when the
// module file changes on disk.
type Component struct {
	opts  Options
	cache wazero.CompilationCache

	mu      sync.Mutex
	entries map[string]*componentEntry
}

type componentEntry struct {
	mu      sync.Mutex
	current *compiledModule
}

// compiledModule is one compiled generation of a module file with the
// runtime that owns it. refs counts in-flight invocations so a replaced
// generation is closed only once they finish.
type compiledModule struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	path     string
	modTime  time.Time
	size     int64
	pages    uint32
	refs     sync.WaitGroup
}

func (m *compiledModule) matches(path string, info os.FileInfo, pages uint32) bool {
	return m.path == path && m.modTime.Equal(info.ModTime()) && m.size == info.Size() && m.pages == pages
}

// NewComponent creates the component backend.
func NewComponent(opts Options) *Component {
	return &Component{
		opts:    opts.withDefaults(),
		cache:   wazero.NewCompilationCache(),
		entries: map[string]*componentEntry{},
	}
}

// Kind implements Backend.
func (c *Component) Kind() invocation.RuntimeKind {
	return invocation.RuntimeComponent
}

// Execute implements Backend. The module sees argv [skill, tool, tokens...],
// the JSON arguments on stdin and the resolved environment. When the module
// exports a function named after the tool, that function is called instead
// of _start.
func (c *Component) Execute(ctx context.Context, plan *invocation.Plan) (*Output, error) {
	if plan.Module == "" {
		return nil, execErr(invocation.KindBackendLaunchFailed, "component plan for %s has no module", plan.Skill)
	}

	execCtx, cancel := deadline(ctx, plan)
	defer cancel()

	mod, err := c.acquire(execCtx, plan)
	if err != nil {
		return nil, err
	}
	defer mod.refs.Done()

	stdin, err := json.Marshal(argumentsOrEmpty(plan.Arguments))
	if err != nil {
		return nil, invocation.WrapError(err, invocation.StageExecute, invocation.KindInternal, "failed to encode arguments")
	}
	stdout := newCappedBuffer(c.opts.MaxOutputBytes)
	stderr := newCappedBuffer(c.opts.MaxOutputBytes)

	_, exportsTool := mod.compiled.ExportedFunctions()[plan.Tool]
	cfg := c.moduleConfig(plan, stdin, stdout, stderr)
	if exportsTool {
		cfg = cfg.WithStartFunctions(initializeFn)
	}

	log := logger.G(ctx).WithFields(logrus.Fields{
		"module":      plan.Module,
		"export_call": exportsTool,
	})
	log.Debug("instantiating component")

	code := 0
	instance, runErr := mod.runtime.InstantiateModule(execCtx, mod.compiled, cfg)
	if runErr == nil && exportsTool {
		code, runErr = callTool(execCtx, instance, plan.Tool)
	}
	if instance != nil {
		_ = instance.Close(context.Background())
	}

	out := &Output{Stdout: stdout.String(), Stderr: stderr.String(), Truncated: stdout.Truncated() || stderr.Truncated()}

	var exitErr *sys.ExitError
	switch {
	case execCtx.Err() != nil:
		out.ExitCode = -1
		return out, interruption(execCtx, plan)
	case runErr == nil:
		out.ExitCode = code
		if code != 0 {
			return out, execErr(invocation.KindNonZeroExit, "%s.%s returned %d", plan.Skill, plan.Tool, code)
		}
		return out, nil
	case errors.As(runErr, &exitErr):
		out.ExitCode = int(exitErr.ExitCode())
		if out.ExitCode == 0 {
			return out, nil
		}
		return out, execErr(invocation.KindNonZeroExit, "%s exited with status %d", plan.Module, out.ExitCode)
	case isMemoryLimitError(runErr):
		out.ExitCode = -1
		return out, invocation.WrapError(runErr, invocation.StageExecute, invocation.KindMemoryLimitExceeded,
			"%s exceeds max_memory_mb=%d", plan.Module, plan.Capabilities.MaxMemoryMB)
	default:
		out.ExitCode = -1
		return out, invocation.WrapError(runErr, invocation.StageExecute, invocation.KindSandboxTrap,
			"%s trapped", plan.Module)
	}
}

// callTool invokes the exported tool function. A non-zero first result is
// reported as the exit code.
func callTool(ctx context.Context, instance api.Module, tool string) (int, error) {
	fn := instance.ExportedFunction(tool)
	if fn == nil {
		return 0, errors.Errorf("export %q not found", tool)
	}
	if params := fn.Definition().ParamTypes(); len(params) > 0 {
		return 0, errors.Errorf("export %q takes %d parameters; tool exports must take none", tool, len(params))
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return 0, err
	}
	if len(results) > 0 {
		return int(int32(results[0])), nil
	}
	return 0, nil
}

func (c *Component) moduleConfig(plan *invocation.Plan, stdin []byte, stdout, stderr *cappedBuffer) wazero.ModuleConfig {
	args := append([]string{plan.Skill, plan.Tool}, plan.ToolArgs...)
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(args...).
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)

	keys := make([]string, 0, len(plan.Env))
	for k := range plan.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg = cfg.WithEnv(k, plan.Env[k])
	}

	if plan.Capabilities.FilesystemAccess {
		fs := wazero.NewFSConfig()
		for _, p := range plan.Capabilities.AllowedPaths {
			if isGlob(p) {
				continue
			}
			fs = fs.WithDirMount(p, p)
		}
		for _, p := range plan.Capabilities.ReadOnlyPaths {
			if isGlob(p) {
				continue
			}
			fs = fs.WithReadOnlyDirMount(p, p)
		}
		cfg = cfg.WithFSConfig(fs)
	}
	return cfg
}

// acquire returns the compiled module for the plan, compiling it when the
// cache is empty or the file changed. The caller must call refs.Done.
func (c *Component) acquire(ctx context.Context, plan *invocation.Plan) (*compiledModule, error) {
	info, err := os.Stat(plan.Module)
	if err != nil {
		return nil, invocation.WrapError(err, invocation.StageExecute, invocation.KindBackendLaunchFailed,
			"component module %s is not readable", plan.Module)
	}
	pages := memoryPages(plan.Capabilities.MaxMemoryMB)

	c.mu.Lock()
	entry, ok := c.entries[plan.Key()]
	if !ok {
		entry = &componentEntry{}
		c.entries[plan.Key()] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if cur := entry.current; cur != nil && cur.matches(plan.Module, info, pages) {
		cur.refs.Add(1)
		return cur, nil
	}

	next, err := c.compile(ctx, plan.Module, info, pages)
	if err != nil {
		return nil, err
	}
	if old := entry.current; old != nil {
		logger.G(ctx).WithField("module", plan.Module).Info("component module changed, recompiling")
		go func() {
			old.refs.Wait()
			_ = old.runtime.Close(context.Background())
		}()
	}
	entry.current = next
	next.refs.Add(1)
	return next, nil
}

func (c *Component) compile(ctx context.Context, path string, info os.FileInfo, pages uint32) (*compiledModule, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, invocation.WrapError(err, invocation.StageExecute, invocation.KindBackendLaunchFailed,
			"failed to read component module %s", path)
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(c.cache)
	if pages > 0 {
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	// The runtime must outlive the invocation that compiled it.
	rt := wazero.NewRuntimeWithConfig(context.Background(), cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(context.Background())
		return nil, invocation.WrapError(err, invocation.StageExecute, invocation.KindBackendLaunchFailed,
			"failed to instantiate WASI")
	}
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		_ = rt.Close(context.Background())
		kind := invocation.KindBackendLaunchFailed
		if isMemoryLimitError(err) {
			kind = invocation.KindMemoryLimitExceeded
		}
		return nil, invocation.WrapError(err, invocation.StageExecute, kind, "failed to compile %s", path)
	}

	return &compiledModule{
		runtime:  rt,
		compiled: compiled,
		path:     path,
		modTime:  info.ModTime(),
		size:     info.Size(),
		pages:    pages,
	}, nil
}

// Close releases every cached runtime.
func (c *Component) Close(ctx context.Context) error {
	c.mu.Lock()
	entries := c.entries
	c.entries = map[string]*componentEntry{}
	c.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.current != nil {
			_ = e.current.runtime.Close(ctx)
			e.current = nil
		}
		e.mu.Unlock()
	}
	return c.cache.Close(ctx)
}

func memoryPages(mb int64) uint32 {
	if mb <= 0 {
		return 0
	}
	pages := mb * pagesPerMebi
	if pages > maxWasmPages {
		return maxWasmPages
	}
	return uint32(pages)
}

func isMemoryLimitError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "memory") && (strings.Contains(msg, "limit") || strings.Contains(msg, "exceed"))
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
