// Package policy authorizes resolved invocation plans against their
// effective capability set and bounds the number of in-flight invocations
// per skill instance.
package policy

import (
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gobwas/glob"

	"github.com/jingkaihe/skillet/pkg/resolver"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// Engine checks plans against their capabilities. It is safe for concurrent
// use; the only state it keeps is a cache of compiled patterns.
type Engine struct {
	globs sync.Map // pattern -> glob.Glob
}

// NewEngine creates an Engine.
func NewEngine() *Engine {
	return &Engine{}
}

func deny(kind invocation.Kind, format string, args ...any) *invocation.Error {
	return invocation.NewError(invocation.StageAuthorize, kind, format, args...)
}

// Authorize returns nil when the plan may run, or an *invocation.Error of a
// policy kind describing the first violation found. Checks run in a fixed
// order (command, arguments, domains, paths, mounts) so the same plan
// always yields the same decision.
func (e *Engine) Authorize(plan *invocation.Plan) error {
	if plan == nil {
		return deny(invocation.KindInternal, "no plan to authorize")
	}
	caps := plan.Capabilities

	if plan.Runtime == invocation.RuntimeNative {
		if err := e.checkCommand(plan.Command, caps.AllowedCommands); err != nil {
			return err
		}
	}
	if err := e.checkArgs(argumentTokens(plan), caps); err != nil {
		return err
	}
	if err := e.checkDomains(plan.Domains, caps); err != nil {
		return err
	}
	if err := e.checkPaths(plan.Paths, caps); err != nil {
		return err
	}
	if plan.Container != nil {
		if err := e.checkMounts(plan.Container.Mounts, caps); err != nil {
			return err
		}
	}
	return nil
}

// argumentTokens is the argument list the backend will pass: argv without
// the executable for native skills, the tool tokens otherwise.
func argumentTokens(plan *invocation.Plan) []string {
	if plan.Runtime == invocation.RuntimeNative && len(plan.Argv) > 0 {
		return plan.Argv[1:]
	}
	return plan.ToolArgs
}

// checkCommand requires an exact allow-list match.
func (e *Engine) checkCommand(command string, allowed []string) error {
	for _, c := range allowed {
		if c == command {
			return nil
		}
	}
	return deny(invocation.KindCommandNotAllowed, "command %q is not in allowed_commands [%s]",
		command, strings.Join(allowed, ", "))
}

func (e *Engine) checkArgs(tokens []string, caps invocation.CapabilitySet) error {
	for _, tok := range tokens {
		if p, ok := e.matchAny(tok, caps.ForbiddenArgs); ok {
			return deny(invocation.KindArgumentForbidden, "argument %q matches forbidden pattern %q", tok, p)
		}
		if len(caps.AllowedArgs) == 0 {
			continue
		}
		if _, ok := e.matchAny(tok, caps.AllowedArgs); !ok {
			return deny(invocation.KindArgumentForbidden, "argument %q is not in allowed_args", tok)
		}
	}
	return nil
}

func (e *Engine) checkDomains(domains []string, caps invocation.CapabilitySet) error {
	for _, d := range domains {
		d = strings.ToLower(d)
		if !caps.NetworkAccess {
			return deny(invocation.KindDomainNotAllowed, "network access is disabled (requested %s)", d)
		}
		if p, ok := e.matchAny(d, lower(caps.BlockedDomains)); ok {
			return deny(invocation.KindDomainNotAllowed, "domain %s is blocked by %q", d, p)
		}
		if len(caps.AllowedDomains) == 0 {
			continue
		}
		if _, ok := e.matchAny(d, lower(caps.AllowedDomains)); !ok {
			return deny(invocation.KindDomainNotAllowed, "domain %s is not in allowed_domains", d)
		}
	}
	return nil
}

func (e *Engine) checkPaths(paths []string, caps invocation.CapabilitySet) error {
	for _, p := range paths {
		if !caps.FilesystemAccess {
			return deny(invocation.KindPathNotAllowed, "filesystem access is disabled (requested %s)", p)
		}
		if !covered(p, caps) {
			return deny(invocation.KindPathNotAllowed, "path %s is outside allowed_paths", p)
		}
	}
	return nil
}

func (e *Engine) checkMounts(mounts []invocation.Mount, caps invocation.CapabilitySet) error {
	for _, m := range mounts {
		if !caps.FilesystemAccess {
			return deny(invocation.KindPathNotAllowed, "filesystem access is disabled (volume %s)", m.HostPath)
		}
		if !covered(m.HostPath, caps) {
			return deny(invocation.KindPathNotAllowed, "volume %s is outside allowed_paths", m.HostPath)
		}
	}
	return nil
}

// covered reports whether path lies under an allowed or read-only root,
// either as a directory prefix or as a doublestar pattern match.
func covered(path string, caps invocation.CapabilitySet) bool {
	for _, roots := range [][]string{caps.AllowedPaths, caps.ReadOnlyPaths} {
		for _, root := range roots {
			if resolver.IsWithin(path, root) {
				return true
			}
			if ok, err := doublestar.PathMatch(root, path); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// matchAny returns the first pattern matching s. Patterns without
// wildcards match exactly.
func (e *Engine) matchAny(s string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if p == s {
			return p, true
		}
		if !strings.ContainsAny(p, "*?[{") {
			continue
		}
		if g := e.compile(p); g != nil && g.Match(s) {
			return p, true
		}
	}
	return "", false
}

func (e *Engine) compile(pattern string) glob.Glob {
	if g, ok := e.globs.Load(pattern); ok {
		return g.(glob.Glob)
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil
	}
	actual, _ := e.globs.LoadOrStore(pattern, g)
	return actual.(glob.Glob)
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
