// Package resolver turns an invocation request into a fully resolved plan:
// it selects the skill and instance, merges configuration tiers, expands
// environment references, validates tool arguments and builds the argument
// vector the backend will run. Resolution is pure over the manifest snapshot
// and the injected environment lookup.
package resolver

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/manifest"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// Resolver builds invocation plans.
type Resolver struct {
	lookupEnv LookupFunc
	workDir   string
	schemas   *schemaCache
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookupEnv replaces os.LookupEnv as the source of ${VAR} values.
func WithLookupEnv(fn LookupFunc) Option {
	return func(r *Resolver) {
		r.lookupEnv = fn
	}
}

// WithEnv resolves ${VAR} references from a fixed map only.
func WithEnv(env map[string]string) Option {
	return WithLookupEnv(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	})
}

// WithWorkDir sets the directory relative path arguments are resolved
// against. It defaults to the manifest's directory.
func WithWorkDir(dir string) Option {
	return func(r *Resolver) {
		r.workDir = dir
	}
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{lookupEnv: os.LookupEnv, schemas: &schemaCache{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func resolveErr(kind invocation.Kind, format string, args ...any) *invocation.Error {
	return invocation.NewError(invocation.StageResolve, kind, format, args...)
}

// Resolve builds the plan for req against m.
func (r *Resolver) Resolve(m *manifest.Manifest, req invocation.Request) (*invocation.Plan, error) {
	if m == nil {
		return nil, resolveErr(invocation.KindInvalidRuntimeConfig, "no manifest loaded")
	}
	skill, ok := m.Skill(req.Skill)
	if !ok {
		return nil, resolveErr(invocation.KindSkillNotFound, "skill %q is not declared in the manifest", req.Skill)
	}
	kind, ok := invocation.ParseRuntimeKind(skill.Runtime)
	if !ok {
		return nil, resolveErr(invocation.KindInvalidRuntimeConfig, "skill %q has unknown runtime %q", req.Skill, skill.Runtime)
	}

	instanceName, instance, err := selectInstance(req.Skill, skill, req.Instance)
	if err != nil {
		return nil, err
	}

	tool, err := selectTool(req.Skill, skill, req.Tool)
	if err != nil {
		return nil, err
	}

	plan := &invocation.Plan{
		Skill:    req.Skill,
		Instance: instanceName,
		Tool:     req.Tool,
		Runtime:  kind,
	}

	var instConfig, instEnv map[string]string
	var instCaps *manifest.Capabilities
	if instance != nil {
		instConfig, instEnv, instCaps = instance.Config, instance.Env, instance.Capabilities
	}

	// Only manifest values see the host environment. Caller overrides are
	// taken literally.
	config, err := r.expandMap("config", mergeMaps(m.Defaults.Config, skill.Config, instConfig))
	if err != nil {
		return nil, err
	}
	plan.Config = mergeMaps(config, req.Overrides.Config)
	env, err := r.expandMap("env", mergeMaps(m.Defaults.Env, skill.Env, instEnv))
	if err != nil {
		return nil, err
	}
	plan.Env = r.processEnv(plan, mergeMaps(env, req.Overrides.Env))

	caps := manifest.MergeCapabilities(m.Defaults.Capabilities, skill.Capabilities, instCaps).Effective()
	if overlap := manifest.OverlappingDomains(caps.AllowedDomains, caps.BlockedDomains); len(overlap) > 0 {
		return nil, resolveErr(invocation.KindInvalidRuntimeConfig,
			"domains both allowed and blocked for %s/%s: %s", req.Skill, instanceName, strings.Join(overlap, ", "))
	}
	if caps.AllowedPaths, err = r.expandPaths("capabilities.allowed_paths", caps.AllowedPaths, m.BaseDir); err != nil {
		return nil, err
	}
	if caps.ReadOnlyPaths, err = r.expandPaths("capabilities.read_only_paths", caps.ReadOnlyPaths, m.BaseDir); err != nil {
		return nil, err
	}
	plan.Capabilities = caps

	args, err := normalizeArguments(tool, req.Arguments)
	if err != nil {
		return nil, invocation.WrapError(err, invocation.StageResolve, invocation.KindInvalidArguments,
			"invalid arguments for %s.%s", req.Skill, req.Tool)
	}
	if tool != nil && len(tool.Parameters) > 0 {
		issues, err := r.schemas.validateArguments(tool, args)
		if err != nil {
			return nil, invocation.WrapError(err, invocation.StageResolve, invocation.KindInvalidRuntimeConfig,
				"failed to validate arguments for %s.%s", req.Skill, req.Tool)
		}
		if len(issues) > 0 {
			return nil, resolveErr(invocation.KindInvalidArguments,
				"invalid arguments for %s.%s: %s", req.Skill, req.Tool, strings.Join(issues, "; "))
		}
	}
	plan.Arguments = args

	var template []string
	if tool != nil {
		template = tool.Args
	}
	templated, consumed := expandTemplate(template, args)
	toolTokens := append(templated, flagTokens(args, consumed)...)

	home, _ := r.lookupEnv("HOME")
	base := r.workDir
	if base == "" {
		base = m.BaseDir
	}

	switch kind {
	case invocation.RuntimeNative:
		if err := r.planNative(plan, m, skill, tool, toolTokens, &base, home); err != nil {
			return nil, err
		}
	case invocation.RuntimeContainer:
		if err := r.planContainer(plan, m, skill, toolTokens, home); err != nil {
			return nil, err
		}
	case invocation.RuntimeComponent:
		if err := r.planComponent(plan, m, skill, toolTokens, home); err != nil {
			return nil, err
		}
	}

	plan.Domains = deriveDomains(plan.Config, args)
	plan.Paths = derivePaths(tool, args, base, home)
	return plan, nil
}

// selectInstance picks the requested instance, or when none is named the
// skill's default_instance, then "default", then the first declared one.
func selectInstance(skillName string, skill *manifest.SkillDefinition, requested string) (string, *manifest.InstanceConfig, error) {
	if requested != "" {
		inst, ok := skill.Instances[requested]
		if !ok {
			return "", nil, resolveErr(invocation.KindInstanceNotFound,
				"instance %q is not declared for skill %q", requested, skillName)
		}
		return requested, inst, nil
	}
	if name := skill.PreferredInstance(); name != "" {
		return name, skill.Instances[name], nil
	}
	return "", nil, resolveErr(invocation.KindNoInstanceAvailable, "skill %q declares no instances", skillName)
}

// selectTool returns the tool declaration. Skills that declare no tools
// accept any tool name.
func selectTool(skillName string, skill *manifest.SkillDefinition, name string) (*manifest.Tool, error) {
	if name == "" {
		return nil, resolveErr(invocation.KindToolNotFound, "no tool requested for skill %q", skillName)
	}
	if len(skill.Tools) == 0 {
		return nil, nil
	}
	tool, ok := skill.Tools[name]
	if !ok {
		return nil, resolveErr(invocation.KindToolNotFound,
			"tool %q is not declared for skill %q (available: %s)", name, skillName, strings.Join(skill.ToolNames(), ", "))
	}
	if tool == nil {
		tool = &manifest.Tool{}
	}
	return tool, nil
}

func (r *Resolver) planNative(plan *invocation.Plan, m *manifest.Manifest, skill *manifest.SkillDefinition, tool *manifest.Tool, toolTokens []string, base *string, home string) error {
	if skill.Native == nil || skill.Native.Command == "" {
		return resolveErr(invocation.KindInvalidRuntimeConfig, "native skill %q has no command", plan.Skill)
	}
	declared, err := r.expandValue("native.command", skill.Native.Command)
	if err != nil {
		return err
	}
	command := declared
	if tool != nil && tool.Command != "" {
		if command, err = r.expandValue("tools."+plan.Tool+".command", tool.Command); err != nil {
			return err
		}
	}
	fields := strings.Fields(command)
	if len(fields) != 1 {
		return resolveErr(invocation.KindInvalidRuntimeConfig,
			"native command %q must be a single executable; put arguments in native.args", command)
	}

	argv := []string{command}
	for _, a := range skill.Native.Args {
		expanded, err := r.expandValue("native.args", a)
		if err != nil {
			return err
		}
		argv = append(argv, expanded)
	}
	// Without an explicit allow-list only the skill's own command may run.
	if len(plan.Capabilities.AllowedCommands) == 0 {
		plan.Capabilities.AllowedCommands = []string{declared}
	}
	plan.Command = command
	plan.Argv = append(argv, toolTokens...)
	plan.ToolArgs = toolTokens

	if skill.Native.WorkingDir != "" {
		dir, err := r.expandValue("native.working_dir", skill.Native.WorkingDir)
		if err != nil {
			return err
		}
		*base = absPath(dir, m.BaseDir, home)
	}
	plan.WorkDir = *base
	return nil
}

func (r *Resolver) planContainer(plan *invocation.Plan, m *manifest.Manifest, skill *manifest.SkillDefinition, toolTokens []string, home string) error {
	d := skill.Docker
	if d == nil || d.Image == "" {
		return resolveErr(invocation.KindInvalidRuntimeConfig, "container skill %q has no docker image", plan.Skill)
	}
	image, err := r.expandValue("docker.image", d.Image)
	if err != nil {
		return err
	}
	environment, err := r.expandMap("docker.environment", d.Environment)
	if err != nil {
		return err
	}

	readOnly := plan.Capabilities.ReadOnlyPaths
	var volumes []string
	var mounts []invocation.Mount
	for _, v := range d.Volumes {
		expanded, err := r.expandValue("docker.volumes", v)
		if err != nil {
			return err
		}
		volumes = append(volumes, expanded)
		mount, err := parseVolume(expanded, m.BaseDir, home)
		if err != nil {
			return resolveErr(invocation.KindInvalidRuntimeConfig, "docker.volumes: %v", err)
		}
		if underAny(mount.HostPath, readOnly) {
			mount.ReadOnly = true
		}
		mounts = append(mounts, mount)
	}
	if violations := manifest.ContainerSecurityViolations(d.Network, volumes, d.ExtraArgs); len(violations) > 0 {
		return resolveErr(invocation.KindInvalidRuntimeConfig, "container security policy: %s", strings.Join(violations, "; "))
	}

	command := append([]string{}, d.Command...)
	command = append(command, plan.Tool)
	plan.ToolArgs = toolTokens
	plan.Container = &invocation.ContainerSpec{
		Image:       image,
		Entrypoint:  d.Entrypoint,
		Command:     append(command, toolTokens...),
		Mounts:      mounts,
		WorkingDir:  d.WorkingDir,
		Environment: environment,
		Memory:      d.Memory,
		CPUs:        d.CPUs,
		Network:     d.Network,
		User:        d.User,
		GPUs:        d.GPUs,
		ReadOnly:    d.ReadOnly,
		Platform:    d.Platform,
		ExtraArgs:   append([]string{}, d.ExtraArgs...),
		Pull:        d.Pull,
	}
	plan.Source = image
	return nil
}

func (r *Resolver) planComponent(plan *invocation.Plan, m *manifest.Manifest, skill *manifest.SkillDefinition, toolTokens []string, home string) error {
	module := skill.Source
	if skill.Component != nil && skill.Component.Module != "" {
		module = skill.Component.Module
	}
	if module == "" {
		return resolveErr(invocation.KindInvalidRuntimeConfig, "component skill %q has no module", plan.Skill)
	}
	module, err := r.expandValue("source", module)
	if err != nil {
		return err
	}
	plan.Module = absPath(module, m.BaseDir, home)
	plan.Source = plan.Module
	plan.ToolArgs = toolTokens
	return nil
}

// processEnv builds the environment handed to the skill: config values as
// SKILL_<KEY>, the invocation identity, then explicit env entries which win
// on collision.
func (r *Resolver) processEnv(plan *invocation.Plan, env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+len(plan.Config)+3)
	for k, v := range plan.Config {
		out[ConfigEnvName(k)] = v
	}
	out["SKILL_NAME"] = plan.Skill
	out["SKILL_INSTANCE"] = plan.Instance
	out["SKILL_TOOL"] = plan.Tool
	for k, v := range env {
		out[k] = v
	}
	return out
}

// ConfigEnvName maps a config key to the environment variable that carries
// it, e.g. "aws_region" to "SKILL_AWS_REGION".
func ConfigEnvName(key string) string {
	var b strings.Builder
	b.WriteString("SKILL_")
	for _, c := range strings.ToUpper(key) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (r *Resolver) expandValue(key, value string) (string, error) {
	out, err := Expand(value, r.lookupEnv)
	if err == nil {
		return out, nil
	}
	var missing *MissingVariableError
	if errors.As(err, &missing) {
		return "", resolveErr(invocation.KindMissingRequiredVariable, "%s: %s", key, missing.Error())
	}
	return "", resolveErr(invocation.KindInvalidRuntimeConfig, "%s: %v", key, err)
}

// expandMap expands every value of in, visiting keys in sorted order so the
// reported error is deterministic.
func (r *Resolver) expandMap(prefix string, in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := r.expandValue(prefix+"."+k, in[k])
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (r *Resolver) expandPaths(key string, paths []string, base string) ([]string, error) {
	if len(paths) == 0 {
		return paths, nil
	}
	home, _ := r.lookupEnv("HOME")
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		expanded, err := r.expandValue(key, p)
		if err != nil {
			return nil, err
		}
		out = append(out, absPath(expanded, base, home))
	}
	return out, nil
}

// mergeMaps overlays maps from lowest to highest precedence.
func mergeMaps(tiers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, t := range tiers {
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}

// parseVolume splits host:guest[:mode] and resolves the host side.
func parseVolume(spec, base, home string) (invocation.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return invocation.Mount{}, errors.Errorf("invalid volume %q (expected host:container[:ro])", spec)
	}
	mount := invocation.Mount{HostPath: absPath(parts[0], base, home), GuestPath: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			mount.ReadOnly = true
		case "rw":
		default:
			return invocation.Mount{}, errors.Errorf("invalid volume mode %q in %q", parts[2], spec)
		}
	}
	return mount, nil
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if IsWithin(path, root) {
			return true
		}
	}
	return false
}

// IsWithin reports whether path equals root or lies beneath it.
func IsWithin(path, root string) bool {
	path, root = filepath.Clean(path), filepath.Clean(root)
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
