package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// SupportedVersions is the manifest schema range this runtime understands.
const SupportedVersions = ">= 1, < 2"

// BlockedMountPaths may never be mounted into a container.
var BlockedMountPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/var/run/docker.sock",
	"/root",
}

var (
	namePattern    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	parameterTypes = map[string]bool{
		"": true, "string": true, "number": true, "integer": true, "boolean": true,
		"array": true, "object": true, "path": true, "file": true,
	}
)

// Validate checks the structural invariants of a manifest and returns every
// violation found, each prefixed with the key path it concerns.
func Validate(m *Manifest) error {
	var result *multierror.Error

	if err := validateVersion(m.Version); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "version"))
	}

	result = multierror.Append(result, validateCapabilities("defaults.capabilities", m.Defaults.Capabilities)...)

	for _, name := range m.SkillNames() {
		skill := m.Skills[name]
		path := "skills." + name
		if !namePattern.MatchString(name) {
			result = multierror.Append(result, errors.Errorf("%s: invalid skill name %q", path, name))
		}
		if skill == nil {
			result = multierror.Append(result, errors.Errorf("%s: empty skill definition", path))
			continue
		}
		result = multierror.Append(result, validateSkill(path, skill)...)
	}

	if result == nil {
		return nil
	}
	result.ErrorFormat = formatErrors
	return result.ErrorOrNil()
}

func validateVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return errors.Errorf("invalid manifest version %q", v)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return errors.Wrap(err, "invalid supported version constraint")
	}
	if !constraint.Check(version) {
		return errors.Errorf("unsupported manifest version %s (supported: %s)", v, SupportedVersions)
	}
	return nil
}

func validateSkill(path string, s *SkillDefinition) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, errors.New(path+"."+fmt.Sprintf(format, args...)))
	}

	kind, ok := invocation.ParseRuntimeKind(s.Runtime)
	if !ok {
		add("runtime: unknown runtime %q (expected component, container or native)", s.Runtime)
	}

	switch kind {
	case invocation.RuntimeNative:
		if s.Native == nil || strings.TrimSpace(s.Native.Command) == "" {
			add("native.command: required for native skills")
		}
	case invocation.RuntimeContainer:
		if s.Docker == nil || strings.TrimSpace(s.Docker.Image) == "" {
			add("docker.image: required for container skills")
		} else {
			for _, v := range ContainerSecurityViolations(s.Docker.Network, s.Docker.Volumes, s.Docker.ExtraArgs) {
				add("docker: %s", v)
			}
		}
	case invocation.RuntimeComponent:
		if s.Source == "" && (s.Component == nil || s.Component.Module == "") {
			add("source: required for component skills")
		}
	}

	if s.DefaultInstance != "" {
		if _, ok := s.Instances[s.DefaultInstance]; !ok {
			add("default_instance: instance %q is not declared", s.DefaultInstance)
		}
	}

	errs = append(errs, validateCapabilities(path+".capabilities", s.Capabilities)...)

	for _, name := range s.ToolNames() {
		tool := s.Tools[name]
		toolPath := path + ".tools." + name
		if !namePattern.MatchString(name) {
			errs = append(errs, errors.Errorf("%s: invalid tool name %q", toolPath, name))
		}
		if tool == nil {
			continue
		}
		if tool.Command != "" && kind != invocation.RuntimeNative {
			errs = append(errs, errors.Errorf("%s.command: only native skills may override the command", toolPath))
		}
		errs = append(errs, validateParameters(toolPath+".parameters", tool.Parameters)...)
	}

	for _, name := range s.InstanceNames() {
		inst := s.Instances[name]
		instPath := path + ".instances." + name
		if !namePattern.MatchString(name) {
			errs = append(errs, errors.Errorf("%s: invalid instance name %q", instPath, name))
		}
		if inst == nil {
			continue
		}
		errs = append(errs, validateCapabilities(instPath+".capabilities", inst.Capabilities)...)
	}

	return errs
}

func validateParameters(path string, params []Parameter) []error {
	var errs []error
	seen := map[string]bool{}
	for i, p := range params {
		at := fmt.Sprintf("%s[%d]", path, i)
		switch {
		case p.Name == "":
			errs = append(errs, errors.Errorf("%s.name: required", at))
		case seen[p.Name]:
			errs = append(errs, errors.Errorf("%s.name: duplicate parameter %q", at, p.Name))
		}
		seen[p.Name] = true
		if !parameterTypes[p.Type] {
			errs = append(errs, errors.Errorf("%s.type: unknown parameter type %q", at, p.Type))
		}
	}
	return errs
}

func validateCapabilities(path string, c *Capabilities) []error {
	if c == nil {
		return nil
	}
	var errs []error
	if overlap := OverlappingDomains(c.AllowedDomains, c.BlockedDomains); len(overlap) > 0 {
		errs = append(errs, errors.Errorf("%s: domains both allowed and blocked: %s", path, strings.Join(overlap, ", ")))
	}
	if c.TimeoutMS != nil && *c.TimeoutMS <= 0 {
		errs = append(errs, errors.Errorf("%s.timeout_ms: must be positive", path))
	}
	if c.MaxMemoryMB != nil && *c.MaxMemoryMB < 0 {
		errs = append(errs, errors.Errorf("%s.max_memory_mb: must not be negative", path))
	}
	if c.MaxConcurrentRequests != nil && *c.MaxConcurrentRequests < 0 {
		errs = append(errs, errors.Errorf("%s.max_concurrent_requests: must not be negative", path))
	}
	for _, f := range []struct {
		name     string
		patterns []string
	}{
		{"allowed_domains", c.AllowedDomains},
		{"blocked_domains", c.BlockedDomains},
		{"allowed_args", c.AllowedArgs},
		{"forbidden_args", c.ForbiddenArgs},
	} {
		for _, p := range f.patterns {
			if _, err := glob.Compile(p); err != nil {
				errs = append(errs, errors.Errorf("%s.%s: invalid pattern %q: %v", path, f.name, p, err))
			}
		}
	}
	return errs
}

// ContainerSecurityViolations applies the fixed container security policy:
// no privileged mode, no host network, no docker socket and no sensitive
// host paths. It returns one message per violation.
func ContainerSecurityViolations(network string, volumes, extraArgs []string) []string {
	var out []string
	for _, a := range extraArgs {
		if strings.Contains(a, "--privileged") {
			out = append(out, "privileged mode is not allowed")
		}
		if a == "--network=host" || a == "--net=host" {
			out = append(out, "host network mode is not allowed")
		}
	}
	if network == "host" {
		out = append(out, "host network mode is not allowed")
	}
	for _, v := range volumes {
		host := strings.SplitN(v, ":", 2)[0]
		if strings.Contains(v, "docker.sock") {
			out = append(out, fmt.Sprintf("mounting docker.sock is not allowed (%s)", v))
			continue
		}
		for _, blocked := range BlockedMountPaths {
			if host == blocked || strings.HasPrefix(host, blocked+"/") {
				out = append(out, fmt.Sprintf("mounting %s is not allowed", blocked))
			}
		}
	}
	return out
}

func formatErrors(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	points := make([]string, len(errs))
	for i, err := range errs {
		points[i] = "  - " + err.Error()
	}
	return fmt.Sprintf("%d manifest errors:\n%s", len(errs), strings.Join(points, "\n"))
}
