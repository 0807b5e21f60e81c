// Package manifest loads and validates the declarative skill manifest: the
// TOML file that declares every skill, how it runs, its instances, and the
// capabilities each instance is granted.
//
// A loaded Manifest is an immutable snapshot. Callers that need live reload
// hold a Store, which swaps whole snapshots atomically.
package manifest

import (
	"sort"
)

// DefaultVersion is assumed when a manifest omits its version.
const DefaultVersion = "1"

// DefaultInstanceName is the instance chosen when a request names none and
// the skill does not declare a default_instance.
const DefaultInstanceName = "default"

// Manifest is the parsed manifest file.
type Manifest struct {
	Version  string                      `toml:"version" json:"version,omitempty" jsonschema:"description=Manifest schema version,default=1"`
	Defaults Defaults                    `toml:"defaults" json:"defaults,omitempty"`
	Skills   map[string]*SkillDefinition `toml:"skills" json:"skills"`

	// Path is the file the manifest was loaded from, BaseDir its directory.
	Path    string `toml:"-" json:"-"`
	BaseDir string `toml:"-" json:"-"`
}

// Defaults apply to every skill and instance, at the lowest precedence.
type Defaults struct {
	Config       map[string]string `toml:"config" json:"config,omitempty"`
	Env          map[string]string `toml:"env" json:"env,omitempty"`
	Capabilities *Capabilities     `toml:"capabilities" json:"capabilities,omitempty"`
}

// SkillDefinition declares one skill.
type SkillDefinition struct {
	Source          string                     `toml:"source" json:"source,omitempty" jsonschema:"description=Path or reference to the skill artifact"`
	Runtime         string                     `toml:"runtime" json:"runtime" jsonschema:"enum=component,enum=container,enum=native,enum=wasm,enum=docker"`
	Description     string                     `toml:"description" json:"description,omitempty"`
	DefaultInstance string                     `toml:"default_instance" json:"default_instance,omitempty"`
	Config          map[string]string          `toml:"config" json:"config,omitempty"`
	Env             map[string]string          `toml:"env" json:"env,omitempty"`
	Capabilities    *Capabilities              `toml:"capabilities" json:"capabilities,omitempty"`
	Native          *NativeConfig              `toml:"native" json:"native,omitempty"`
	Docker          *DockerConfig              `toml:"docker" json:"docker,omitempty"`
	Component       *ComponentConfig           `toml:"component" json:"component,omitempty"`
	Tools           map[string]*Tool           `toml:"tools" json:"tools,omitempty"`
	Instances       map[string]*InstanceConfig `toml:"instances" json:"instances,omitempty"`

	// InstanceOrder lists instance names in declaration order.
	InstanceOrder []string `toml:"-" json:"-"`
}

// NativeConfig describes a host command skill.
type NativeConfig struct {
	Command    string   `toml:"command" json:"command"`
	Args       []string `toml:"args" json:"args,omitempty"`
	WorkingDir string   `toml:"working_dir" json:"working_dir,omitempty"`
}

// DockerConfig describes a container skill.
type DockerConfig struct {
	Image       string            `toml:"image" json:"image"`
	Entrypoint  string            `toml:"entrypoint" json:"entrypoint,omitempty"`
	Command     []string          `toml:"command" json:"command,omitempty"`
	Volumes     []string          `toml:"volumes" json:"volumes,omitempty"`
	WorkingDir  string            `toml:"working_dir" json:"working_dir,omitempty"`
	Environment map[string]string `toml:"environment" json:"environment,omitempty"`
	Memory      string            `toml:"memory" json:"memory,omitempty"`
	CPUs        string            `toml:"cpus" json:"cpus,omitempty"`
	Network     string            `toml:"network" json:"network,omitempty" jsonschema:"enum=none,enum=bridge"`
	User        string            `toml:"user" json:"user,omitempty"`
	GPUs        string            `toml:"gpus" json:"gpus,omitempty"`
	ReadOnly    bool              `toml:"read_only" json:"read_only,omitempty"`
	Platform    string            `toml:"platform" json:"platform,omitempty"`
	ExtraArgs   []string          `toml:"extra_args" json:"extra_args,omitempty"`
	Pull        bool              `toml:"pull" json:"pull,omitempty"`
}

// ComponentConfig describes a WebAssembly component skill.
type ComponentConfig struct {
	Module string `toml:"module" json:"module,omitempty"`
}

// Tool declares one operation of a skill, its argument template and its
// typed parameters.
type Tool struct {
	Description string      `toml:"description" json:"description,omitempty"`
	Command     string      `toml:"command" json:"command,omitempty"`
	Args        []string    `toml:"args" json:"args,omitempty"`
	Parameters  []Parameter `toml:"parameters" json:"parameters,omitempty"`
}

// Parameter is a single typed tool argument.
type Parameter struct {
	Name        string `toml:"name" json:"name"`
	Type        string `toml:"type" json:"type,omitempty" jsonschema:"enum=string,enum=number,enum=integer,enum=boolean,enum=array,enum=object,enum=path,enum=file"`
	Description string `toml:"description" json:"description,omitempty"`
	Required    bool   `toml:"required" json:"required,omitempty"`
	Default     any    `toml:"default" json:"default,omitempty"`
	Enum        []any  `toml:"enum" json:"enum,omitempty"`
}

// InstanceConfig is a named configuration of a skill.
type InstanceConfig struct {
	Description  string            `toml:"description" json:"description,omitempty"`
	Config       map[string]string `toml:"config" json:"config,omitempty"`
	Env          map[string]string `toml:"env" json:"env,omitempty"`
	Capabilities *Capabilities     `toml:"capabilities" json:"capabilities,omitempty"`
}

// SkillNames returns the declared skill names, sorted.
func (m *Manifest) SkillNames() []string {
	names := make([]string, 0, len(m.Skills))
	for name := range m.Skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Skill looks up a skill by name.
func (m *Manifest) Skill(name string) (*SkillDefinition, bool) {
	s, ok := m.Skills[name]
	return s, ok && s != nil
}

// InstanceNames returns the instance names of s in declaration order.
func (s *SkillDefinition) InstanceNames() []string {
	return orderedKeys(s.Instances, s.InstanceOrder)
}

// PreferredInstance is the instance used when a request names none: the
// declared default_instance, then "default", then the first declared
// instance. It returns "" for a skill without instances.
func (s *SkillDefinition) PreferredInstance() string {
	for _, candidate := range []string{s.DefaultInstance, DefaultInstanceName} {
		if _, ok := s.Instances[candidate]; ok && candidate != "" {
			return candidate
		}
	}
	if names := s.InstanceNames(); len(names) > 0 {
		return names[0]
	}
	return ""
}

// ToolNames returns the declared tool names, sorted.
func (s *SkillDefinition) ToolNames() []string {
	names := make([]string, 0, len(s.Tools))
	for name := range s.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// orderedKeys returns the keys of m, first those listed in order and then the
// rest sorted.
func orderedKeys[V any](m map[string]V, order []string) []string {
	out := make([]string, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, k := range order {
		if _, ok := m[k]; ok && !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
