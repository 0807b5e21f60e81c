// Package invocation defines the types shared by the resolver, the policy
// engine, the execution backends and the dispatcher: the request a caller
// submits, the plan built from it, and the result envelope returned.
package invocation

import (
	"time"
)

// RuntimeKind selects the execution backend for a skill.
type RuntimeKind string

const (
	// RuntimeComponent runs a sandboxed WebAssembly module.
	RuntimeComponent RuntimeKind = "component"
	// RuntimeContainer runs the skill inside a container image.
	RuntimeContainer RuntimeKind = "container"
	// RuntimeNative runs an allow-listed host command.
	RuntimeNative RuntimeKind = "native"
)

// ParseRuntimeKind normalises a manifest runtime string. The aliases "wasm"
// and "docker" are accepted for component and container.
func ParseRuntimeKind(s string) (RuntimeKind, bool) {
	switch s {
	case "component", "wasm":
		return RuntimeComponent, true
	case "container", "docker":
		return RuntimeContainer, true
	case "native":
		return RuntimeNative, true
	default:
		return "", false
	}
}

// Overrides are caller supplied values applied on top of the manifest.
// Only config and env may be overridden; capabilities never are.
type Overrides struct {
	Config map[string]string `json:"config,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// Request asks the runtime to run one tool of one skill instance.
type Request struct {
	Skill     string         `json:"skill"`
	Instance  string         `json:"instance,omitempty"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Overrides Overrides      `json:"overrides,omitempty"`
}

// CapabilitySet is the effective, fully merged policy of an instance.
type CapabilitySet struct {
	NetworkAccess         bool     `json:"network_access"`
	AllowedDomains        []string `json:"allowed_domains,omitempty"`
	BlockedDomains        []string `json:"blocked_domains,omitempty"`
	FilesystemAccess      bool     `json:"filesystem_access"`
	AllowedPaths          []string `json:"allowed_paths,omitempty"`
	ReadOnlyPaths         []string `json:"read_only_paths,omitempty"`
	TimeoutMS             int64    `json:"timeout_ms"`
	MaxMemoryMB           int64    `json:"max_memory_mb"`
	MaxConcurrentRequests int      `json:"max_concurrent_requests"`
	AllowedCommands       []string `json:"allowed_commands,omitempty"`
	AllowedArgs           []string `json:"allowed_args,omitempty"`
	ForbiddenArgs         []string `json:"forbidden_args,omitempty"`
}

// Timeout returns the execution deadline as a duration.
func (c CapabilitySet) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Mount is a host path exposed to a container or a component sandbox.
type Mount struct {
	HostPath  string `json:"host_path"`
	GuestPath string `json:"guest_path"`
	ReadOnly  bool   `json:"read_only"`
}

// ContainerSpec carries the resolved container settings of a plan.
type ContainerSpec struct {
	Image       string            `json:"image"`
	Entrypoint  string            `json:"entrypoint,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Mounts      []Mount           `json:"mounts,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Memory      string            `json:"memory,omitempty"`
	CPUs        string            `json:"cpus,omitempty"`
	Network     string            `json:"network,omitempty"`
	User        string            `json:"user,omitempty"`
	GPUs        string            `json:"gpus,omitempty"`
	ReadOnly    bool              `json:"read_only,omitempty"`
	Platform    string            `json:"platform,omitempty"`
	ExtraArgs   []string          `json:"extra_args,omitempty"`
	Pull        bool              `json:"pull,omitempty"`
}

// Plan is the fully resolved, ready-to-authorize form of a Request. A plan
// is built per request and never cached.
type Plan struct {
	Skill        string            `json:"skill"`
	Instance     string            `json:"instance"`
	Tool         string            `json:"tool"`
	Runtime      RuntimeKind       `json:"runtime"`
	Source       string            `json:"source,omitempty"`
	Config       map[string]string `json:"config"`
	Env          map[string]string `json:"env"`
	Capabilities CapabilitySet     `json:"capabilities"`
	Arguments    map[string]any    `json:"arguments"`

	// Native
	Command string   `json:"command,omitempty"`
	Argv    []string `json:"argv,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`

	// Container
	Container *ContainerSpec `json:"container,omitempty"`
	// ToolArgs are the argument tokens passed after the tool name to a
	// container or component.
	ToolArgs []string `json:"tool_args,omitempty"`

	// Component
	Module string `json:"module,omitempty"`

	// Domains and Paths are the network hosts and filesystem paths the
	// invocation will touch, derived from config and arguments.
	Domains []string `json:"domains,omitempty"`
	Paths   []string `json:"paths,omitempty"`
}

// Key identifies the (skill, instance) pair used for concurrency accounting
// and backend caches.
func (p *Plan) Key() string {
	return p.Skill + "/" + p.Instance
}

// Result is the normalised envelope returned for every dispatch.
type Result struct {
	InvocationID string        `json:"invocation_id"`
	Skill        string        `json:"skill"`
	Instance     string        `json:"instance,omitempty"`
	Tool         string        `json:"tool"`
	Success      bool          `json:"success"`
	Output       string        `json:"output"`
	Structured   any           `json:"structured,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	State        State         `json:"state"`
	Stage        Stage         `json:"stage,omitempty"`
	ErrorKind    Kind          `json:"error_kind,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Stderr       string        `json:"stderr,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}
