package manifest

import (
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// Runtime-wide capability defaults, applied below the manifest [defaults].
const (
	DefaultTimeoutMS             int64 = 30000
	DefaultMaxConcurrentRequests       = 10
)

// Capabilities is the manifest form of a capability set. Unset fields
// (nil pointers and nil slices) inherit from the tier below during merge.
type Capabilities struct {
	NetworkAccess         *bool    `toml:"network_access" json:"network_access,omitempty"`
	AllowedDomains        []string `toml:"allowed_domains" json:"allowed_domains,omitempty"`
	BlockedDomains        []string `toml:"blocked_domains" json:"blocked_domains,omitempty"`
	FilesystemAccess      *bool    `toml:"filesystem_access" json:"filesystem_access,omitempty"`
	AllowedPaths          []string `toml:"allowed_paths" json:"allowed_paths,omitempty"`
	ReadOnlyPaths         []string `toml:"read_only_paths" json:"read_only_paths,omitempty"`
	TimeoutMS             *int64   `toml:"timeout_ms" json:"timeout_ms,omitempty"`
	MaxMemoryMB           *int64   `toml:"max_memory_mb" json:"max_memory_mb,omitempty"`
	MaxConcurrentRequests *int     `toml:"max_concurrent_requests" json:"max_concurrent_requests,omitempty"`
	AllowedCommands       []string `toml:"allowed_commands" json:"allowed_commands,omitempty"`
	AllowedArgs           []string `toml:"allowed_args" json:"allowed_args,omitempty"`
	ForbiddenArgs         []string `toml:"forbidden_args" json:"forbidden_args,omitempty"`
}

// MergeCapabilities overlays the given tiers from lowest to highest
// precedence. The merge is shallow: a field set in a higher tier replaces the
// lower value entirely, lists included.
func MergeCapabilities(tiers ...*Capabilities) *Capabilities {
	out := &Capabilities{}
	for _, c := range tiers {
		if c == nil {
			continue
		}
		if c.NetworkAccess != nil {
			out.NetworkAccess = c.NetworkAccess
		}
		if c.AllowedDomains != nil {
			out.AllowedDomains = c.AllowedDomains
		}
		if c.BlockedDomains != nil {
			out.BlockedDomains = c.BlockedDomains
		}
		if c.FilesystemAccess != nil {
			out.FilesystemAccess = c.FilesystemAccess
		}
		if c.AllowedPaths != nil {
			out.AllowedPaths = c.AllowedPaths
		}
		if c.ReadOnlyPaths != nil {
			out.ReadOnlyPaths = c.ReadOnlyPaths
		}
		if c.TimeoutMS != nil {
			out.TimeoutMS = c.TimeoutMS
		}
		if c.MaxMemoryMB != nil {
			out.MaxMemoryMB = c.MaxMemoryMB
		}
		if c.MaxConcurrentRequests != nil {
			out.MaxConcurrentRequests = c.MaxConcurrentRequests
		}
		if c.AllowedCommands != nil {
			out.AllowedCommands = c.AllowedCommands
		}
		if c.AllowedArgs != nil {
			out.AllowedArgs = c.AllowedArgs
		}
		if c.ForbiddenArgs != nil {
			out.ForbiddenArgs = c.ForbiddenArgs
		}
	}
	return out
}

// Effective fills unset fields with runtime defaults and returns the
// resolved capability set. Access flags default to denied.
func (c *Capabilities) Effective() invocation.CapabilitySet {
	if c == nil {
		c = &Capabilities{}
	}
	set := invocation.CapabilitySet{
		TimeoutMS:             DefaultTimeoutMS,
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		AllowedDomains:        clone(c.AllowedDomains),
		BlockedDomains:        clone(c.BlockedDomains),
		AllowedPaths:          clone(c.AllowedPaths),
		ReadOnlyPaths:         clone(c.ReadOnlyPaths),
		AllowedCommands:       clone(c.AllowedCommands),
		AllowedArgs:           clone(c.AllowedArgs),
		ForbiddenArgs:         clone(c.ForbiddenArgs),
	}
	if c.NetworkAccess != nil {
		set.NetworkAccess = *c.NetworkAccess
	}
	if c.FilesystemAccess != nil {
		set.FilesystemAccess = *c.FilesystemAccess
	}
	if c.TimeoutMS != nil {
		set.TimeoutMS = *c.TimeoutMS
	}
	if c.MaxMemoryMB != nil {
		set.MaxMemoryMB = *c.MaxMemoryMB
	}
	if c.MaxConcurrentRequests != nil {
		set.MaxConcurrentRequests = *c.MaxConcurrentRequests
	}
	return set
}

// OverlappingDomains returns every entry present in both allowed and blocked.
func OverlappingDomains(allowed, blocked []string) []string {
	blockedSet := make(map[string]bool, len(blocked))
	for _, d := range blocked {
		blockedSet[d] = true
	}
	var out []string
	for _, d := range allowed {
		if blockedSet[d] {
			out = append(out, d)
		}
	}
	return out
}

func clone(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}
