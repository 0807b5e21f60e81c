package resolver

import (
	"net"
	"net/url"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jingkaihe/skillet/pkg/manifest"
)

var (
	domainKeys     = []string{"url", "base_url", "endpoint", "host", "hostname", "domain"}
	domainSuffixes = []string{"_url", "_endpoint", "_host", "_domain"}
	pathKeys       = []string{"path", "file", "dir", "directory"}
	pathSuffixes   = []string{"_path", "_file", "_dir"}
)

func matchesKey(key string, exact, suffixes []string) bool {
	k := strings.ToLower(key)
	for _, e := range exact {
		if k == e {
			return true
		}
	}
	for _, s := range suffixes {
		if strings.HasSuffix(k, s) {
			return true
		}
	}
	return false
}

// hostOf extracts a lower-cased host name from a URL or host[:port] value.
func hostOf(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.Contains(value, "://") {
		u, err := url.Parse(value)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		return strings.ToLower(host)
	}
	if i := strings.IndexByte(value, '/'); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(value)
}

// deriveDomains collects the hosts an invocation targets from URL-like
// config values and arguments.
func deriveDomains(config map[string]string, args map[string]any) []string {
	seen := map[string]bool{}
	add := func(v string) {
		if h := hostOf(v); h != "" {
			seen[h] = true
		}
	}
	for k, v := range config {
		if matchesKey(k, domainKeys, domainSuffixes) {
			add(v)
		}
	}
	for k, v := range args {
		if !matchesKey(k, domainKeys, domainSuffixes) {
			continue
		}
		for _, s := range stringValues(v) {
			add(s)
		}
	}
	return sortedSet(seen)
}

// derivePaths collects the filesystem paths an invocation touches from
// path-like arguments and parameters typed path or file, made absolute
// against base.
func derivePaths(tool *manifest.Tool, args map[string]any, base, home string) []string {
	typed := map[string]bool{}
	if tool != nil {
		for _, p := range tool.Parameters {
			if p.Type == "path" || p.Type == "file" {
				typed[p.Name] = true
			}
		}
	}
	seen := map[string]bool{}
	for k, v := range args {
		if !typed[k] && !matchesKey(k, pathKeys, pathSuffixes) {
			continue
		}
		for _, s := range stringValues(v) {
			if s == "" {
				continue
			}
			seen[absPath(s, base, home)] = true
		}
	}
	return sortedSet(seen)
}

// absPath resolves ~ against home and relative paths against base.
func absPath(p, base, home string) string {
	if home != "" && (p == "~" || strings.HasPrefix(p, "~/")) {
		p = filepath.Join(home, p[1:])
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p)
}

func stringValues(v any) []string {
	if list, ok := listValues(v); ok {
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, stringify(item))
		}
		return out
	}
	if s, ok := v.(string); ok {
		return []string{s}
	}
	return nil
}

func sortedSet(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
