package invocation

import (
	"strings"
)

// RedactedValue replaces secret values in rendered plans.
const RedactedValue = "[REDACTED]"

var secretMarkers = []string{"token", "secret", "password", "passwd", "key", "credential", "auth"}

// IsSecretName reports whether a config or env name looks like it holds a
// credential.
func IsSecretName(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range secretMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Redacted returns a copy of p safe to print: env values and config
// values with secret-looking names are replaced.
func (p *Plan) Redacted() *Plan {
	out := *p
	out.Env = redactMap(p.Env, func(string) bool { return true })
	out.Config = redactMap(p.Config, IsSecretName)
	if p.Container != nil {
		spec := *p.Container
		spec.Environment = redactMap(p.Container.Environment, func(string) bool { return true })
		out.Container = &spec
	}
	return &out
}

func redactMap(in map[string]string, secret func(string) bool) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if secret(k) {
			v = RedactedValue
		}
		out[k] = v
	}
	return out
}
