package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jingkaihe/skillet/pkg/manifest"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

const fixture = `
[defaults]
config = { region = "us-east-1", tier = "free" }

[skills.echo]
runtime = "native"
native = { command = "echo", args = ["hello"] }

[skills.echo.capabilities]
allowed_commands = ["echo"]
allowed_args = ["hello"]

[skills.echo.instances.default]
env = { X = "${X:-fallback}" }

[skills.kube]
runtime = "native"
default_instance = "staging"

[skills.kube.native]
command = "kubectl"

[skills.kube.config]
base_url = "https://API.example.com:8443/v1"
region = "eu-west-1"

[skills.kube.tools.get]
args = ["get", "{resource}", "-n", "{namespace}"]

[[skills.kube.tools.get.parameters]]
name = "resource"
required = true
enum = ["pods", "services"]

[[skills.kube.tools.get.parameters]]
name = "namespace"
default = "default"

[[skills.kube.tools.get.parameters]]
name = "output"

[[skills.kube.tools.get.parameters]]
name = "limit"
type = "integer"

[[skills.kube.tools.get.parameters]]
name = "manifest_file"
type = "path"

[skills.kube.instances.prod]
config = { region = "us-west-2" }

[skills.kube.instances.staging]
config = { tier = "staging" }

[skills.kube.instances.staging.capabilities]
blocked_domains = ["evil.com"]

[skills.lonely]
runtime = "native"
native = { command = "true" }

[skills.ordered]
runtime = "native"
native = { command = "true" }

[skills.ordered.instances.second]
[skills.ordered.instances.first]

[skills.api]
runtime = "container"

[skills.api.docker]
image = "ghcr.io/acme/api:${TAG:-latest}"
command = ["api"]
volumes = ["${DATA}:/data", "./cache:/cache"]

[skills.api.capabilities]
read_only_paths = ["${DATA}"]

[skills.api.instances.default]

[skills.calc]
runtime = "component"
source = "modules/calc.wasm"

[skills.calc.instances.default]
`

func loadFixture(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(fixture))
	require.NoError(t, err)
	require.NoError(t, manifest.Validate(m))
	m.BaseDir = "/opt/skills"
	return m
}

func requireKind(t *testing.T, err error, kind invocation.Kind) {
	t.Helper()
	require.Error(t, err)
	var ie *invocation.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, invocation.StageResolve, ie.Stage)
	assert.Equal(t, kind, ie.Kind, err.Error())
}

func TestResolveEchoScenario(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{}))

	plan, err := r.Resolve(m, invocation.Request{Skill: "echo", Tool: "run"})
	require.NoError(t, err)

	assert.Equal(t, "default", plan.Instance)
	assert.Equal(t, invocation.RuntimeNative, plan.Runtime)
	assert.Equal(t, "echo", plan.Command)
	assert.Equal(t, []string{"echo", "hello"}, plan.Argv)
	assert.Equal(t, "fallback", plan.Env["X"], "unset variable takes its default")
	assert.Equal(t, "echo", plan.Env["SKILL_NAME"])
	assert.Equal(t, "us-east-1", plan.Env["SKILL_REGION"], "config is exported as SKILL_<KEY>")
	assert.Equal(t, "/opt/skills", plan.WorkDir)
	assert.Equal(t, []string{"echo"}, plan.Capabilities.AllowedCommands)
	assert.Equal(t, manifest.DefaultTimeoutMS, plan.Capabilities.TimeoutMS)
}

func TestResolveUsesCallerEnvironment(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{"X": "from-env"}))

	plan, err := r.Resolve(m, invocation.Request{Skill: "echo", Tool: "run"})
	require.NoError(t, err)
	assert.Equal(t, "from-env", plan.Env["X"])
}

func TestResolveErrors(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{}))

	tests := []struct {
		name string
		req  invocation.Request
		kind invocation.Kind
	}{
		{"unknown skill", invocation.Request{Skill: "nope", Tool: "x"}, invocation.KindSkillNotFound},
		{"unknown instance", invocation.Request{Skill: "kube", Instance: "dev", Tool: "get"}, invocation.KindInstanceNotFound},
		{"no instances", invocation.Request{Skill: "lonely", Tool: "x"}, invocation.KindNoInstanceAvailable},
		{"unknown tool", invocation.Request{Skill: "kube", Tool: "delete"}, invocation.KindToolNotFound},
		{"empty tool", invocation.Request{Skill: "echo"}, invocation.KindToolNotFound},
		{"missing required argument", invocation.Request{Skill: "kube", Tool: "get"}, invocation.KindInvalidArguments},
		{"enum violation", invocation.Request{Skill: "kube", Tool: "get", Arguments: map[string]any{"resource": "secrets"}}, invocation.KindInvalidArguments},
		{"unknown argument", invocation.Request{Skill: "kube", Tool: "get", Arguments: map[string]any{"resource": "pods", "force": true}}, invocation.KindInvalidArguments},
		{"uncoercible argument", invocation.Request{Skill: "kube", Tool: "get", Arguments: map[string]any{"resource": "pods", "limit": "ten"}}, invocation.KindInvalidArguments},
		{"missing variable", invocation.Request{Skill: "api", Tool: "serve"}, invocation.KindMissingRequiredVariable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(m, tt.req)
			requireKind(t, err, tt.kind)
		})
	}
}

func TestResolveInstanceSelection(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{}))
	args := map[string]any{"resource": "pods"}

	plan, err := r.Resolve(m, invocation.Request{Skill: "kube", Tool: "get", Arguments: args})
	require.NoError(t, err)
	assert.Equal(t, "staging", plan.Instance, "default_instance wins when none requested")

	plan, err = r.Resolve(m, invocation.Request{Skill: "kube", Instance: "prod", Tool: "get", Arguments: args})
	require.NoError(t, err)
	assert.Equal(t, "prod", plan.Instance)

	plan, err = r.Resolve(m, invocation.Request{Skill: "ordered", Tool: "x"})
	require.NoError(t, err)
	assert.Equal(t, "second", plan.Instance, "first declared instance is the last fallback")
}

func TestResolveMergesConfigTiers(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{}))
	args := map[string]any{"resource": "pods"}

	plan, err := r.Resolve(m, invocation.Request{Skill: "kube", Instance: "prod", Tool: "get", Arguments: args})
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", plan.Config["region"], "instance overrides skill")
	assert.Equal(t, "free", plan.Config["tier"], "manifest defaults fill gaps")

	plan, err = r.Resolve(m, invocation.Request{
		Skill:     "kube",
		Instance:  "prod",
		Tool:      "get",
		Arguments: args,
		Overrides: invocation.Overrides{Config: map[string]string{"region": "ap-south-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ap-south-1", plan.Config["region"], "caller overrides win")
}

func TestResolveOverridesAreLiteral(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{"AWS_SECRET_ACCESS_KEY": "host-secret", "X": "from-host"}))

	plan, err := r.Resolve(m, invocation.Request{
		Skill: "echo",
		Tool:  "run",
		Overrides: invocation.Overrides{
			Config: map[string]string{"region": "${AWS_SECRET_ACCESS_KEY}"},
			Env:    map[string]string{"LEAK": "${AWS_SECRET_ACCESS_KEY:-none}", "BROKEN": "${"},
		},
	})
	require.NoError(t, err, "override values are never parsed for references")
	assert.Equal(t, "${AWS_SECRET_ACCESS_KEY}", plan.Config["region"])
	assert.Equal(t, "${AWS_SECRET_ACCESS_KEY}", plan.Env["SKILL_REGION"])
	assert.Equal(t, "${AWS_SECRET_ACCESS_KEY:-none}", plan.Env["LEAK"])
	assert.Equal(t, "${", plan.Env["BROKEN"])
	assert.Equal(t, "from-host", plan.Env["X"], "manifest values still expand")
}

func TestResolveBuildsToolArgv(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{}), WithWorkDir("/work"))

	plan, err := r.Resolve(m, invocation.Request{
		Skill: "kube",
		Tool:  "get",
		Arguments: map[string]any{
			"resource":      "pods",
			"output":        "json",
			"limit":         "5",
			"manifest_file": "deploy/app.yaml",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"kubectl", "get", "pods", "-n", "default",
		"--limit", "5", "--manifest_file", "deploy/app.yaml", "--output", "json",
	}, plan.Argv)
	assert.Equal(t, int64(5), plan.Arguments["limit"], "string arguments are coerced to the declared type")
	assert.Equal(t, "default", plan.Arguments["namespace"], "defaults are applied")
	assert.Equal(t, []string{"api.example.com"}, plan.Domains)
	assert.Equal(t, []string{"/work/deploy/app.yaml"}, plan.Paths)
	assert.Equal(t, "/work", plan.WorkDir)
	assert.Equal(t, []string{"kubectl"}, plan.Capabilities.AllowedCommands, "the declared command is allowed by default")
	assert.Equal(t, []string{"evil.com"}, plan.Capabilities.BlockedDomains)
}

func TestResolveGenericFlags(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{}))

	plan, err := r.Resolve(m, invocation.Request{
		Skill: "echo",
		Tool:  "run",
		Arguments: map[string]any{
			"arg":   []any{"a", "b"},
			"v":     true,
			"quiet": false,
			"count": float64(3),
			"tag":   []any{"x", "y"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hello", "--count", "3", "--tag", "x", "--tag", "y", "-v", "a", "b"}, plan.Argv)
}

func TestResolveRejectsOverlapAfterMerge(t *testing.T) {
	m := loadFixture(t)
	m.Skills["kube"].Capabilities = &manifest.Capabilities{AllowedDomains: []string{"evil.com"}}

	r := New(WithEnv(map[string]string{}))
	_, err := r.Resolve(m, invocation.Request{Skill: "kube", Tool: "get", Arguments: map[string]any{"resource": "pods"}})
	requireKind(t, err, invocation.KindInvalidRuntimeConfig)
	assert.Contains(t, err.Error(), "evil.com")
}

func TestResolveContainerPlan(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{"DATA": "/srv/data", "TAG": "1.2.3"}))

	plan, err := r.Resolve(m, invocation.Request{Skill: "api", Tool: "query", Arguments: map[string]any{"q": "users"}})
	require.NoError(t, err)
	require.NotNil(t, plan.Container)

	assert.Equal(t, "ghcr.io/acme/api:1.2.3", plan.Container.Image)
	assert.Equal(t, []string{"api", "query", "-q", "users"}, plan.Container.Command)
	assert.Equal(t, []invocation.Mount{
		{HostPath: "/srv/data", GuestPath: "/data", ReadOnly: true},
		{HostPath: "/opt/skills/cache", GuestPath: "/cache"},
	}, plan.Container.Mounts)
	assert.Equal(t, []string{"/srv/data"}, plan.Capabilities.ReadOnlyPaths)
}

func TestResolveContainerSecurityAfterExpansion(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{"DATA": "/var/run/docker.sock"}))

	_, err := r.Resolve(m, invocation.Request{Skill: "api", Tool: "query"})
	requireKind(t, err, invocation.KindInvalidRuntimeConfig)
	assert.Contains(t, err.Error(), "docker.sock")
}

func TestResolveComponentPlan(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{}))

	plan, err := r.Resolve(m, invocation.Request{Skill: "calc", Tool: "add", Arguments: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, "/opt/skills/modules/calc.wasm", plan.Module)
	assert.Equal(t, []string{"-a", "1"}, plan.ToolArgs)
}

func TestResolveIsPure(t *testing.T) {
	m := loadFixture(t)
	r := New(WithEnv(map[string]string{}))
	req := invocation.Request{Skill: "kube", Tool: "get", Arguments: map[string]any{"resource": "pods"}}

	first, err := r.Resolve(m, req)
	require.NoError(t, err)
	second, err := r.Resolve(m, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotSame(t, first, second, "plans are never cached")
	assert.Equal(t, map[string]any{"resource": "pods"}, req.Arguments, "the request is not mutated")
}

// TestPrecedenceInvariant checks that for every key, the resolved value comes
// from the highest tier that sets it: overrides, then instance, then skill.
func TestPrecedenceInvariant(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}
	tier := rapid.Custom(func(t *rapid.T) map[string]string {
		out := map[string]string{}
		for _, k := range keys {
			if rapid.Bool().Draw(t, "set_"+k) {
				out[k] = rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "value_"+k)
			}
		}
		return out
	})

	rapid.Check(t, func(rt *rapid.T) {
		skillCfg := tier.Draw(rt, "skill_config")
		instCfg := tier.Draw(rt, "instance_config")
		override := tier.Draw(rt, "overrides")
		skillEnv := tier.Draw(rt, "skill_env")
		instEnv := tier.Draw(rt, "instance_env")

		m := &manifest.Manifest{
			Version: "1",
			Skills: map[string]*manifest.SkillDefinition{
				"s": {
					Runtime: "native",
					Native:  &manifest.NativeConfig{Command: "true"},
					Config:  skillCfg,
					Env:     skillEnv,
					Instances: map[string]*manifest.InstanceConfig{
						"default": {Config: instCfg, Env: instEnv},
					},
				},
			},
		}

		plan, err := New(WithEnv(map[string]string{})).Resolve(m, invocation.Request{
			Skill:     "s",
			Tool:      "t",
			Overrides: invocation.Overrides{Config: override},
		})
		if err != nil {
			rt.Fatalf("resolve: %v", err)
		}

		for _, k := range keys {
			want, set := override[k]
			if !set {
				want, set = instCfg[k]
			}
			if !set {
				want, set = skillCfg[k]
			}
			got, present := plan.Config[k]
			if present != set || got != want {
				rt.Fatalf("config %q: got %q (present=%v) want %q (set=%v)", k, got, present, want, set)
			}

			wantEnv, envSet := instEnv[k]
			if !envSet {
				wantEnv, envSet = skillEnv[k]
			}
			if envSet && plan.Env[k] != wantEnv {
				rt.Fatalf("env %q: got %q want %q", k, plan.Env[k], wantEnv)
			}
		}
	})
}
