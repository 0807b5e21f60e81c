package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/audit"
	"github.com/jingkaihe/skillet/pkg/dispatch"
	"github.com/jingkaihe/skillet/pkg/manifest"
	"github.com/jingkaihe/skillet/pkg/resolver"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

const testManifest = `
[skills.echo]
runtime = "native"
description = "Print things"
native = { command = "echo" }

[skills.echo.tools.say]
description = "say a word"
parameters = [{ name = "word", type = "string", required = true }]

[skills.echo.instances.default]
env = { API_TOKEN = "s3cret" }
`

type mockDispatcher struct {
	dispatchFunc func(ctx context.Context, req invocation.Request) *invocation.Result
	planFunc     func(ctx context.Context, req invocation.Request) (*invocation.Plan, error)
	retried      bool
}

func (m *mockDispatcher) Dispatch(ctx context.Context, req invocation.Request) *invocation.Result {
	return m.dispatchFunc(ctx, req)
}

func (m *mockDispatcher) DispatchWithRetry(ctx context.Context, req invocation.Request, _ dispatch.RetryConfig) *invocation.Result {
	m.retried = true
	return m.dispatchFunc(ctx, req)
}

func (m *mockDispatcher) Plan(ctx context.Context, req invocation.Request) (*invocation.Plan, error) {
	return m.planFunc(ctx, req)
}

type mockHistory struct {
	listFunc func(ctx context.Context, opts audit.QueryOptions) ([]audit.Record, error)
	records  map[string]audit.Record
}

func (m *mockHistory) List(ctx context.Context, opts audit.QueryOptions) ([]audit.Record, error) {
	return m.listFunc(ctx, opts)
}

func (m *mockHistory) Get(_ context.Context, id string) (audit.Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return audit.Record{}, audit.ErrNotFound
	}
	return rec, nil
}

func newTestServer(t *testing.T, d Dispatcher, opts ...Option) *Server {
	t.Helper()
	m, err := manifest.Parse([]byte(testManifest))
	require.NoError(t, err)
	m.BaseDir = t.TempDir()

	s, err := NewServer(&ServerConfig{Host: "localhost", Port: 8080}, d, manifest.NewStaticStore(m), opts...)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name          string
		config        *ServerConfig
		expectedError string
	}{
		{name: "valid config", config: &ServerConfig{Host: "localhost", Port: 8080}},
		{name: "empty host", config: &ServerConfig{Port: 8080}, expectedError: "host cannot be empty"},
		{name: "port too low", config: &ServerConfig{Host: "localhost"}, expectedError: "port must be between 1 and 65535"},
		{name: "port too high", config: &ServerConfig{Host: "localhost", Port: 65536}, expectedError: "port must be between 1 and 65535"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &mockDispatcher{})

	w := do(t, s, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"status": "ok", "skills": float64(1)}, decode(t, w))
}

func TestCORS(t *testing.T) {
	request := func(s *Server, method, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/skills", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w
	}
	newServer := func(origins ...string) *Server {
		m, err := manifest.Parse([]byte(testManifest))
		require.NoError(t, err)
		m.BaseDir = t.TempDir()
		s, err := NewServer(&ServerConfig{Host: "localhost", Port: 8080, AllowedOrigins: origins},
			&mockDispatcher{}, manifest.NewStaticStore(m))
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{name: "disabled by default", origin: "https://evil.example"},
		{name: "unlisted origin", origins: []string{"https://ui.example"}, origin: "https://evil.example"},
		{name: "listed origin", origins: []string{"https://ui.example"}, origin: "https://ui.example", want: "https://ui.example"},
		{name: "wildcard", origins: []string{"*"}, origin: "https://any.example", want: "https://any.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(tt.origins...)
			for _, method := range []string{"GET", "OPTIONS"} {
				w := request(s, method, tt.origin)
				assert.Equal(t, http.StatusOK, w.Code)
				assert.Equal(t, tt.want, w.Header().Get("Access-Control-Allow-Origin"), method)
			}
		})
	}
}

func TestPlanDoesNotExpandOverrides(t *testing.T) {
	m, err := manifest.Parse([]byte(testManifest))
	require.NoError(t, err)
	m.BaseDir = t.TempDir()
	store := manifest.NewStaticStore(m)
	d := dispatch.New(store, dispatch.WithResolver(resolver.New(resolver.WithEnv(map[string]string{
		"AWS_SECRET_ACCESS_KEY": "host-secret-value",
	}))))
	s, err := NewServer(&ServerConfig{Host: "localhost", Port: 8080}, d, store)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/skills/echo/tools/say/plan", strings.NewReader(
		`{"arguments":{"word":"x"},"overrides":{"config":{"region":"${AWS_SECRET_ACCESS_KEY}"}}}`))
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotContains(t, w.Body.String(), "host-secret-value")
	assert.Contains(t, w.Body.String(), `"region":"${AWS_SECRET_ACCESS_KEY}"`)
}

func TestListAndGetSkills(t *testing.T) {
	docsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(docsDir, "echo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "echo", "SKILL.md"),
		[]byte("---\nname: echo\n---\n\n# Echo\n\nSays **things**.\n"), 0o644))
	docs, err := skills.NewDiscovery(skills.WithSkillDirs(docsDir))
	require.NoError(t, err)

	s := newTestServer(t, &mockDispatcher{}, WithDocs(docs))

	w := do(t, s, "GET", "/api/skills", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["skills"].([]any)
	require.Len(t, list, 1)
	echo := list[0].(map[string]any)
	assert.Equal(t, "echo", echo["name"])
	assert.Equal(t, "native", echo["runtime"])
	assert.Equal(t, "default", echo["default_instance"])

	w = do(t, s, "GET", "/api/skills/echo", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Print things", body["description"])
	assert.Contains(t, body["doc_html"], "<strong>things</strong>")
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "say", tools[0].(map[string]any)["name"])

	w = do(t, s, "GET", "/api/skills/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SkillNotFound", decode(t, w)["error_kind"])
}

func TestInvoke(t *testing.T) {
	var got invocation.Request
	d := &mockDispatcher{dispatchFunc: func(_ context.Context, req invocation.Request) *invocation.Result {
		got = req
		return &invocation.Result{Skill: req.Skill, Tool: req.Tool, Success: true, Output: "hi\n", State: invocation.StateCompleted}
	}}
	s := newTestServer(t, d)

	w := do(t, s, "POST", "/api/skills/echo/tools/say",
		`{"instance":"default","arguments":{"word":"hi"},"overrides":{"env":{"X":"1"}}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, invocation.Request{
		Skill:     "echo",
		Instance:  "default",
		Tool:      "say",
		Arguments: map[string]any{"word": "hi"},
		Overrides: invocation.Overrides{Env: map[string]string{"X": "1"}},
	}, got)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "hi\n", body["output"])
	assert.False(t, d.retried)

	w = do(t, s, "POST", "/api/skills/echo/tools/say", `{"retry":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, d.retried)

	w = do(t, s, "POST", "/api/skills/echo/tools/say", "")
	assert.Equal(t, http.StatusOK, w.Code, "an empty body is an empty request")

	w = do(t, s, "POST", "/api/skills/echo/tools/say", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
}

func TestInvokeStatusCodes(t *testing.T) {
	tests := []struct {
		stage  invocation.Stage
		kind   invocation.Kind
		status int
	}{
		{invocation.StageResolve, invocation.KindSkillNotFound, http.StatusNotFound},
		{invocation.StageResolve, invocation.KindToolNotFound, http.StatusNotFound},
		{invocation.StageResolve, invocation.KindInvalidArguments, http.StatusBadRequest},
		{invocation.StageResolve, invocation.KindMissingRequiredVariable, http.StatusBadRequest},
		{invocation.StageAuthorize, invocation.KindCommandNotAllowed, http.StatusForbidden},
		{invocation.StageAuthorize, invocation.KindDomainNotAllowed, http.StatusForbidden},
		{invocation.StageAuthorize, invocation.KindConcurrencyLimitExceeded, http.StatusTooManyRequests},
		{invocation.StageExecute, invocation.KindNonZeroExit, http.StatusOK},
		{invocation.StageExecute, invocation.KindTimedOut, http.StatusOK},
		{invocation.StageExecute, invocation.KindBackendLaunchFailed, http.StatusOK},
		{"", invocation.KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			s := newTestServer(t, &mockDispatcher{dispatchFunc: func(context.Context, invocation.Request) *invocation.Result {
				return &invocation.Result{
					Stage:        tt.stage,
					ErrorKind:    tt.kind,
					ErrorMessage: fmt.Sprintf("%s: %s: nope", tt.stage, tt.kind),
					State:        invocation.StateFailed,
				}
			}})
			w := do(t, s, "POST", "/api/skills/echo/tools/say", "{}")
			assert.Equal(t, tt.status, w.Code)
			body := decode(t, w)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, string(tt.kind), body["error_kind"])
		})
	}
}

func TestPlanIsRedacted(t *testing.T) {
	d := &mockDispatcher{planFunc: func(_ context.Context, req invocation.Request) (*invocation.Plan, error) {
		if req.Tool != "say" {
			return nil, invocation.NewError(invocation.StageResolve, invocation.KindToolNotFound, "tool '%s' is not declared", req.Tool)
		}
		return &invocation.Plan{
			Skill:    "echo",
			Instance: "default",
			Tool:     "say",
			Runtime:  invocation.RuntimeNative,
			Config:   map[string]string{"api_token": "s3cret", "region": "eu"},
			Env:      map[string]string{"API_TOKEN": "s3cret"},
			Command:  "echo",
			Argv:     []string{"echo", "hi"},
		}, nil
	}}
	s := newTestServer(t, d)

	w := do(t, s, "POST", "/api/skills/echo/tools/say/plan", `{"arguments":{"word":"hi"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "s3cret")
	body := decode(t, w)
	assert.Equal(t, "eu", body["config"].(map[string]any)["region"])
	assert.Equal(t, invocation.RedactedValue, body["env"].(map[string]any)["API_TOKEN"])

	w = do(t, s, "POST", "/api/skills/echo/tools/shout/plan", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	body = decode(t, w)
	assert.Equal(t, "ToolNotFound", body["error_kind"])
	assert.Equal(t, "resolve", body["stage"])
}

func TestInvocations(t *testing.T) {
	started := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	var gotOpts audit.QueryOptions
	history := &mockHistory{
		listFunc: func(_ context.Context, opts audit.QueryOptions) ([]audit.Record, error) {
			gotOpts = opts
			return []audit.Record{{ID: "a", Skill: "echo", Tool: "say", Success: true, StartedAt: started}}, nil
		},
		records: map[string]audit.Record{"a": {ID: "a", Skill: "echo", Tool: "say", StartedAt: started}},
	}
	s := newTestServer(t, &mockDispatcher{}, WithHistory(history))

	w := do(t, s, "GET", "/api/invocations?skill=echo&failed=true&limit=5&offset=10&since=2026-09-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, audit.QueryOptions{
		Skill:      "echo",
		FailedOnly: true,
		Limit:      5,
		Offset:     10,
		Since:      time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}, gotOpts)
	assert.Len(t, decode(t, w)["invocations"], 1)

	w = do(t, s, "GET", "/api/invocations?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, "GET", "/api/invocations/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "echo", decode(t, w)["skill"])

	w = do(t, s, "GET", "/api/invocations/b", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvocationsDisabled(t *testing.T) {
	s := newTestServer(t, &mockDispatcher{})
	assert.Equal(t, http.StatusNotFound, do(t, s, "GET", "/api/invocations", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, "GET", "/metrics", "").Code)
}

func TestMetricsMounted(t *testing.T) {
	s := newTestServer(t, &mockDispatcher{}, WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("skillet_invocations_total 0\n"))
	})))
	w := do(t, s, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "skillet_invocations_total")
}

func TestStartAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	m, err := manifest.Parse([]byte(testManifest))
	require.NoError(t, err)
	s, err := NewServer(&ServerConfig{Host: "127.0.0.1", Port: port}, &mockDispatcher{}, manifest.NewStaticStore(m))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStartListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	m, err := manifest.Parse([]byte(testManifest))
	require.NoError(t, err)
	s, err := NewServer(&ServerConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}, &mockDispatcher{}, manifest.NewStaticStore(m))
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}
