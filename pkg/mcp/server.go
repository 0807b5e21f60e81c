// Package mcp serves skills to MCP clients over stdio. Agents list the
// declared skills, preview plans and invoke tools through the same
// dispatcher the CLI and HTTP API use.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/skillet/pkg/catalog"
	"github.com/jingkaihe/skillet/pkg/dispatch"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
	"github.com/jingkaihe/skillet/pkg/version"
)

// DefaultMaxOutput bounds the text returned for one tool call.
const DefaultMaxOutput = 50000

// Tool names exposed to clients.
const (
	ToolListSkills = "list_skills"
	ToolExecute    = "execute"
	ToolResolve    = "resolve"
)

// Dispatcher is the part of *dispatch.Dispatcher the MCP server uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, req invocation.Request) *invocation.Result
	Plan(ctx context.Context, req invocation.Request) (*invocation.Plan, error)
}

// Server adapts the dispatcher to an MCP server.
type Server struct {
	dispatcher Dispatcher
	manifests  dispatch.ManifestSource
	docs       *skills.Discovery
	maxOutput  int
	mcp        *server.MCPServer
}

// Option configures a Server.
type Option func(*Server)

// WithMaxOutput caps tool output returned to the client. Non-positive
// values keep the default.
func WithMaxOutput(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxOutput = n
		}
	}
}

// WithDocs fills missing skill descriptions from SKILL.md files.
func WithDocs(docs *skills.Discovery) Option {
	return func(s *Server) { s.docs = docs }
}

// NewServer creates the MCP server and registers its tools.
func NewServer(d Dispatcher, manifests dispatch.ManifestSource, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		manifests:  manifests,
		maxOutput:  DefaultMaxOutput,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = server.NewMCPServer("skillet", version.Get().Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.mcp.AddTool(mcp.NewTool(ToolListSkills,
		mcp.WithDescription("List the available skills with their instances, tools and tool argument schemas."),
	), s.handleListSkills)
	s.mcp.AddTool(mcp.NewTool(ToolExecute,
		mcp.WithDescription("Run one tool of a skill and return its output."),
		mcp.WithString("skill", mcp.Required(), mcp.Description("Skill name as returned by list_skills")),
		mcp.WithString("tool", mcp.Required(), mcp.Description("Tool of the skill to run")),
		mcp.WithString("instance", mcp.Description("Skill instance; the skill's default instance when omitted")),
		mcp.WithObject("args", mcp.Description("Tool arguments matching the tool's input schema")),
	), s.handleExecute)
	s.mcp.AddTool(mcp.NewTool(ToolResolve,
		mcp.WithDescription("Show how a tool call would run, with secrets redacted, without running it."),
		mcp.WithString("skill", mcp.Required(), mcp.Description("Skill name")),
		mcp.WithString("tool", mcp.Required(), mcp.Description("Tool of the skill")),
		mcp.WithString("instance", mcp.Description("Skill instance")),
		mcp.WithObject("args", mcp.Description("Tool arguments")),
	), s.handleResolve)
	return s
}

// MCPServer exposes the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves MCP over in and out until ctx is cancelled or in is
// closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	errLog := logger.G(ctx).WriterLevel(logrus.ErrorLevel)
	defer errLog.Close()

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(errLog, "", 0))

	logger.G(ctx).Info("serving skills over MCP stdio")
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "mcp stdio server failed")
	}
	return nil
}

func (s *Server) handleListSkills(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summaries := catalog.Describe(s.manifests.Current(), s.docs)
	for i := range summaries {
		summaries[i].Doc = nil
	}
	out, err := json.MarshalIndent(map[string]any{"skills": summaries}, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal skills")
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, err := toRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res := s.dispatcher.Dispatch(ctx, r)
	if !res.Success {
		return mcp.NewToolResultError(s.truncate(failureText(res))), nil
	}
	return mcp.NewToolResultText(s.truncate(res.Output)), nil
}

func (s *Server) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, err := toRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	plan, err := s.dispatcher.Plan(ctx, r)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := json.MarshalIndent(plan.Redacted(), "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal plan")
	}
	return mcp.NewToolResultText(string(out)), nil
}

// toRequest reads the skill, tool, instance and args parameters.
func toRequest(req mcp.CallToolRequest) (invocation.Request, error) {
	var raw any = req.Params.Arguments
	params, _ := raw.(map[string]any)

	r := invocation.Request{}
	r.Skill, _ = params["skill"].(string)
	r.Tool, _ = params["tool"].(string)
	r.Instance, _ = params["instance"].(string)
	if r.Skill == "" || r.Tool == "" {
		return r, errors.New("skill and tool are required")
	}

	switch args := params["args"].(type) {
	case nil:
	case map[string]any:
		r.Arguments = args
	case string:
		// Some clients send objects as JSON text.
		if strings.TrimSpace(args) != "" {
			if err := json.Unmarshal([]byte(args), &r.Arguments); err != nil {
				return r, errors.Wrap(err, "args must be a JSON object")
			}
		}
	default:
		return r, errors.Errorf("args must be an object, got %T", args)
	}
	return r, nil
}

func failureText(res *invocation.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", res.State, res.ErrorMessage)
	if res.Stage == invocation.StageExecute {
		fmt.Fprintf(&b, "\nexit code: %d", res.ExitCode)
	}
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", stderr)
	}
	if output := strings.TrimSpace(res.Output); output != "" {
		fmt.Fprintf(&b, "\noutput:\n%s", output)
	}
	return b.String()
}

func (s *Server) truncate(text string) string {
	if len(text) <= s.maxOutput {
		return text
	}
	cut := s.maxOutput
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return fmt.Sprintf("%s\n... [truncated %d bytes]", text[:cut], len(text)-cut)
}
