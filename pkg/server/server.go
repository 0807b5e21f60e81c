// Package server exposes the dispatcher over HTTP: a JSON API to list
// skills, invoke tools, preview plans and browse the invocation history,
// plus health and Prometheus endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/audit"
	"github.com/jingkaihe/skillet/pkg/catalog"
	"github.com/jingkaihe/skillet/pkg/dispatch"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// maxRequestBody caps the size of an invocation request.
const maxRequestBody = 1 << 20

// Dispatcher is the part of *dispatch.Dispatcher the server uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, req invocation.Request) *invocation.Result
	DispatchWithRetry(ctx context.Context, req invocation.Request, cfg dispatch.RetryConfig) *invocation.Result
	Plan(ctx context.Context, req invocation.Request) (*invocation.Plan, error)
}

// History is the part of *audit.Store the server uses.
type History interface {
	List(ctx context.Context, opts audit.QueryOptions) ([]audit.Record, error)
	Get(ctx context.Context, id string) (audit.Record, error)
}

// Server represents the HTTP API server
type Server struct {
	router     *mux.Router
	config     *ServerConfig
	server     *http.Server
	dispatcher Dispatcher
	manifests  dispatch.ManifestSource
	docs       *skills.Discovery
	history    History
	metrics    http.Handler
}

// ServerConfig holds the configuration for the HTTP server
type ServerConfig struct {
	Host string
	Port int
	// AllowedOrigins lists the browser origins granted CORS access. Empty
	// disables CORS; "*" allows any origin.
	AllowedOrigins []string
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Option configures optional collaborators of the server.
type Option func(*Server)

// WithDocs enables SKILL.md lookups for skill details.
func WithDocs(docs *skills.Discovery) Option {
	return func(s *Server) { s.docs = docs }
}

// WithHistory enables the /api/invocations endpoints.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer creates a new HTTP server
func NewServer(config *ServerConfig, d Dispatcher, manifests dispatch.ManifestSource, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}

	s := &Server{
		router:     mux.NewRouter(),
		config:     config,
		dispatcher: d,
		manifests:  manifests,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all the HTTP routes
func (s *Server) setupRoutes() {
	// Preflight requests are answered by corsMiddleware.
	s.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/skills", s.handleListSkills).Methods("GET")
	api.HandleFunc("/skills/{skill}", s.handleGetSkill).Methods("GET")
	api.HandleFunc("/skills/{skill}/tools/{tool}", s.handleInvoke).Methods("POST")
	api.HandleFunc("/skills/{skill}/tools/{tool}/plan", s.handlePlan).Methods("POST")
	api.HandleFunc("/invocations", s.handleListInvocations).Methods("GET")
	api.HandleFunc("/invocations/{id}", s.handleGetInvocation).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeErrorResponse(w, http.StatusNotFound, "not found", nil)
	})

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// corsMiddleware adds CORS headers for configured origins only
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	m := s.manifests.Current()
	s.writeJSONResponse(w, map[string]any{
		"status": "ok",
		"skills": len(m.Skills),
	})
}

// handleListSkills handles GET /api/skills
func (s *Server) handleListSkills(w http.ResponseWriter, _ *http.Request) {
	s.writeJSONResponse(w, map[string]any{
		"skills": catalog.Describe(s.manifests.Current(), s.docs),
	})
}

// SkillResponse is the body of GET /api/skills/{skill}.
type SkillResponse struct {
	*catalog.SkillSummary
	DocHTML string `json:"doc_html,omitempty"`
}

// handleGetSkill handles GET /api/skills/{skill}
func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["skill"]

	summary, err := catalog.DescribeSkill(s.manifests.Current(), name, s.docs)
	if summary == nil {
		s.writeInvocationError(w, err)
		return
	}
	if err != nil {
		logger.G(r.Context()).WithError(err).WithField("skill", name).Warn("failed to load skill doc")
	}

	resp := SkillResponse{SkillSummary: summary}
	if summary.Doc != nil {
		html, err := skills.RenderHTML(summary.Doc)
		if err != nil {
			logger.G(r.Context()).WithError(err).WithField("skill", name).Warn("failed to render skill doc")
		}
		resp.DocHTML = html
	}
	s.writeJSONResponse(w, resp)
}

// InvokeRequest is the body of POST /api/skills/{skill}/tools/{tool}. The
// skill and tool come from the path.
type InvokeRequest struct {
	Instance  string               `json:"instance,omitempty"`
	Arguments map[string]any       `json:"arguments,omitempty"`
	Overrides invocation.Overrides `json:"overrides,omitempty"`
	// Retry retries ConcurrencyLimitExceeded rejections with backoff.
	Retry bool `json:"retry,omitempty"`
}

func (s *Server) decodeInvocation(w http.ResponseWriter, r *http.Request) (invocation.Request, bool, error) {
	vars := mux.Vars(r)
	var body InvokeRequest
	if r.Body != nil {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil && err != io.EOF {
			return invocation.Request{}, false, errors.Wrap(err, "invalid request body")
		}
	}
	return invocation.Request{
		Skill:     vars["skill"],
		Instance:  body.Instance,
		Tool:      vars["tool"],
		Arguments: body.Arguments,
		Overrides: body.Overrides,
	}, body.Retry, nil
}

// handleInvoke handles POST /api/skills/{skill}/tools/{tool}
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	req, retry, err := s.decodeInvocation(w, r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	var res *invocation.Result
	if retry {
		res = s.dispatcher.DispatchWithRetry(r.Context(), req, dispatch.DefaultRetryConfig)
	} else {
		res = s.dispatcher.Dispatch(r.Context(), req)
	}
	s.writeJSON(w, StatusCode(res), res)
}

// handlePlan handles POST /api/skills/{skill}/tools/{tool}/plan. It returns
// the resolved and authorized plan with secrets redacted, without running it.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	req, _, err := s.decodeInvocation(w, r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	plan, err := s.dispatcher.Plan(r.Context(), req)
	if err != nil {
		s.writeInvocationError(w, err)
		return
	}
	s.writeJSONResponse(w, plan.Redacted())
}

// handleListInvocations handles GET /api/invocations
func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeErrorResponse(w, http.StatusNotFound, "invocation history is disabled", nil)
		return
	}

	query := r.URL.Query()
	opts := audit.QueryOptions{
		Skill:      query.Get("skill"),
		Instance:   query.Get("instance"),
		State:      invocation.State(query.Get("state")),
		FailedOnly: query.Get("failed") == "true",
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		opts.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		opts.Offset = offset
	}
	if sinceStr := query.Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp", nil)
			return
		}
		opts.Since = since
	}

	records, err := s.history.List(r.Context(), opts)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to list invocations", err)
		return
	}
	s.writeJSONResponse(w, map[string]any{"invocations": records})
}

// handleGetInvocation handles GET /api/invocations/{id}
func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeErrorResponse(w, http.StatusNotFound, "invocation history is disabled", nil)
		return
	}

	id := mux.Vars(r)["id"]
	record, err := s.history.Get(r.Context(), id)
	if errors.Is(err, audit.ErrNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("invocation '%s' not found", id), nil)
		return
	}
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to get invocation", err)
		return
	}
	s.writeJSONResponse(w, record)
}

// StatusCode maps a result envelope to an HTTP status. Requests that never
// reached a backend get a client error status; once a backend ran, the
// envelope itself reports failure and the status is 200.
func StatusCode(res *invocation.Result) int {
	if res.Success {
		return http.StatusOK
	}
	return statusForKind(res.Stage, res.ErrorKind)
}

func statusForKind(stage invocation.Stage, kind invocation.Kind) int {
	switch kind {
	case invocation.KindSkillNotFound, invocation.KindInstanceNotFound,
		invocation.KindNoInstanceAvailable, invocation.KindToolNotFound:
		return http.StatusNotFound
	case invocation.KindInvalidArguments, invocation.KindMissingRequiredVariable,
		invocation.KindInvalidRuntimeConfig:
		return http.StatusBadRequest
	case invocation.KindConcurrencyLimitExceeded:
		return http.StatusTooManyRequests
	}
	if stage == invocation.StageAuthorize {
		return http.StatusForbidden
	}
	if stage == invocation.StageExecute {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

// writeInvocationError writes a failed resolve or authorize as an error
// response carrying the stage and kind.
func (s *Server) writeInvocationError(w http.ResponseWriter, err error) {
	kind := invocation.KindOf(err)
	var stage invocation.Stage
	var ie *invocation.Error
	if errors.As(err, &ie) {
		stage = ie.Stage
	}
	status := statusForKind(stage, kind)
	if status == http.StatusOK {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, map[string]any{
		"error":      err.Error(),
		"error_kind": kind,
		"stage":      stage,
		"status":     status,
		"success":    false,
	})
}

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	if err != nil {
		logger.G(context.TODO()).WithError(err).Error(message)
	}
	s.writeJSON(w, statusCode, map[string]any{
		"error":   message,
		"status":  statusCode,
		"success": false,
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully. A
// listen failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	address := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	presenter.Info(fmt.Sprintf("Serving skills on http://%s", ln.Addr()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server error")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Close stops the server immediately.
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
