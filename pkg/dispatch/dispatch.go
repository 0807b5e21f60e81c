// Package dispatch is the single entry point for invoking skills. It runs
// every request through resolve, authorize and execute, and always answers
// with a result envelope instead of an error.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jingkaihe/skillet/pkg/backend"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/manifest"
	"github.com/jingkaihe/skillet/pkg/policy"
	"github.com/jingkaihe/skillet/pkg/resolver"
	"github.com/jingkaihe/skillet/pkg/telemetry"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// ManifestSource supplies the manifest snapshot each dispatch resolves
// against. *manifest.Store satisfies it.
type ManifestSource interface {
	Current() *manifest.Manifest
}

// Event describes one finished dispatch.
type Event struct {
	Request invocation.Request
	// Plan is nil when resolution failed.
	Plan   *invocation.Plan
	Result *invocation.Result
	States []invocation.State
}

// Observer is notified after every dispatch, in registration order.
// Observers run on the dispatching goroutine and must not block for long.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Dispatcher routes requests to backends. It holds no lock of its own; the
// per-instance concurrency counters live in the limiter.
type Dispatcher struct {
	manifests ManifestSource
	resolver  *resolver.Resolver
	policy    *policy.Engine
	limiter   *policy.Limiter
	backends  *backend.Registry
	observers []Observer
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithResolver replaces the default resolver.
func WithResolver(r *resolver.Resolver) Option {
	return func(d *Dispatcher) { d.resolver = r }
}

// WithPolicy replaces the default policy engine.
func WithPolicy(p *policy.Engine) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithLimiter replaces the default concurrency limiter.
func WithLimiter(l *policy.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithBackends replaces the default backend registry.
func WithBackends(r *backend.Registry) Option {
	return func(d *Dispatcher) { d.backends = r }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher over manifests.
func New(manifests ManifestSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		manifests: manifests,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.resolver == nil {
		d.resolver = resolver.New()
	}
	if d.policy == nil {
		d.policy = policy.NewEngine()
	}
	if d.limiter == nil {
		d.limiter = policy.NewLimiter()
	}
	if d.backends == nil {
		d.backends = backend.NewDefaultRegistry(backend.DefaultOptions())
	}
	return d
}

// Limiter exposes the concurrency limiter, e.g. for in-flight gauges.
func (d *Dispatcher) Limiter() *policy.Limiter {
	return d.limiter
}

// Plan resolves and authorizes req without executing it.
func (d *Dispatcher) Plan(ctx context.Context, req invocation.Request) (*invocation.Plan, error) {
	plan, err := d.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := d.authorize(ctx, plan); err != nil {
		return plan, err
	}
	return plan, nil
}

// Dispatch runs req to completion and returns its result envelope. It never
// returns an error: every failure, including a panic in a backend, is
// reported through the envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req invocation.Request) (result *invocation.Result) {
	id := uuid.New().String()
	started := d.now()
	lc := invocation.NewLifecycle()
	result = &invocation.Result{
		InvocationID: id,
		Skill:        req.Skill,
		Instance:     req.Instance,
		Tool:         req.Tool,
		StartedAt:    started,
	}

	ctx = logger.WithFields(ctx, logrus.Fields{
		"invocation_id": id,
		"skill":         req.Skill,
		"tool":          req.Tool,
	})
	ctx, span := telemetry.Tracer("").Start(ctx, "skill.dispatch", trace.WithAttributes(
		attribute.String("skill.invocation_id", id),
		attribute.String("skill.name", req.Skill),
		attribute.String("skill.tool", req.Tool),
	))

	var plan *invocation.Plan
	defer func() {
		if r := recover(); r != nil {
			logger.G(ctx).WithField("stack", string(debug.Stack())).Errorf("dispatch panicked: %v", r)
			d.fail(result, lc, invocation.NewError(invocation.StageExecute, invocation.KindInternal, "panic: %v", r))
		}
		result.State = lc.Current()
		result.Duration = d.now().Sub(started)
		d.finish(ctx, span, req, plan, result, lc)
	}()

	var err error
	plan, err = d.resolve(ctx, req)
	if err != nil {
		d.fail(result, lc, err)
		return result
	}
	result.Instance = plan.Instance
	ctx = logger.WithFields(ctx, logrus.Fields{"instance": plan.Instance, "runtime": plan.Runtime})
	span.SetAttributes(telemetry.PlanAttributes(plan)...)

	if err := d.authorize(ctx, plan); err != nil {
		d.fail(result, lc, err)
		return result
	}
	release, err := d.limiter.Admit(plan)
	if err != nil {
		d.fail(result, lc, err)
		return result
	}
	defer release()
	telemetry.AddEvent(ctx, "skill.admitted", attribute.Int64("skill.in_flight", d.limiter.InFlight(plan.Key())))
	d.transition(ctx, lc, invocation.StateAuthorized)

	b, err := d.backends.Get(plan.Runtime)
	if err != nil {
		d.fail(result, lc, err)
		return result
	}

	d.transition(ctx, lc, invocation.StateExecuting)
	var out *backend.Output
	execErr := telemetry.WithSpan(ctx, "skill.execute", func(ctx context.Context) error {
		var err error
		out, err = b.Execute(ctx, plan)
		return err
	}, attribute.String("skill.runtime", string(plan.Runtime)))

	if out != nil {
		result.Output = out.Stdout
		result.Stderr = out.Stderr
		result.ExitCode = out.ExitCode
	}
	if execErr != nil {
		d.fail(result, lc, execErr)
		return result
	}

	result.Success = true
	result.Structured = structured(result.Output)
	d.transition(ctx, lc, invocation.StateCompleted)
	return result
}

func (d *Dispatcher) resolve(ctx context.Context, req invocation.Request) (*invocation.Plan, error) {
	var plan *invocation.Plan
	err := telemetry.WithSpan(ctx, "skill.resolve", func(ctx context.Context) error {
		var err error
		plan, err = d.resolver.Resolve(d.manifests.Current(), req)
		return err
	})
	return plan, err
}

func (d *Dispatcher) authorize(ctx context.Context, plan *invocation.Plan) error {
	return telemetry.WithSpan(ctx, "skill.authorize", func(ctx context.Context) error {
		return d.policy.Authorize(plan)
	})
}

// fail records err on the result and moves the lifecycle to its terminal
// failure state.
func (d *Dispatcher) fail(result *invocation.Result, lc *invocation.Lifecycle, err error) {
	result.Success = false
	result.ErrorMessage = err.Error()
	result.ErrorKind = invocation.KindOf(err)
	var ie *invocation.Error
	if errors.As(err, &ie) {
		result.Stage = ie.Stage
	}
	next := invocation.StateFailed
	if result.ErrorKind == invocation.KindTimedOut {
		next = invocation.StateTimedOut
	}
	if !lc.Current().Terminal() && lc.Current().CanTransition(next) {
		_ = lc.Transition(next)
	}
}

func (d *Dispatcher) transition(ctx context.Context, lc *invocation.Lifecycle, next invocation.State) {
	if err := lc.Transition(next); err != nil {
		logger.G(ctx).WithError(err).Error("invalid invocation state transition")
	}
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, req invocation.Request, plan *invocation.Plan, result *invocation.Result, lc *invocation.Lifecycle) {
	defer span.End()

	span.SetAttributes(
		attribute.String("skill.state", string(result.State)),
		attribute.Int("skill.exit_code", result.ExitCode),
	)
	log := logger.G(ctx).WithFields(logrus.Fields{
		"state":    result.State,
		"duration": result.Duration,
	})
	if result.Success {
		span.SetStatus(codes.Ok, "")
		log.Info("invocation completed")
	} else {
		span.SetStatus(codes.Error, result.ErrorMessage)
		span.SetAttributes(attribute.String("skill.error_kind", string(result.ErrorKind)))
		entry := log.WithFields(logrus.Fields{"stage": result.Stage, "error_kind": result.ErrorKind})
		switch result.Stage {
		case invocation.StageResolve, invocation.StageAuthorize:
			entry.Warn(result.ErrorMessage)
		default:
			entry.Error(result.ErrorMessage)
		}
	}

	ev := Event{Request: req, Plan: plan, Result: result, States: lc.History()}
	for _, o := range d.observers {
		d.notify(ctx, o, ev)
	}
}

// notify shields the dispatcher from a panicking observer.
func (d *Dispatcher) notify(ctx context.Context, o Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.G(ctx).Errorf("observer panicked: %v", r)
		}
	}()
	o.Observe(ctx, ev)
}

// structured decodes output that is a JSON object or array.
func structured(output string) any {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil
	}
	return v
}

// Summary renders a one-line description of a result for logs and CLIs.
func Summary(r *invocation.Result) string {
	if r.Success {
		return fmt.Sprintf("%s.%s on %s completed in %s", r.Skill, r.Tool, r.Instance, r.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s.%s failed (%s): %s", r.Skill, r.Tool, r.ErrorKind, r.ErrorMessage)
}
