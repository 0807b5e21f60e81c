package main

import (
	"context"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/audit"
	"github.com/jingkaihe/skillet/pkg/backend"
	"github.com/jingkaihe/skillet/pkg/dispatch"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/manifest"
	"github.com/jingkaihe/skillet/pkg/metrics"
	"github.com/jingkaihe/skillet/pkg/policy"
	"github.com/jingkaihe/skillet/pkg/resolver"
	"github.com/jingkaihe/skillet/pkg/skills"
)

// app wires the runtime for one CLI command.
type app struct {
	store      *manifest.Store
	backends   *backend.Registry
	limiter    *policy.Limiter
	dispatcher *dispatch.Dispatcher
	docs       *skills.Discovery
	audit      *audit.Store
	metrics    *metrics.Collector
}

type appOptions struct {
	// audit records invocations in the history store when it is enabled.
	audit bool
	// metrics registers a Prometheus collector as a dispatch observer.
	metrics bool
}

// manifestPath returns the configured manifest or the nearest one found
// from the working directory upwards.
func manifestPath() (string, error) {
	if cfg.Manifest != "" {
		return cfg.Manifest, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "failed to get working directory")
	}
	path, ok := manifest.Find(wd)
	if !ok {
		return "", errors.Errorf("no %s or %s found in %s or its parents; pass --manifest", manifest.FileNames[0], manifest.FileNames[1], wd)
	}
	return path, nil
}

// loadManifestStore loads the manifest without building the runtime.
func loadManifestStore() (*manifest.Store, error) {
	path, err := manifestPath()
	if err != nil {
		return nil, err
	}
	return manifest.NewStore(path, manifest.WithReloadHook(func(m *manifest.Manifest) {
		logger.G(context.Background()).WithField("skills", len(m.Skills)).Info("manifest reloaded")
	}))
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	store, err := loadManifestStore()
	if err != nil {
		return nil, err
	}

	docs, err := skills.NewDiscovery()
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up skill docs discovery")
	}

	a := &app{
		store:    store,
		backends: backend.NewDefaultRegistry(cfg.BackendOptions()),
		limiter:  policy.NewLimiter(),
		docs:     docs,
	}
	dispatchOpts := []dispatch.Option{
		dispatch.WithBackends(a.backends),
		dispatch.WithLimiter(a.limiter),
		dispatch.WithResolver(newResolver()),
	}

	if opts.audit && cfg.Audit.Enabled {
		a.audit, err = openAudit(ctx)
		if err != nil {
			// History is best effort; invocations still run without it.
			logger.G(ctx).WithError(err).Warn("invocation history disabled")
		} else {
			dispatchOpts = append(dispatchOpts, dispatch.WithObserver(a.audit))
		}
	}
	if opts.metrics {
		a.metrics = metrics.NewCollector(metrics.DefaultNamespace, a.limiter)
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(a.metrics))
	}

	a.dispatcher = dispatch.New(store, dispatchOpts...)
	return a, nil
}

// newResolver builds the plan resolver. Relative path arguments resolve
// against the configured work directory, or the manifest's directory when
// none is set.
func newResolver() *resolver.Resolver {
	var opts []resolver.Option
	if cfg.WorkDir != "" {
		opts = append(opts, resolver.WithWorkDir(cfg.WorkDir))
	}
	return resolver.New(opts...)
}

// openAudit opens the history store and applies the retention setting.
func openAudit(ctx context.Context) (*audit.Store, error) {
	store, err := audit.Open(ctx, cfg.Audit.DBPath)
	if err != nil {
		return nil, err
	}
	if cfg.Audit.Retention > 0 {
		pruned, err := store.Prune(ctx, time.Now().Add(-cfg.Audit.Retention))
		if err != nil {
			logger.G(ctx).WithError(err).Warn("failed to prune invocation history")
		} else if pruned > 0 {
			logger.G(ctx).WithField("records", pruned).Debug("pruned invocation history")
		}
	}
	return store, nil
}

func (a *app) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := a.backends.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// closeApp closes a and logs failures.
func closeApp(ctx context.Context, a *app) {
	if err := a.Close(ctx); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to release runtime resources")
	}
}
