package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve skills over an HTTP API",
	Long: `Start an HTTP server exposing the declared skills:

  GET  /api/skills                          list skills and tools
  GET  /api/skills/{skill}                  skill details and documentation
  POST /api/skills/{skill}/tools/{tool}     invoke a tool
  POST /api/skills/{skill}/tools/{tool}/plan  preview the execution plan
  GET  /api/invocations[/{id}]              invocation history
  GET  /healthz                             health check
  GET  /metrics                             Prometheus metrics

With --watch the manifest is reloaded when it changes on disk. CORS is off
unless origins are allowed with --allowed-origin or server.allowed_origins.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		applyWatchFlag(cmd)
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().String("host", "localhost", "Host to bind the HTTP server to")
	serveCmd.Flags().Int("port", 8080, "Port to bind the HTTP server to")
	serveCmd.Flags().Bool("watch", false, "Reload the manifest when it changes")
	serveCmd.Flags().StringSlice("allowed-origin", nil, "Browser origin allowed to call the API via CORS (repeatable, \"*\" for any)")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.allowed_origins", serveCmd.Flags().Lookup("allowed-origin"))
}

// applyWatchFlag lets --watch override the watch setting. serve and mcp
// share the key, so the flag is read per command instead of bound.
func applyWatchFlag(cmd *cobra.Command) {
	if cmd.Flags().Changed("watch") {
		cfg.Watch, _ = cmd.Flags().GetBool("watch")
	}
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx, appOptions{audit: true, metrics: true})
	if err != nil {
		return err
	}
	defer closeApp(ctx, a)

	opts := []server.Option{
		server.WithDocs(a.docs),
		server.WithMetrics(a.metrics.Handler()),
	}
	if a.audit != nil {
		opts = append(opts, server.WithHistory(a.audit))
	}
	srv, err := server.NewServer(&server.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, a.dispatcher, a.store, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			logger.G(ctx).WithError(closeErr).Error("failed to close server")
		}
	}()

	logger.G(ctx).WithFields(map[string]any{
		"host":     cfg.Server.Host,
		"port":     cfg.Server.Port,
		"manifest": a.store.Path(),
		"watch":    cfg.Watch,
	}).Info("starting skill server")
	presenter.Info("Press Ctrl+C to stop the server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if cfg.Watch {
		g.Go(func() error {
			return errors.Wrap(a.store.Watch(gctx), "manifest watcher failed")
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	presenter.Success(fmt.Sprintf("Server on %s:%d stopped", cfg.Server.Host, cfg.Server.Port))
	return nil
}
