package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/mcp"
	"github.com/jingkaihe/skillet/pkg/presenter"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve skills to MCP clients over stdio",
	Long: `Run skillet as a Model Context Protocol server on stdin and stdout.

The server exposes three tools: list_skills, execute and resolve. Logs go to
stderr so that stdout carries only protocol messages.

Example client configuration:
  {"command": "skillet", "args": ["mcp", "--manifest", "/path/to/skillet.toml"]}`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger.SetLogOutput(os.Stderr)
		presenter.SetQuiet(true)
		applyWatchFlag(cmd)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, appOptions{audit: true})
		if err != nil {
			return err
		}
		defer closeApp(ctx, a)

		srv := mcp.NewServer(a.dispatcher, a.store,
			mcp.WithDocs(a.docs),
			mcp.WithMaxOutput(cfg.MCP.MaxOutput),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer cancel()
			return srv.ServeStdio(gctx, os.Stdin, os.Stdout)
		})
		if cfg.Watch {
			g.Go(func() error {
				return errors.Wrap(a.store.Watch(gctx), "manifest watcher failed")
			})
		}
		return g.Wait()
	},
}

func init() {
	mcpCmd.Flags().Int("max-output", mcp.DefaultMaxOutput, "Maximum characters of tool output returned per call")
	mcpCmd.Flags().Bool("watch", false, "Reload the manifest when it changes")

	viper.BindPFlag("mcp.max_output", mcpCmd.Flags().Lookup("max-output"))
}
