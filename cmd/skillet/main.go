package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/skillet/pkg/config"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/presenter"
)

// errInvocationFailed signals a failed invocation whose result has already
// been printed; main only sets the exit code.
var errInvocationFailed = errors.New("invocation failed")

var (
	cfg             *config.Config
	shutdownTracing func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "skillet",
	Short: "Run declared skills under capability policies",
	Long: `Skillet runs skills declared in a skillet.toml manifest. Each skill runs as a
sandboxed WebAssembly component, a container, or an allow-listed host command,
and every invocation is checked against the capabilities of its instance.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
		cfg = loaded

		if err := logger.SetLogLevel(cfg.LogLevel); err != nil {
			return err
		}
		logger.SetLogFormat(cfg.LogFormat)

		shutdownTracing, err = initTracing(cmd.Context())
		if err != nil {
			return errors.Wrap(err, "failed to initialize tracing")
		}
		return nil
	},
}

func init() {
	if err := config.Init(viper.GetViper()); err != nil {
		presenter.Error(err, "failed to load configuration")
		os.Exit(1)
	}

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt or json)")
	rootCmd.PersistentFlags().StringP("manifest", "m", "", "Path to the skill manifest (default: search for .skillet.toml or skillet.toml upwards)")
	rootCmd.PersistentFlags().String("work-dir", "", "Directory relative path arguments resolve against (default: the manifest's directory)")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("manifest", rootCmd.PersistentFlags().Lookup("manifest"))
	viper.BindPFlag("work_dir", rootCmd.PersistentFlags().Lookup("work-dir"))

	rootCmd.AddCommand(withTracing(runCmd))
	rootCmd.AddCommand(withTracing(listCmd))
	rootCmd.AddCommand(withTracing(infoCmd))
	rootCmd.AddCommand(withTracing(resolveCmd))
	rootCmd.AddCommand(withTracing(validateCmd))
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(withTracing(serveCmd))
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())

	if shutdownTracing != nil {
		if shutdownErr := shutdownTracing(context.Background()); shutdownErr != nil {
			logger.G(context.Background()).WithError(shutdownErr).Warn("failed to flush traces")
		}
	}

	if err != nil {
		if !errors.Is(err, errInvocationFailed) {
			presenter.Error(err, "")
		}
		os.Exit(1)
	}
}
