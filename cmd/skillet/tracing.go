package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jingkaihe/skillet/pkg/telemetry"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
	"github.com/jingkaihe/skillet/pkg/version"
)

// initTracing initializes OpenTelemetry tracing from the loaded config
func initTracing(ctx context.Context) (func(context.Context) error, error) {
	tc := cfg.Tracing
	tc.ServiceVersion = version.Get().Version

	shutdown, err := telemetry.InitTracer(ctx, tc)
	if err != nil {
		return nil, err
	}
	return shutdown, nil
}

var tracer = telemetry.Tracer("skillet.cli")

// withTracing wraps a Cobra command with a span covering its execution
func withTracing(cmd *cobra.Command) *cobra.Command {
	originalRunE := cmd.RunE

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		attrs := []attribute.KeyValue{
			attribute.String("command.name", cmd.Name()),
			attribute.String("command.path", cmd.CommandPath()),
			attribute.Int("args.count", len(args)),
		}

		cmd.Flags().Visit(func(flag *pflag.Flag) {
			// config and env overrides may carry credentials
			switch flag.Name {
			case "set-config", "set-env", "args-json":
				return
			}
			if invocation.IsSecretName(flag.Name) {
				return
			}
			attrs = append(attrs, attribute.String("flag."+flag.Name, flag.Value.String()))
		})

		ctx, span := tracer.Start(cmd.Context(), "cli.command", trace.WithAttributes(attrs...))
		defer span.End()
		cmd.SetContext(ctx)

		err := originalRunE(cmd, args)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}

	return cmd
}
