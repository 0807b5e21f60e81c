package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/presenter"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <skill> <tool> [key=value...]",
	Short: "Show the execution plan of a tool call without running it",
	Long: `Resolve and authorize a tool call and print the resulting plan: the selected
instance, merged config and environment, effective capabilities and the exact
command, container or module that would run. Environment values and secret
looking config values are redacted.

The plan is printed even when authorization fails, followed by the violation.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := buildRequest(args, getRequestFlags(cmd))
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		if output != "json" && output != "yaml" {
			return errors.Errorf("unsupported output format %q (json, yaml)", output)
		}

		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer closeApp(ctx, a)

		plan, planErr := a.dispatcher.Plan(ctx, req)
		if plan != nil {
			if err := printStructured(plan.Redacted(), output); err != nil {
				return err
			}
		}
		if planErr != nil {
			presenter.Error(planErr, "")
			return errInvocationFailed
		}
		return nil
	},
}

func init() {
	addRequestFlags(resolveCmd)
	resolveCmd.Flags().StringP("output", "o", "yaml", "Output format (json, yaml)")
}
