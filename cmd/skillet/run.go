package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/skillet/pkg/dispatch"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// RequestFlags are the flags shared by run and resolve.
type RequestFlags struct {
	Instance  string
	SetConfig []string
	SetEnv    []string
	ArgsJSON  string
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("instance", "i", "", "Skill instance to use (default: the skill's default instance)")
	cmd.Flags().StringArray("set-config", nil, "Override a config value (key=value, repeatable)")
	cmd.Flags().StringArray("set-env", nil, "Override an environment variable (KEY=value, repeatable)")
	cmd.Flags().String("args-json", "", "Tool arguments as a JSON object, merged under key=value arguments")
}

func getRequestFlags(cmd *cobra.Command) RequestFlags {
	var f RequestFlags
	f.Instance, _ = cmd.Flags().GetString("instance")
	f.SetConfig, _ = cmd.Flags().GetStringArray("set-config")
	f.SetEnv, _ = cmd.Flags().GetStringArray("set-env")
	f.ArgsJSON, _ = cmd.Flags().GetString("args-json")
	return f
}

// buildRequest turns "skill tool key=value..." plus flags into a request.
// key=value arguments are strings; the resolver coerces them to the
// declared parameter types.
func buildRequest(args []string, f RequestFlags) (invocation.Request, error) {
	req := invocation.Request{
		Skill:    args[0],
		Tool:     args[1],
		Instance: f.Instance,
	}

	arguments := map[string]any{}
	if strings.TrimSpace(f.ArgsJSON) != "" {
		if err := json.Unmarshal([]byte(f.ArgsJSON), &arguments); err != nil {
			return req, errors.Wrap(err, "--args-json must be a JSON object")
		}
	}
	assigned, err := parseAssignments(args[2:])
	if err != nil {
		return req, err
	}
	for k, v := range assigned {
		arguments[k] = v
	}
	if len(arguments) > 0 {
		req.Arguments = arguments
	}

	if req.Overrides.Config, err = parseAssignments(f.SetConfig); err != nil {
		return req, errors.Wrap(err, "--set-config")
	}
	if req.Overrides.Env, err = parseAssignments(f.SetEnv); err != nil {
		return req, errors.Wrap(err, "--set-env")
	}
	return req, nil
}

// parseAssignments parses key=value pairs. It returns nil for no pairs.
func parseAssignments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.Errorf("expected key=value, got %q", pair)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

var runCmd = &cobra.Command{
	Use:   "run <skill> <tool> [key=value...]",
	Short: "Invoke a tool of a skill",
	Long: `Resolve, authorize and execute one tool of a skill, then print its output.

Arguments after the tool name are passed as tool arguments. The command exits
with status 1 when the invocation does not succeed.

Examples:
  skillet run kubernetes get resource=pods namespace=default
  skillet run kubernetes get --instance prod --args-json '{"resource": "pods"}'
  skillet run calculator add --output json a=1 b=2`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := buildRequest(args, getRequestFlags(cmd))
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		if err := validateOutputFormat(output); err != nil {
			return err
		}
		retries, _ := cmd.Flags().GetUint("retry")

		a, err := newApp(ctx, appOptions{audit: true})
		if err != nil {
			return err
		}
		defer closeApp(ctx, a)

		var res *invocation.Result
		if retries > 0 {
			retry := dispatch.DefaultRetryConfig
			retry.Attempts = retries + 1
			res = a.dispatcher.DispatchWithRetry(ctx, req, retry)
		} else {
			res = a.dispatcher.Dispatch(ctx, req)
		}

		if err := printResult(res, output); err != nil {
			return err
		}
		if !res.Success {
			return errInvocationFailed
		}
		return nil
	},
}

func init() {
	addRequestFlags(runCmd)
	runCmd.Flags().StringP("output", "o", "text", "Output format (text, json, yaml)")
	runCmd.Flags().Uint("retry", 0, "Retry up to this many times while the instance is at its concurrency limit")
}

func validateOutputFormat(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	default:
		return errors.Errorf("unsupported output format %q (text, json, yaml)", format)
	}
}

func printResult(res *invocation.Result, format string) error {
	switch format {
	case "json", "yaml":
		return printStructured(res, format)
	default:
		presenter.Result(res)
		return nil
	}
}

// printStructured writes v as JSON or YAML. YAML output goes through JSON
// first so both formats share the json field names.
func printStructured(v any, format string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal output")
	}
	if format == "json" {
		fmt.Println(string(data))
		return nil
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return errors.Wrap(err, "failed to convert output")
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return errors.Wrap(enc.Encode(generic), "failed to write yaml output")
}
