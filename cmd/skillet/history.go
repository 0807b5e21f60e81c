package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/audit"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// HistoryListConfig holds configuration for the history command
type HistoryListConfig struct {
	Skill      string
	Instance   string
	State      string
	FailedOnly bool
	Since      time.Duration
	Limit      int
	Offset     int
	JSONOutput bool
}

// NewHistoryListConfig creates a new HistoryListConfig with default values
func NewHistoryListConfig() *HistoryListConfig {
	return &HistoryListConfig{
		Limit: audit.DefaultListLimit,
	}
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent skill invocations",
	Long: `List invocations recorded in the history store, newest first.

Examples:
  skillet history --skill kubernetes --failed
  skillet history --since 24h --json
  skillet history show 7f9c2b1e-...`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		config := getHistoryListConfigFromFlags(cmd)

		store, err := audit.Open(ctx, cfg.Audit.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(ctx, config.queryOptions(time.Now()))
		if err != nil {
			return errors.Wrap(err, "failed to list invocations")
		}

		if config.JSONOutput {
			return printStructured(records, "json")
		}
		if len(records) == 0 {
			presenter.Info("No invocations recorded")
			return nil
		}
		presenter.Table([]string{"ID", "STARTED", "SKILL", "INSTANCE", "TOOL", "STATE", "DURATION", "ERROR"}, historyRows(records))
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one recorded invocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := audit.Open(ctx, cfg.Audit.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		record, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		return printStructured(record, output)
	},
}

func init() {
	defaults := NewHistoryListConfig()
	historyCmd.Flags().String("skill", "", "Only show invocations of this skill")
	historyCmd.Flags().String("instance", "", "Only show invocations of this instance")
	historyCmd.Flags().String("state", "", "Only show invocations in this final state (Completed, Failed, TimedOut)")
	historyCmd.Flags().Bool("failed", false, "Only show unsuccessful invocations")
	historyCmd.Flags().Duration("since", 0, "Only show invocations started within this duration, e.g. 24h")
	historyCmd.Flags().Int("limit", defaults.Limit, "Maximum number of invocations to show")
	historyCmd.Flags().Int("offset", 0, "Number of invocations to skip")
	historyCmd.Flags().Bool("json", false, "Output in JSON format")

	historyShowCmd.Flags().StringP("output", "o", "yaml", "Output format (json, yaml)")
	historyCmd.AddCommand(historyShowCmd)
}

// getHistoryListConfigFromFlags extracts history configuration from command flags
func getHistoryListConfigFromFlags(cmd *cobra.Command) *HistoryListConfig {
	config := NewHistoryListConfig()
	config.Skill, _ = cmd.Flags().GetString("skill")
	config.Instance, _ = cmd.Flags().GetString("instance")
	config.State, _ = cmd.Flags().GetString("state")
	config.FailedOnly, _ = cmd.Flags().GetBool("failed")
	config.Since, _ = cmd.Flags().GetDuration("since")
	config.Limit, _ = cmd.Flags().GetInt("limit")
	config.Offset, _ = cmd.Flags().GetInt("offset")
	config.JSONOutput, _ = cmd.Flags().GetBool("json")
	return config
}

func (c *HistoryListConfig) queryOptions(now time.Time) audit.QueryOptions {
	opts := audit.QueryOptions{
		Skill:      c.Skill,
		Instance:   c.Instance,
		State:      invocation.State(c.State),
		FailedOnly: c.FailedOnly,
		Limit:      c.Limit,
		Offset:     c.Offset,
	}
	if c.Since > 0 {
		opts.Since = now.Add(-c.Since)
	}
	return opts
}

func historyRows(records []audit.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		errText := "-"
		if !r.Success {
			errText = string(r.ErrorKind)
			if r.ExitCode != 0 {
				errText += " (exit " + strconv.Itoa(r.ExitCode) + ")"
			}
		}
		rows = append(rows, []string{
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Skill,
			orDash(r.Instance),
			r.Tool,
			string(r.State),
			fmt.Sprint(r.Duration.Round(time.Millisecond)),
			errText,
		})
	}
	return rows
}
