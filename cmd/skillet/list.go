package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/catalog"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the skills declared in the manifest",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := loadManifestStore()
		if err != nil {
			return err
		}
		docs, err := skills.NewDiscovery()
		if err != nil {
			return err
		}
		summaries := catalog.Describe(store.Current(), docs)

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			for i := range summaries {
				summaries[i].Doc = nil
			}
			return printStructured(summaries, "json")
		}

		if len(summaries) == 0 {
			presenter.Info(fmt.Sprintf("No skills declared in %s", store.Path()))
			return nil
		}
		presenter.Table([]string{"NAME", "RUNTIME", "INSTANCES", "TOOLS", "DESCRIPTION"}, skillRows(summaries))
		return nil
	},
}

func init() {
	listCmd.Flags().Bool("json", false, "Output in JSON format")
}

func skillRows(summaries []catalog.SkillSummary) [][]string {
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		tools := make([]string, 0, len(s.Tools))
		for _, t := range s.Tools {
			tools = append(tools, t.Name)
		}
		rows = append(rows, []string{
			s.Name,
			string(s.Runtime),
			orDash(strings.Join(s.Instances, ", ")),
			orDash(strings.Join(tools, ", ")),
			orDash(firstLine(s.Description)),
		})
	}
	return rows
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
