package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/catalog"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
)

var infoCmd = &cobra.Command{
	Use:   "info <skill>",
	Short: "Show a skill's instances, tools and documentation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadManifestStore()
		if err != nil {
			return err
		}
		docs, err := skills.NewDiscovery()
		if err != nil {
			return err
		}

		summary, err := catalog.DescribeSkill(store.Current(), args[0], docs)
		if summary == nil {
			return err
		}
		if err != nil {
			presenter.Warning(fmt.Sprintf("skill documentation could not be loaded: %v", err))
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			return printStructured(summary, "json")
		}
		printSkillInfo(summary)
		return nil
	},
}

func init() {
	infoCmd.Flags().Bool("json", false, "Output in JSON format")
}

func printSkillInfo(s *catalog.SkillSummary) {
	presenter.Section(s.Name)
	if s.Description != "" {
		fmt.Println(s.Description)
		fmt.Println()
	}

	rows := [][]string{
		{"Runtime", string(s.Runtime)},
		{"Source", orDash(s.Source)},
		{"Default instance", orDash(s.DefaultInstance)},
		{"Instances", orDash(strings.Join(s.Instances, ", "))},
	}
	presenter.Table([]string{"FIELD", "VALUE"}, rows)

	if len(s.Tools) > 0 {
		fmt.Println()
		toolRows := make([][]string, 0, len(s.Tools))
		for _, t := range s.Tools {
			toolRows = append(toolRows, []string{t.Name, orDash(parameterList(t.InputSchema)), orDash(t.Description)})
		}
		presenter.Table([]string{"TOOL", "PARAMETERS", "DESCRIPTION"}, toolRows)
	}

	if s.Doc != nil && strings.TrimSpace(s.Doc.Content) != "" {
		presenter.Separator()
		fmt.Println(strings.TrimSpace(s.Doc.Content))
	}
}

// parameterList renders schema properties as "name*:type", with * marking
// required parameters.
func parameterList(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	if names, ok := schema["required"].([]string); ok {
		for _, n := range names {
			required[n] = true
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := ""
		if p, ok := props[name].(map[string]any); ok {
			typ, _ = p["type"].(string)
		}
		marker := ""
		if required[name] {
			marker = "*"
		}
		parts = append(parts, fmt.Sprintf("%s%s:%s", name, marker, typ))
	}
	return strings.Join(parts, " ")
}
