package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Manifest utilities",
}

var manifestSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the skill manifest",
	Long: `Print the JSON schema describing skillet.toml, for editor completion and
validation in CI.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		schema, err := manifest.SchemaJSON()
		if err != nil {
			return errors.Wrap(err, "failed to generate manifest schema")
		}
		fmt.Println(string(schema))
		return nil
	},
}

func init() {
	manifestCmd.AddCommand(manifestSchemaCmd)
}
