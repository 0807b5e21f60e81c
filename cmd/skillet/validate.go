package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/manifest"
	"github.com/jingkaihe/skillet/pkg/presenter"
)

var validateCmd = &cobra.Command{
	Use:   "validate [manifest]",
	Short: "Validate a skill manifest",
	Long: `Parse and validate a skill manifest, reporting every problem found. Without an
argument the configured or nearest manifest is validated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			var err error
			if path, err = manifestPath(); err != nil {
				return err
			}
		}

		m, err := manifest.Load(path)
		if err != nil {
			presenter.Error(err, "manifest is invalid")
			return errInvocationFailed
		}

		instances := 0
		for _, s := range m.Skills {
			instances += len(s.Instances)
		}
		presenter.Success(fmt.Sprintf("%s is valid: %d skills, %d instances", m.Path, len(m.Skills), instances))
		return nil
	},
}
