package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/db"
	"github.com/jingkaihe/skillet/pkg/db/migrations"
	"github.com/jingkaihe/skillet/pkg/presenter"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect and maintain the storage database",
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema migrations of the storage database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		sqlDB, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		status, err := storageStatus(ctx, sqlDB)
		if err != nil {
			return err
		}
		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			return printStructured(status, "json")
		}
		presenter.Table([]string{"VERSION", "DESCRIPTION", "APPLIED"}, migrationRows(status))
		return nil
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Revert the most recently applied schema migration",
	Long: `Revert the most recently applied schema migration of the storage database.

The next command that records invocation history applies it again.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		sqlDB, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		if err := db.NewMigrator(sqlDB, migrations.All()).Down(ctx); err != nil {
			return err
		}
		presenter.Success("Reverted the latest migration")
		return nil
	},
}

func init() {
	dbStatusCmd.Flags().Bool("json", false, "Output in JSON format")
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)
}

// openStorage opens the configured storage database without migrating it.
func openStorage(ctx context.Context) (*sqlx.DB, error) {
	path := cfg.Audit.DBPath
	if path == "" {
		var err error
		if path, err = db.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	return db.Open(ctx, path)
}

// storageStatus checks the connection settings and lists every known
// migration.
func storageStatus(ctx context.Context, sqlDB *sqlx.DB) ([]db.MigrationStatus, error) {
	if err := db.VerifyConfiguration(sqlDB); err != nil {
		return nil, errors.Wrap(err, "storage database is misconfigured")
	}
	return db.NewMigrator(sqlDB, migrations.All()).Status(ctx)
}

func migrationRows(status []db.MigrationStatus) [][]string {
	rows := make([][]string, 0, len(status))
	for _, st := range status {
		applied := "pending"
		if st.Applied() {
			applied = st.AppliedAt.Local().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{fmt.Sprint(st.Version), st.Description, applied})
	}
	return rows
}
