package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/db"
)

func Migration20260915140200AddInvocationIndexes() db.Migration {
	return db.Migration{
		Version:     20260915140200,
		Description: "Add started_at and skill indexes to invocations",
		Up: func(tx *sql.Tx) error {
			statements := []string{
				"CREATE INDEX IF NOT EXISTS idx_invocations_started_at ON invocations(started_at DESC)",
				"CREATE INDEX IF NOT EXISTS idx_invocations_skill ON invocations(skill, started_at DESC)",
			}
			for _, stmt := range statements {
				if _, err := tx.Exec(stmt); err != nil {
					return errors.Wrapf(err, "failed to execute %q", stmt)
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, idx := range []string{"idx_invocations_started_at", "idx_invocations_skill"} {
				if _, err := tx.Exec("DROP INDEX IF EXISTS " + idx); err != nil {
					return errors.Wrapf(err, "failed to drop index %s", idx)
				}
			}
			return nil
		},
	}
}
