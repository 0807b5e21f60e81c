package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/db"
)

func Migration20260912094500CreateInvocations() db.Migration {
	return db.Migration{
		Version:     20260912094500,
		Description: "Create invocations table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS invocations (
					id TEXT PRIMARY KEY,
					skill TEXT NOT NULL,
					instance TEXT NOT NULL DEFAULT '',
					tool TEXT NOT NULL,
					runtime TEXT NOT NULL DEFAULT '',
					success BOOLEAN NOT NULL,
					state TEXT NOT NULL,
					stage TEXT NOT NULL DEFAULT '',
					error_kind TEXT NOT NULL DEFAULT '',
					error_message TEXT NOT NULL DEFAULT '',
					exit_code INTEGER NOT NULL DEFAULT 0,
					output TEXT NOT NULL DEFAULT '',
					stderr TEXT NOT NULL DEFAULT '',
					arguments TEXT NOT NULL DEFAULT '{}',
					started_at DATETIME NOT NULL,
					duration_ms INTEGER NOT NULL DEFAULT 0
				)
			`)
			return errors.Wrap(err, "failed to create invocations table")
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec("DROP TABLE IF EXISTS invocations")
			return errors.Wrap(err, "failed to drop invocations table")
		},
	}
}
