package db

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/logger"
)

// Migration is one schema change. Versions use the YYYYMMDDHHmmss timestamp
// format so migrations sort by the time they were written.
type Migration struct {
	Version     int64
	Description string
	Up          func(*sql.Tx) error
	Down        func(*sql.Tx) error // optional
}

// MigrationStatus reports whether a known migration has been applied.
type MigrationStatus struct {
	Version     int64      `db:"version"`
	Description string     `db:"description"`
	AppliedAt   *time.Time `db:"applied_at"`
}

// Applied reports whether the migration has run.
func (s MigrationStatus) Applied() bool {
	return s.AppliedAt != nil
}

// Migrator applies migrations and records them in schema_migrations.
type Migrator struct {
	db         *sqlx.DB
	migrations []Migration
}

// NewMigrator returns a Migrator over migrations, ordered by version.
func NewMigrator(db *sqlx.DB, migrations []Migration) *Migrator {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		}
		return 0
	})
	return &Migrator{db: db, migrations: sorted}
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		err := m.inTx(ctx, mig.Up, "INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			mig.Version, time.Now().UTC(), mig.Description)
		if err != nil {
			return errors.Wrapf(err, "failed to apply migration %d: %s", mig.Version, mig.Description)
		}
		logger.G(ctx).WithField("version", mig.Version).Debugf("applied migration: %s", mig.Description)
	}
	return nil
}

// Down reverts the most recently applied migration. It is a no-op on a
// database with nothing applied.
func (m *Migrator) Down(ctx context.Context) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	var latest int64
	for v := range applied {
		latest = max(latest, v)
	}
	if latest == 0 {
		return nil
	}

	idx := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == latest })
	if idx < 0 {
		return errors.Errorf("migration %d is applied but unknown", latest)
	}
	mig := m.migrations[idx]
	if mig.Down == nil {
		return errors.Errorf("migration %d cannot be reverted", latest)
	}
	return errors.Wrapf(m.inTx(ctx, mig.Down, "DELETE FROM schema_migrations WHERE version = ?", mig.Version),
		"failed to revert migration %d", mig.Version)
}

// Status lists every known migration in version order with its applied
// time, if any.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(m.migrations))
	for _, mig := range m.migrations {
		st := MigrationStatus{Version: mig.Version, Description: mig.Description}
		if at, ok := applied[mig.Version]; ok {
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *Migrator) applied(ctx context.Context) (map[int64]time.Time, error) {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create schema_migrations table")
	}

	var rows []MigrationStatus
	if err := m.db.SelectContext(ctx, &rows, "SELECT version, description, applied_at FROM schema_migrations"); err != nil {
		return nil, errors.Wrap(err, "failed to read applied migrations")
	}
	applied := make(map[int64]time.Time, len(rows))
	for _, r := range rows {
		if r.AppliedAt != nil {
			applied[r.Version] = *r.AppliedAt
		}
	}
	return applied, nil
}

// inTx runs change and the bookkeeping statement in one transaction.
func (m *Migrator) inTx(ctx context.Context, change func(*sql.Tx) error, record string, args ...any) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := change(tx.Tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return errors.Wrap(err, "failed to record migration")
	}
	return tx.Commit()
}
