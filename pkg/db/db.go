// Package db opens the SQLite database skillet keeps its invocation history
// in and applies schema migrations to it.
package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// BasePathEnv overrides the directory that holds skillet's local state.
const BasePathEnv = "SKILLET_BASE_PATH"

// DefaultDBPath returns $SKILLET_BASE_PATH/storage.db, falling back to
// ~/.skillet/storage.db.
func DefaultDBPath() (string, error) {
	if basePath := os.Getenv(BasePathEnv); basePath != "" {
		return filepath.Join(basePath, "storage.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".skillet", "storage.db"), nil
}

// Open opens or creates a SQLite database at dbPath, creating parent
// directories as needed.
func Open(ctx context.Context, dbPath string) (*sqlx.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	if err := Configure(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to configure database")
	}

	return db, nil
}

// Configure enables WAL mode and pins the pool to one connection so
// concurrent observers serialise their writes.
func Configure(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=1000",
		"PRAGMA temp_store=memory",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "failed to execute pragma: %s", pragma)
		}
	}

	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return errors.Wrap(err, "failed to query journal mode")
	}

	if strings.ToLower(journalMode) != "wal" {
		return errors.Errorf("WAL mode not enabled. Current mode: %s", journalMode)
	}

	return nil
}

// OpenMigrated opens the database at dbPath and brings its schema up to
// date. An empty dbPath selects DefaultDBPath.
func OpenMigrated(ctx context.Context, dbPath string, migrations []Migration) (*sqlx.DB, error) {
	if dbPath == "" {
		var err error
		if dbPath, err = DefaultDBPath(); err != nil {
			return nil, err
		}
	}

	sqlDB, err := Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	if err := NewMigrator(sqlDB, migrations).Up(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

// VerifyConfiguration checks the pragmas Configure sets.
func VerifyConfiguration(db *sqlx.DB) error {
	expected := []struct{ pragma, want string }{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"foreign_keys", "1"},
	}
	for _, e := range expected {
		var got string
		if err := db.Get(&got, "PRAGMA "+e.pragma); err != nil {
			return errors.Wrapf(err, "failed to query %s", e.pragma)
		}
		if strings.ToLower(got) != e.want {
			return errors.Errorf("expected %s=%s, got %s", e.pragma, e.want, got)
		}
	}
	return nil
}
