// Package audit keeps a history of finished invocations in SQLite. A Store
// is a dispatch.Observer, so registering it with the dispatcher is all it
// takes to record every invocation.
package audit

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/db"
	"github.com/jingkaihe/skillet/pkg/db/migrations"
	"github.com/jingkaihe/skillet/pkg/dispatch"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// DefaultMaxStoredOutput caps the stdout and stderr kept per record.
const DefaultMaxStoredOutput = 16 * 1024

// ErrNotFound is returned by Get for an unknown invocation id.
var ErrNotFound = errors.New("invocation not found")

// Store persists invocation records.
type Store struct {
	db        *sqlx.DB
	maxOutput int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxStoredOutput overrides DefaultMaxStoredOutput. Zero or less keeps
// no output at all.
func WithMaxStoredOutput(n int) Option {
	return func(s *Store) { s.maxOutput = n }
}

// Open opens the audit database at dbPath, or the default storage path when
// dbPath is empty, and applies pending migrations.
func Open(ctx context.Context, dbPath string, opts ...Option) (*Store, error) {
	sqlDB, err := db.OpenMigrated(ctx, dbPath, migrations.All())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open audit store")
	}
	return New(sqlDB, opts...), nil
}

// New wraps an already migrated database.
func New(sqlDB *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: sqlDB, maxOutput: DefaultMaxStoredOutput}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe implements dispatch.Observer. Storage failures are logged and
// never affect the invocation result.
func (s *Store) Observe(ctx context.Context, ev dispatch.Event) {
	if err := s.Save(ctx, RecordFromEvent(ev)); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to record invocation")
	}
}

// RecordFromEvent flattens a dispatch event into a Record.
func RecordFromEvent(ev dispatch.Event) Record {
	r := ev.Result
	rec := Record{
		ID:           r.InvocationID,
		Skill:        r.Skill,
		Instance:     r.Instance,
		Tool:         r.Tool,
		Success:      r.Success,
		State:        r.State,
		Stage:        r.Stage,
		ErrorKind:    r.ErrorKind,
		ErrorMessage: r.ErrorMessage,
		ExitCode:     r.ExitCode,
		Output:       r.Output,
		Stderr:       r.Stderr,
		Arguments:    ev.Request.Arguments,
		StartedAt:    r.StartedAt,
		Duration:     r.Duration,
	}
	if ev.Plan != nil {
		rec.Runtime = ev.Plan.Runtime
		rec.Arguments = ev.Plan.Arguments
	}
	return rec
}

// Save inserts rec, truncating its output to the configured cap.
func (s *Store) Save(ctx context.Context, rec Record) error {
	rec.Output = truncate(rec.Output, s.maxOutput)
	rec.Stderr = truncate(rec.Stderr, s.maxOutput)

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO invocations (
			id, skill, instance, tool, runtime, success, state, stage, error_kind,
			error_message, exit_code, output, stderr, arguments, started_at, duration_ms
		) VALUES (
			:id, :skill, :instance, :tool, :runtime, :success, :state, :stage, :error_kind,
			:error_message, :exit_code, :output, :stderr, :arguments, :started_at, :duration_ms
		)
	`, fromRecord(rec))
	return errors.Wrapf(err, "failed to save invocation %s", rec.ID)
}

// Get loads one record by invocation id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var row dbRecord
	err := s.db.GetContext(ctx, &row, "SELECT * FROM invocations WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, errors.Wrap(ErrNotFound, id)
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "failed to load invocation %s", id)
	}
	return row.toRecord(), nil
}

// QueryOptions filters List.
type QueryOptions struct {
	Skill    string
	Instance string
	State    invocation.State
	// FailedOnly keeps only unsuccessful invocations.
	FailedOnly bool
	Since      time.Time
	Limit      int
	Offset     int
}

// DefaultListLimit applies when QueryOptions.Limit is zero.
const DefaultListLimit = 50

// List returns records newest first.
func (s *Store) List(ctx context.Context, opts QueryOptions) ([]Record, error) {
	var conditions []string
	var args []any

	if opts.Skill != "" {
		conditions = append(conditions, "skill = ?")
		args = append(args, opts.Skill)
	}
	if opts.Instance != "" {
		conditions = append(conditions, "instance = ?")
		args = append(args, opts.Instance)
	}
	if opts.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(opts.State))
	}
	if opts.FailedOnly {
		conditions = append(conditions, "success = 0")
	}
	if !opts.Since.IsZero() {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, opts.Since.UTC())
	}

	query := "SELECT * FROM invocations"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	var rows []dbRecord
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list invocations")
	}

	records := make([]Record, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// Prune deletes records that started before cutoff and reports how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM invocations WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune invocations")
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[TRUNCATED]"
}
