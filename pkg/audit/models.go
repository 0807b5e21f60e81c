package audit

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// JSONField stores a value as a JSON text column.
type JSONField[T any] struct {
	Data T
}

// Scan implements sql.Scanner.
func (j *JSONField[T]) Scan(value any) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.Errorf("cannot scan %T into JSONField", value)
		}
		bytes = []byte(str)
	}

	return json.Unmarshal(bytes, &j.Data)
}

// Value implements driver.Valuer.
func (j JSONField[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(j.Data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Record is one stored invocation.
type Record struct {
	ID           string                 `json:"id"`
	Skill        string                 `json:"skill"`
	Instance     string                 `json:"instance,omitempty"`
	Tool         string                 `json:"tool"`
	Runtime      invocation.RuntimeKind `json:"runtime,omitempty"`
	Success      bool                   `json:"success"`
	State        invocation.State       `json:"state"`
	Stage        invocation.Stage       `json:"stage,omitempty"`
	ErrorKind    invocation.Kind        `json:"error_kind,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ExitCode     int                    `json:"exit_code"`
	Output       string                 `json:"output,omitempty"`
	Stderr       string                 `json:"stderr,omitempty"`
	Arguments    map[string]any         `json:"arguments,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	Duration     time.Duration          `json:"duration"`
}

// dbRecord mirrors the invocations table.
type dbRecord struct {
	ID           string                    `db:"id"`
	Skill        string                    `db:"skill"`
	Instance     string                    `db:"instance"`
	Tool         string                    `db:"tool"`
	Runtime      string                    `db:"runtime"`
	Success      bool                      `db:"success"`
	State        string                    `db:"state"`
	Stage        string                    `db:"stage"`
	ErrorKind    string                    `db:"error_kind"`
	ErrorMessage string                    `db:"error_message"`
	ExitCode     int                       `db:"exit_code"`
	Output       string                    `db:"output"`
	Stderr       string                    `db:"stderr"`
	Arguments    JSONField[map[string]any] `db:"arguments"`
	StartedAt    time.Time                 `db:"started_at"`
	DurationMS   int64                     `db:"duration_ms"`
}

func (r *dbRecord) toRecord() Record {
	return Record{
		ID:           r.ID,
		Skill:        r.Skill,
		Instance:     r.Instance,
		Tool:         r.Tool,
		Runtime:      invocation.RuntimeKind(r.Runtime),
		Success:      r.Success,
		State:        invocation.State(r.State),
		Stage:        invocation.Stage(r.Stage),
		ErrorKind:    invocation.Kind(r.ErrorKind),
		ErrorMessage: r.ErrorMessage,
		ExitCode:     r.ExitCode,
		Output:       r.Output,
		Stderr:       r.Stderr,
		Arguments:    r.Arguments.Data,
		StartedAt:    r.StartedAt,
		Duration:     time.Duration(r.DurationMS) * time.Millisecond,
	}
}

func fromRecord(r Record) *dbRecord {
	args := r.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return &dbRecord{
		ID:           r.ID,
		Skill:        r.Skill,
		Instance:     r.Instance,
		Tool:         r.Tool,
		Runtime:      string(r.Runtime),
		Success:      r.Success,
		State:        string(r.State),
		Stage:        string(r.Stage),
		ErrorKind:    string(r.ErrorKind),
		ErrorMessage: r.ErrorMessage,
		ExitCode:     r.ExitCode,
		Output:       r.Output,
		Stderr:       r.Stderr,
		Arguments:    JSONField[map[string]any]{Data: args},
		StartedAt:    r.StartedAt.UTC(),
		DurationMS:   r.Duration.Milliseconds(),
	}
}
