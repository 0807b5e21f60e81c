package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/dispatch"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "storage.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func record(id, skill string, offset time.Duration, success bool) Record {
	r := Record{
		ID:        id,
		Skill:     skill,
		Instance:  "default",
		Tool:      "run",
		Runtime:   invocation.RuntimeNative,
		Success:   success,
		State:     invocation.StateCompleted,
		Output:    "ok",
		Arguments: map[string]any{"n": float64(1)},
		StartedAt: base.Add(offset),
		Duration:  1500 * time.Millisecond,
	}
	if !success {
		r.State = invocation.StateFailed
		r.Stage = invocation.StageAuthorize
		r.ErrorKind = invocation.KindCommandNotAllowed
		r.ErrorMessage = "authorize: CommandNotAllowed: rm"
	}
	return r
}

func TestSaveAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	want := record("a", "echo", 0, false)
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, want.Skill, got.Skill)
	assert.Equal(t, want.ErrorKind, got.ErrorKind)
	assert.Equal(t, want.Stage, got.Stage)
	assert.Equal(t, want.Arguments, got.Arguments)
	assert.Equal(t, want.Duration, got.Duration)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
	assert.False(t, got.Success)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListFilters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, record("1", "echo", 0, true)))
	require.NoError(t, s.Save(ctx, record("2", "kube", time.Minute, false)))
	require.NoError(t, s.Save(ctx, record("3", "echo", 2*time.Minute, false)))

	ids := func(records []Record) []string {
		var out []string
		for _, r := range records {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := s.List(ctx, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2", "1"}, ids(all), "newest first")

	echo, err := s.List(ctx, QueryOptions{Skill: "echo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "1"}, ids(echo))

	failed, err := s.List(ctx, QueryOptions{FailedOnly: true, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, ids(failed))

	recent, err := s.List(ctx, QueryOptions{Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2"}, ids(recent))

	paged, err := s.List(ctx, QueryOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, ids(paged))
}

func TestSaveTruncatesOutput(t *testing.T) {
	s := openStore(t, WithMaxStoredOutput(4))
	ctx := context.Background()
	r := record("t", "echo", 0, true)
	r.Output = strings.Repeat("x", 10)
	require.NoError(t, s.Save(ctx, r))

	got, err := s.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "xxxx\n[TRUNCATED]", got.Output)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{in: "日本語", max: 4, want: "日\n[TRUNCATED]"},
		{in: "日本語", max: 6, want: "日本\n[TRUNCATED]"},
		{in: "日本語", max: 2, want: "\n[TRUNCATED]"},
		{in: "日本語", max: 9, want: "日本語"},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.max)
		assert.True(t, utf8.ValidString(got))
		assert.Equal(t, tt.want, got, "max %d", tt.max)
	}
}

func TestPrune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, record("old", "echo", -time.Hour, true)))
	require.NoError(t, s.Save(ctx, record("new", "echo", 0, true)))

	n, err := s.Prune(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestObserveRecordsDispatchEvents(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	s.Observe(ctx, dispatch.Event{
		Request: invocation.Request{Skill: "echo", Tool: "run", Arguments: map[string]any{"raw": "1"}},
		Plan: &invocation.Plan{
			Runtime:   invocation.RuntimeContainer,
			Arguments: map[string]any{"raw": float64(1)},
		},
		Result: &invocation.Result{
			InvocationID: "ev",
			Skill:        "echo",
			Instance:     "default",
			Tool:         "run",
			Success:      true,
			Output:       "hello\n",
			State:        invocation.StateCompleted,
			StartedAt:    base,
			Duration:     20 * time.Millisecond,
		},
	})

	got, err := s.Get(ctx, "ev")
	require.NoError(t, err)
	assert.Equal(t, invocation.RuntimeContainer, got.Runtime)
	assert.Equal(t, map[string]any{"raw": float64(1)}, got.Arguments, "validated arguments are stored")
	assert.Equal(t, "hello\n", got.Output)
}

func TestObserveIgnoresStorageErrors(t *testing.T) {
	s := openStore(t)
	ev := dispatch.Event{Result: &invocation.Result{InvocationID: "dup", Skill: "echo", Tool: "run", StartedAt: base}}
	s.Observe(context.Background(), ev)
	assert.NotPanics(t, func() { s.Observe(context.Background(), ev) }, "duplicate ids are logged")
}
