package migrations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/db"
)

func TestAllAppliesAndRollsBack(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := db.OpenMigrated(ctx, filepath.Join(t.TempDir(), "storage.db"), All())
	require.NoError(t, err)
	defer sqlDB.Close()

	var columns []string
	require.NoError(t, sqlDB.Select(&columns, "SELECT name FROM pragma_table_info('invocations')"))
	assert.Contains(t, columns, "error_kind")
	assert.Contains(t, columns, "duration_ms")

	migrator := db.NewMigrator(sqlDB, All())
	status, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, len(All()))
	for _, st := range status {
		assert.True(t, st.Applied(), st.Description)
	}

	require.NoError(t, migrator.Down(ctx))
	var indexes int
	require.NoError(t, sqlDB.Get(&indexes, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name LIKE 'idx_invocations_%'"))
	assert.Zero(t, indexes)
}
