package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"permitline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	current, latest, err := Version(ctx, conn)
	require.NoError(t, err)
	require.Zero(t, current)
	require.Positive(t, latest)

	require.NoError(t, MigrateContext(ctx, conn))
	require.NoError(t, MigrateContext(ctx, conn))

	current, latest, err = Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, current)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&n))
	require.Equal(t, 1, n)
}

func TestMigrationsAreOrdered(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	for i := 1; i < len(ms); i++ {
		require.Less(t, ms[i-1].Version, ms[i].Version)
	}
}
