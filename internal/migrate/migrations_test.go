package migrate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sopline/internal/db"
)

func TestMigrationsLoadForBothDialects(t *testing.T) {
	for _, d := range []db.Dialect{db.SQLite, db.Postgres} {
		ms, err := loadMigrations(d)
		require.NoError(t, err)
		require.NotEmpty(t, ms)
		require.Equal(t, 1, ms[0].Version)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, db.SQLite))
	require.NoError(t, Migrate(conn, db.SQLite))
	v, err := Version(conn)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM completions`).Scan(&n))
	require.Zero(t, n)
}
