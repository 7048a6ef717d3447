package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE completions SET status=?, body_json=? WHERE id=? AND status IN ('a?','b')`
	require.Equal(t, q, Rebind(SQLite, q))
	require.Equal(t, `UPDATE completions SET status=$1, body_json=$2 WHERE id=$3 AND status IN ('a?','b')`, Rebind(Postgres, q))
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	require.FileExists(t, filepath.Join(dir, ".sopline", "sopline.db"))
	require.Equal(t, Postgres, Config{Driver: "POSTGRES"}.Dialect())
}

func TestOpenPostgresNeedsDSN(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"})
	require.Error(t, err)
}
