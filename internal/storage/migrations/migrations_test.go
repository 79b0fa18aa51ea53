package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"
)

var exampleMigration = Migration{
	Version:     1,
	Description: "Add example test table",
	Up: `
		CREATE TABLE test_table (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		)
	`,
	Present: TableExists("test_table"),
}

var indexMigration = Migration{
	Version:     2,
	Description: "Index names",
	Up:          `CREATE INDEX idx_test_name ON test_table(name)`,
	Present:     IndexExists("idx_test_name"),
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestApplyInVersionOrder(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	manager := NewManager(indexMigration, exampleMigration)
	require.Equal(t, 2, manager.Latest())
	require.NoError(t, manager.Apply(ctx, db))

	version, err := Version(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, version)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_test_name'").Scan(&n))
	require.Equal(t, 1, n)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	manager := NewManager(exampleMigration, indexMigration)
	require.NoError(t, manager.Apply(ctx, db))
	require.NoError(t, manager.Apply(ctx, db))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n))
	require.Equal(t, 2, n)
}

func TestApplySkipsChangesAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	// Shape the database by hand, as an older binary without version tracking would.
	_, err := db.Exec(`CREATE TABLE test_table (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE INDEX idx_test_name ON test_table(name)`)
	require.NoError(t, err)

	manager := NewManager(exampleMigration, indexMigration)
	require.NoError(t, manager.Apply(ctx, db))

	version, err := Version(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, version)
}
