package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_NilDB(t *testing.T) {
	err := Migrate(context.Background(), nil, "sqlite3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db is nil")
}

func TestMigrate_DBError(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = Migrate(context.Background(), db, "sqlite3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration error")
}

func TestMigrate_UnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = Migrate(context.Background(), db, "oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dialect")
}

func TestMigrate_SQLiteIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db, "sqlite3"))
	require.NoError(t, Migrate(ctx, db, "sqlite3"))

	_, err = db.ExecContext(ctx, `INSERT INTO accounts (id) VALUES ('u1')`)
	require.NoError(t, err)

	var version int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT schema_version FROM accounts WHERE id = 'u1'`).Scan(&version))
	assert.Equal(t, 2, version)
}
