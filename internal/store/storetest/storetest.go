// Package storetest opens throwaway SQLite-backed stores for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/referee/internal/database"
	"github.com/playmatatu/referee/internal/migrations"
	"github.com/playmatatu/referee/internal/store"
)

// Open migrates a fresh SQLite database under t.TempDir and returns it.
func Open(t *testing.T) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "referee.db")
	require.NoError(t, migrations.RunMigrations("sqlite", path))
	db, err := database.Connect("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// New returns a Store over a fresh database.
func New(t *testing.T) *store.Store {
	t.Helper()
	return store.New(Open(t))
}
