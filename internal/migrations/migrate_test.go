package migrations

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/playmatatu/referee/internal/logger"
)

func TestRunMigrationsLogsThroughLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger.Set(zap.New(core).Sugar())
	t.Cleanup(func() { logger.Set(nil) })

	path := filepath.Join(t.TempDir(), "referee.db")
	require.NoError(t, RunMigrations("sqlite", path))
	require.NoError(t, RunMigrations("sqlite", path))

	applied := logs.FilterMessageSnippet("[MIGRATE] Migrations applied for sqlite")
	assert.Equal(t, 2, applied.Len())
}
