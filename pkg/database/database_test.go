package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Driver = DriverPureGo
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DatabasePath = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabasePath = "/tmp/a.db"
	assert.Equal(t, "/tmp/a.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", cfg.DSN())

	cfg.Driver = DriverPureGo
	assert.Contains(t, cfg.DSN(), "file:/tmp/a.db?")
	assert.Contains(t, cfg.DSN(), "_pragma=busy_timeout(5000)")
}

func TestMigrateUp_CreatesSchema(t *testing.T) {
	db, err := Open(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, MigrateUp(ctx, db))
	assert.NoError(t, NewSchemaValidator(db).Validate())

	version, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	// Second run is a no-op.
	require.NoError(t, MigrateUp(ctx, db))
}

func TestMigrate_DownRemovesTables(t *testing.T) {
	db, err := Open(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, MigrateUp(ctx, db))
	require.NoError(t, Migrate(ctx, db, "down"))

	err = NewSchemaValidator(db).ValidateTablesExist()
	assert.Error(t, err)
}
