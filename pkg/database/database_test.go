package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", cfg.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "./data/careflow.db", cfg.DatabasePath)
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	assert.Equal(t, 10*time.Minute, cfg.ConnMaxIdleTime)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"negative idle time", func(c *Config) { c.ConnMaxIdleTime = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{DatabasePath: "/tmp/x.db"}
	assert.Equal(t, "/tmp/x.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", cfg.DSN())
}

func TestMigrations_LoadEmbeddedInOrder(t *testing.T) {
	migrations, err := NewMigrationManager(nil).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001", migrations[0].Version)
	assert.Equal(t, "clinical_actions", migrations[0].Description)
	assert.Equal(t, "002", migrations[1].Version)
	assert.Contains(t, migrations[1].SQL, "action_notes")
}

func TestMigrations_ApplyIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	mm := NewMigrationManager(db)

	require.NoError(t, mm.ApplyMigrations())
	require.NoError(t, mm.ApplyMigrations())

	versions, err := mm.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, versions)
	assert.NoError(t, NewSchemaValidator(db).Validate())
}

func TestMigrations_FailedMigrationIsNotRecorded(t *testing.T) {
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"m/001_ok.sql":     {Data: []byte("CREATE TABLE ok (id TEXT);")},
		"m/002_broken.sql": {Data: []byte("CREATE TABLE broken (;")},
		"m/README.md":      {Data: []byte("ignored")},
	}
	mm := NewMigrationManagerFS(db, fsys, "m")

	require.Error(t, mm.ApplyMigrations())
	versions, err := mm.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001"}, versions)
}

func TestSchemaValidator_DetectsMissingTables(t *testing.T) {
	db := openTestDB(t)
	err := NewSchemaValidator(db).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clinical_actions")
}

func TestSchemaValidator_DetectsMissingIndex(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db).ApplyMigrations())
	_, err := db.Exec("DROP INDEX idx_notes_action_seq")
	require.NoError(t, err)

	v := NewSchemaValidator(db)
	assert.NoError(t, v.ValidateTablesExist())
	err = v.ValidateIndexes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idx_notes_action_seq")
}
