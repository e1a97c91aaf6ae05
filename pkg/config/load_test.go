package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv keeps the host environment out of the overrides
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"ENGRAM_STORE_TYPE", "ENGRAM_SQLITE_PATH", "ENGRAM_POSTGRES_DSN", "DATABASE_URL",
		"ENGRAM_BOLT_PATH", "ENGRAM_REDIS_ADDR", "ENGRAM_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromBytes(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromBytes([]byte(`
store:
  type: sqlite
  sqlite:
    path: /var/lib/engram/memory.db
decay:
  expiry_threshold: 0.25
reflection:
  max_candidates: 10
logging:
  level: debug
  format: json
`))
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store.Type)
	assert.Equal(t, "/var/lib/engram/memory.db", cfg.Store.SQLite.Path)
	assert.Equal(t, 0.25, cfg.Decay.ExpiryThreshold)
	assert.Equal(t, 7.0, cfg.Decay.ReflectionIntervalDays)
	assert.Equal(t, 0.9, cfg.Reflection.ImportanceDecayFactor)
	assert.Equal(t, 10, cfg.Reflection.MaxCandidates)
	assert.Equal(t, log.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, log.JSONFormat, cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "engram", cfg.Metrics.Namespace)
}

func TestLoadFromBytes_Empty(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown store", "store: {type: cassandra}"},
		{"sqlite without path", "store: {type: sqlite}"},
		{"postgres without dsn", "store: {type: postgres}"},
		{"bolt without path", "store: {type: boltdb}"},
		{"redis without addr", "store: {type: redis}"},
		{"negative threshold", "decay: {expiry_threshold: -1}"},
		{"factor above one", "reflection: {importance_decay_factor: 1.5}"},
		{"bad log level", "logging: {level: loud}"},
		{"bad log format", "logging: {format: xml}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			assert.True(t, errors.Is(err, errors.ErrInvalidInput), "got %v", err)
		})
	}

	_, err := LoadFromBytes([]byte("store: [not, a, map]"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGRAM_STORE_TYPE", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://fallback")
	t.Setenv("ENGRAM_POSTGRES_DSN", "postgres://preferred")
	t.Setenv("ENGRAM_REDIS_ADDR", "redis:6379")
	t.Setenv("ENGRAM_LOG_LEVEL", "WARN")

	cfg, err := LoadFromBytes([]byte("store: {type: memory}"))
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store.Type)
	assert.Equal(t, "postgres://preferred", cfg.Store.Postgres.DSN)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, log.WarnLevel, cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: boltdb\n  boltdb:\n    path: /tmp/engram.bolt\n"), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, StoreBoltDB, cfg.Store.Type)
	assert.Equal(t, "/tmp/engram.bolt", cfg.Store.BoltDB.Path)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
