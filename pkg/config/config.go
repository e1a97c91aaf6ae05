package config

import (
	"github.com/lexlapax/engram/pkg/decay"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/metrics"
)

// Store types
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreBoltDB   = "boltdb"
	StoreRedis    = "redis"
)

// Config represents the top-level configuration for the engram library.
type Config struct {
	// Store selects and configures the record store
	Store StoreConfig `yaml:"store"`

	// Decay configures the expiry and reflection thresholds
	Decay DecayConfig `yaml:"decay"`

	// Reflection configures the reflection module
	Reflection ReflectionConfig `yaml:"reflection"`

	// Metrics configures Prometheus instrumentation
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configures the logging behavior
	Logging log.Config `yaml:"logging"`
}

// StoreConfig configures the record store.
type StoreConfig struct {
	// Type specifies the backend ("memory", "sqlite", "postgres", "boltdb", "redis")
	Type string `yaml:"type"`

	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	BoltDB   BoltDBConfig   `yaml:"boltdb"`
	Redis    RedisConfig    `yaml:"redis"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file
	Path string `yaml:"path"`
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	// DSN is the data source name (connection string)
	DSN string `yaml:"dsn"`

	// MaxConns caps the pool size; zero keeps the driver default
	MaxConns int32 `yaml:"max_conns"`
}

// BoltDBConfig configures the BoltDB store.
type BoltDBConfig struct {
	// Path is the database file
	Path string `yaml:"path"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	// Addr is the Redis server address
	Addr string `yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `yaml:"password"`

	// DB is the Redis database number
	DB int `yaml:"db"`

	// KeyPrefix namespaces the store's keys
	KeyPrefix string `yaml:"key_prefix"`
}

// DecayConfig configures the decay views.
type DecayConfig struct {
	// ExpiryThreshold is the current importance below which a record is expired
	ExpiryThreshold float64 `yaml:"expiry_threshold"`

	// ReflectionIntervalDays is the minimum time between reflections
	ReflectionIntervalDays float64 `yaml:"reflection_interval_days"`
}

// ReflectionConfig configures the reflection module.
type ReflectionConfig struct {
	// ImportanceDecayFactor is applied to episodic sources after a reflection
	ImportanceDecayFactor float64 `yaml:"importance_decay_factor"`

	// MaxCandidates caps how many due records are returned at once
	MaxCandidates int `yaml:"max_candidates"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns a configuration that works without any file: an
// in-process store with the standard decay settings.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Type: StoreMemory,
		},
		Decay: DecayConfig{
			ExpiryThreshold:        decay.DefaultExpiryThreshold,
			ReflectionIntervalDays: decay.DefaultReflectionIntervalDays,
		},
		Reflection: ReflectionConfig{
			ImportanceDecayFactor: 0.9,
			MaxCandidates:         50,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: metrics.DefaultNamespace,
		},
		Logging: log.DefaultConfig(),
	}
}
