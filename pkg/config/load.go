package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"gopkg.in/yaml.v3"
)

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from a byte slice. Keys missing from
// the document keep their Default values.
func LoadFromBytes(data []byte) (*Config, error) {
	config := Default()

	err := yaml.Unmarshal(data, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	ApplyEnvironmentOverrides(config)

	// Validate configuration
	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyEnvironmentOverrides applies environment variable overrides to the config.
func ApplyEnvironmentOverrides(config *Config) {
	if v := os.Getenv("ENGRAM_STORE_TYPE"); v != "" {
		config.Store.Type = v
	}

	if v := os.Getenv("ENGRAM_SQLITE_PATH"); v != "" {
		config.Store.SQLite.Path = v
	}

	// ENGRAM_POSTGRES_DSN wins over the conventional DATABASE_URL
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Store.Postgres.DSN = v
	}
	if v := os.Getenv("ENGRAM_POSTGRES_DSN"); v != "" {
		config.Store.Postgres.DSN = v
	}

	if v := os.Getenv("ENGRAM_BOLT_PATH"); v != "" {
		config.Store.BoltDB.Path = v
	}

	if v := os.Getenv("ENGRAM_REDIS_ADDR"); v != "" {
		config.Store.Redis.Addr = v
	}

	if v := os.Getenv("ENGRAM_LOG_LEVEL"); v != "" {
		config.Logging.Level = log.Level(strings.ToLower(v))
	}
}

// Validate checks the configuration and fills in defaults for zero values.
func Validate(config *Config) error {
	config.Store.Type = strings.ToLower(strings.TrimSpace(config.Store.Type))
	switch config.Store.Type {
	case "", StoreMemory:
		config.Store.Type = StoreMemory
	case StoreSQLite:
		if config.Store.SQLite.Path == "" {
			return invalid("sqlite path is required for sqlite store")
		}
	case StorePostgres:
		if config.Store.Postgres.DSN == "" {
			return invalid("postgres DSN is required for postgres store")
		}
		if config.Store.Postgres.MaxConns < 0 {
			return invalid("postgres max_conns must not be negative")
		}
	case StoreBoltDB:
		if config.Store.BoltDB.Path == "" {
			return invalid("bolt path is required for boltdb store")
		}
	case StoreRedis:
		if config.Store.Redis.Addr == "" {
			return invalid("redis address is required for redis store")
		}
	default:
		return invalid("unsupported store type: %s", config.Store.Type)
	}

	if config.Decay.ExpiryThreshold < 0 {
		return invalid("expiry_threshold must not be negative")
	}
	if config.Decay.ExpiryThreshold == 0 {
		config.Decay.ExpiryThreshold = Default().Decay.ExpiryThreshold
	}
	if config.Decay.ReflectionIntervalDays <= 0 {
		config.Decay.ReflectionIntervalDays = Default().Decay.ReflectionIntervalDays
	}

	if f := config.Reflection.ImportanceDecayFactor; f < 0 || f > 1 {
		return invalid("importance_decay_factor must be within [0, 1], got %v", f)
	}
	if config.Reflection.ImportanceDecayFactor == 0 {
		config.Reflection.ImportanceDecayFactor = Default().Reflection.ImportanceDecayFactor
	}
	if config.Reflection.MaxCandidates < 0 {
		return invalid("max_candidates must not be negative")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = log.InfoLevel
	}
	if !config.Logging.Level.Valid() {
		return invalid("unsupported log level: %s", config.Logging.Level)
	}
	if config.Logging.Format == "" {
		config.Logging.Format = log.TextFormat
	}
	if config.Logging.Format != log.TextFormat && config.Logging.Format != log.JSONFormat {
		return invalid("unsupported log format: %s", config.Logging.Format)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: invalid configuration: %s", errors.ErrInvalidInput, fmt.Sprintf(format, args...))
}
