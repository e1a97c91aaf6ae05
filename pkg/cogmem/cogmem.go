// Package cogmem wires the memory engine together from a configuration:
// the selected store, the MMU facade, the reflection module and metrics.
package cogmem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lexlapax/engram/pkg/config"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/pkg/mem/ltm/adapters/kv/boltdb"
	"github.com/lexlapax/engram/pkg/mem/ltm/adapters/kv/redis"
	"github.com/lexlapax/engram/pkg/mem/ltm/adapters/mock"
	"github.com/lexlapax/engram/pkg/mem/ltm/adapters/sqlstore/postgres"
	"github.com/lexlapax/engram/pkg/mem/ltm/adapters/sqlstore/sqlite"
	"github.com/lexlapax/engram/pkg/metrics"
	"github.com/lexlapax/engram/pkg/mmu"
	"github.com/lexlapax/engram/pkg/reflection"
	"github.com/prometheus/client_golang/prometheus"
)

// Client bundles the engine components built from one configuration.
type Client struct {
	MMU        *mmu.MMUI
	Reflection *reflection.Module

	// Metrics is nil when metrics are disabled
	Metrics *metrics.Collector

	// Registry holds the client's metrics; nil when metrics are disabled
	Registry *prometheus.Registry

	store  ltm.Store
	config *config.Config
}

// Open builds a client from cfg. A nil cfg uses config.Default().
func Open(ctx context.Context, cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	var (
		collector *metrics.Collector
		registry  *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		collector = metrics.NewCollector(cfg.Metrics.Namespace, registry)
	}

	memory := mmu.NewMMU(store, mmu.Config{
		ExpiryThreshold:        cfg.Decay.ExpiryThreshold,
		ReflectionIntervalDays: cfg.Decay.ReflectionIntervalDays,
	}, collector)

	reflector := reflection.NewReflectionModule(memory, reflection.Config{
		IntervalDays:          cfg.Decay.ReflectionIntervalDays,
		ImportanceDecayFactor: cfg.Reflection.ImportanceDecayFactor,
		MaxCandidates:         cfg.Reflection.MaxCandidates,
	})

	log.InfoContext(ctx, "engram client initialized",
		"store_type", cfg.Store.Type,
		"metrics_enabled", cfg.Metrics.Enabled,
		"expiry_threshold", cfg.Decay.ExpiryThreshold,
	)

	return &Client{
		MMU:        memory,
		Reflection: reflector,
		Metrics:    collector,
		Registry:   registry,
		store:      store,
		config:     cfg,
	}, nil
}

// OpenFromFile loads the configuration at path and opens a client from it.
func OpenFromFile(ctx context.Context, path string) (*Client, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return Open(ctx, cfg)
}

// OpenStore opens the store selected by cfg, creating parent directories
// for file-backed stores and migrating SQL schemas.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (ltm.Store, error) {
	log.InfoContext(ctx, "Initializing memory store", "type", cfg.Type)

	switch cfg.Type {
	case config.StoreMemory, "":
		return mock.NewMockStore(), nil

	case config.StoreSQLite:
		if err := ensureDir(cfg.SQLite.Path); err != nil {
			return nil, err
		}
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.StorePostgres:
		store, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.StoreBoltDB:
		if err := ensureDir(cfg.BoltDB.Path); err != nil {
			return nil, err
		}
		store, err := boltdb.Open(ctx, cfg.BoltDB.Path)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.StoreRedis:
		store, err := redis.Open(ctx, redis.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("%w: unsupported store type: %s", errors.ErrInvalidInput, cfg.Type)
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}

// Store returns the underlying record store.
func (c *Client) Store() ltm.Store {
	return c.store
}

// Config returns the validated configuration the client was built from.
func (c *Client) Config() *config.Config {
	return c.config
}

// Close releases the store.
func (c *Client) Close() error {
	return c.store.Close()
}
