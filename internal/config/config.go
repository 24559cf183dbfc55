// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads worldtree configuration from defaults, an optional
// YAML file, and command-line flags, in increasing order of precedence.
package config

import (
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/worldtree/internal/deletion"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Environment variables consulted when the matching setting is empty.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvMongoURI    = "MONGO_URI"
	EnvRedisURL    = "REDIS_URL"
)

// Config is the complete worldtree configuration.
type Config struct {
	Store    StoreConfig    `koanf:"store"`
	Deletion DeletionConfig `koanf:"deletion"`
	Listing  ListingConfig  `koanf:"listing"`
	Owners   OwnersConfig   `koanf:"owners"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// StoreConfig selects and locates the storage backend.
type StoreConfig struct {
	Driver        string `koanf:"driver"`
	DatabaseURL   string `koanf:"database_url"`
	MaxConns      int32  `koanf:"max_conns"`
	MongoURI      string `koanf:"mongo_uri"`
	MongoDatabase string `koanf:"mongo_database"`
}

// DeletionConfig tunes asynchronous cascading deletes.
type DeletionConfig struct {
	Workers        int64         `koanf:"workers"`
	NodeRetries    int           `koanf:"node_retries"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	// RedisURL enables the cross-process operation lease when set.
	RedisURL     string        `koanf:"redis_url"`
	LeaseTTL     time.Duration `koanf:"lease_ttl"`
	DrainTimeout time.Duration `koanf:"drain_timeout"`
	// RecoverInterval is how often serve picks up unfinished operations.
	RecoverInterval time.Duration `koanf:"recover_interval"`
}

// ListingConfig bounds entity listings.
type ListingConfig struct {
	MaxLimit int `koanf:"max_limit"`
}

// OwnersConfig controls the world-owner cache.
type OwnersConfig struct {
	CacheTTL  time.Duration `koanf:"cache_ttl"`
	CacheSize int64         `koanf:"cache_size"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// MetricsConfig controls the observability server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:        DriverPostgres,
			MaxConns:      10,
			MongoDatabase: "worldtree",
		},
		Deletion: DeletionConfig{
			Workers:         deletion.DefaultWorkers,
			NodeRetries:     deletion.DefaultNodeRetries,
			RetryBaseDelay:  deletion.DefaultRetryBaseDelay,
			LeaseTTL:        30 * time.Second,
			DrainTimeout:    30 * time.Second,
			RecoverInterval: 10 * time.Second,
		},
		Listing: ListingConfig{MaxLimit: 200},
		Owners:  OwnersConfig{CacheTTL: 5 * time.Minute, CacheSize: 10000},
		Log:     LogConfig{Format: "json", Level: "info"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"store":            "store.driver",
	"database-url":     "store.database_url",
	"mongo-uri":        "store.mongo_uri",
	"mongo-database":   "store.mongo_database",
	"workers":          "deletion.workers",
	"node-retries":     "deletion.node_retries",
	"retry-base-delay": "deletion.retry_base_delay",
	"redis-url":        "deletion.redis_url",
	"drain-timeout":    "deletion.drain_timeout",
	"recover-interval": "deletion.recover_interval",
	"max-list-limit":   "listing.max_limit",
	"log-format":       "log.format",
	"log-level":        "log.level",
	"metrics-addr":     "metrics.addr",
}

// RegisterFlags adds the configuration flags to fs with their default values.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("store", d.Store.Driver, "storage backend: postgres, mongo or memory")
	fs.String("database-url", "", "PostgreSQL connection URL (default $"+EnvDatabaseURL+")")
	fs.String("mongo-uri", "", "MongoDB connection URI (default $"+EnvMongoURI+")")
	fs.String("mongo-database", d.Store.MongoDatabase, "MongoDB database name")
	fs.Int64("workers", d.Deletion.Workers, "concurrently executing delete operations")
	fs.Int("node-retries", d.Deletion.NodeRetries, "retries of a transient per-entity delete failure")
	fs.Duration("retry-base-delay", d.Deletion.RetryBaseDelay, "initial backoff between per-entity retries")
	fs.String("redis-url", "", "Redis URL for the cross-process operation lease (default $"+EnvRedisURL+")")
	fs.Duration("drain-timeout", d.Deletion.DrainTimeout, "time allowed for running deletes at shutdown")
	fs.Duration("recover-interval", d.Deletion.RecoverInterval, "how often serve picks up unfinished delete operations")
	fs.Int("max-list-limit", d.Listing.MaxLimit, "maximum page size of entity listings")
	fs.String("log-format", d.Log.Format, "log format: json or text")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn or error")
	fs.String("metrics-addr", d.Metrics.Addr, "observability listen address; empty disables it")
}

// Load builds the configuration. path may be empty; fs may be nil.
// Flags override the file only when set explicitly on the command line.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}
	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if c.Store.DatabaseURL == "" {
		c.Store.DatabaseURL = getenv(EnvDatabaseURL)
	}
	if c.Store.MongoURI == "" {
		c.Store.MongoURI = getenv(EnvMongoURI)
	}
	if c.Deletion.RedisURL == "" {
		c.Deletion.RedisURL = getenv(EnvRedisURL)
	}
}

// Validate rejects settings the process cannot run with.
func (c *Config) Validate() error {
	invalid := func(key string, value any, msg string) error {
		return oops.Code("CONFIG_INVALID").With("key", key).With("value", value).Errorf("%s", msg)
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return invalid("store.database_url", "", "postgres driver requires a database URL")
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			return invalid("store.mongo_uri", "", "mongo driver requires a connection URI")
		}
		if c.Store.MongoDatabase == "" {
			return invalid("store.mongo_database", "", "mongo driver requires a database name")
		}
	case DriverMemory:
	default:
		return invalid("store.driver", c.Store.Driver, "unknown store driver")
	}
	if c.Store.MaxConns < 0 {
		return invalid("store.max_conns", c.Store.MaxConns, "must not be negative")
	}
	if c.Deletion.Workers < 1 {
		return invalid("deletion.workers", c.Deletion.Workers, "must be at least 1")
	}
	if c.Deletion.NodeRetries < 0 {
		return invalid("deletion.node_retries", c.Deletion.NodeRetries, "must not be negative")
	}
	if c.Deletion.RetryBaseDelay <= 0 {
		return invalid("deletion.retry_base_delay", c.Deletion.RetryBaseDelay, "must be positive")
	}
	if c.Deletion.LeaseTTL < time.Second {
		return invalid("deletion.lease_ttl", c.Deletion.LeaseTTL, "must be at least 1s")
	}
	if c.Deletion.RecoverInterval <= 0 {
		return invalid("deletion.recover_interval", c.Deletion.RecoverInterval, "must be positive")
	}
	if c.Listing.MaxLimit < 1 {
		return invalid("listing.max_limit", c.Listing.MaxLimit, "must be at least 1")
	}
	if c.Owners.CacheTTL < 0 {
		return invalid("owners.cache_ttl", c.Owners.CacheTTL, "must not be negative")
	}
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		return invalid("log.format", c.Log.Format, "must be json or text")
	}
	var level slog.Level
	if c.Log.Level != "" && level.UnmarshalText([]byte(c.Log.Level)) != nil {
		return invalid("log.level", c.Log.Level, "must be debug, info, warn or error")
	}
	return nil
}
