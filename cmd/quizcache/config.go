package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"quizcache/internal/manager"
)

type Config struct {
	Port string

	StorageBackend string // "memory" or "redis"
	RedisAddr      string
	RedisPrefix    string

	DocstoreBackend string // "memory" or "dynamo"
	AWSRegion       string
	DynamoTable     string
	DynamoEndpoint  string // optional, for DynamoDB Local

	// MaxEntries is the hard cache capacity. It must leave room above
	// Manager.MaxCacheSize, or the periodic trim never finds anything to do.
	MaxEntries int
	Manager    manager.Config
}

// capacityHeadroom sizes the default hard capacity relative to MaxCacheSize.
const capacityHeadroom = 2

// LoadConfig reads the environment and, when QUIZCACHE_CONFIG names a
// YAML file, overlays the management settings from it.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:            getenv("PORT", "8080"),
		StorageBackend:  getenv("STORAGE_BACKEND", "memory"),
		RedisAddr:       getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPrefix:     getenv("REDIS_PREFIX", "quizcache"),
		DocstoreBackend: getenv("DOCSTORE_BACKEND", "memory"),
		AWSRegion:       getenv("AWS_REGION", "us-east-1"),
		DynamoTable:     getenv("DYNAMO_TABLE", "quizcache"),
		DynamoEndpoint:  os.Getenv("DYNAMO_ENDPOINT"),
		Manager:         manager.DefaultConfig(),
	}

	n, err := strconv.Atoi(getenv("CACHE_MAX_ENTRIES", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("CACHE_MAX_ENTRIES: %w", err)
	}
	cfg.MaxEntries = n

	if path := os.Getenv("QUIZCACHE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Manager); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Manager.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = capacityHeadroom * cfg.Manager.MaxCacheSize
	}
	if cfg.MaxEntries <= cfg.Manager.MaxCacheSize {
		return Config{}, fmt.Errorf("CACHE_MAX_ENTRIES (%d) must exceed max_cache_size (%d)",
			cfg.MaxEntries, cfg.Manager.MaxCacheSize)
	}

	switch cfg.StorageBackend {
	case "memory", "redis":
	default:
		return Config{}, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	switch cfg.DocstoreBackend {
	case "memory", "dynamo":
	default:
		return Config{}, fmt.Errorf("unknown DOCSTORE_BACKEND %q", cfg.DocstoreBackend)
	}
	return cfg, nil
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
