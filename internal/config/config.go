// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

// Package config loads the engine configuration from layered sources:
// built-in defaults, an optional YAML file, and ELARO_-prefixed
// environment variables, in increasing precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/1mansurr/elaro-sync/internal/api"
	"github.com/1mansurr/elaro-sync/internal/cache"
	"github.com/1mansurr/elaro-sync/internal/syncer"
)

// Config is the full engine configuration.
type Config struct {
	Log          LogConfig          `koanf:"log"`
	Storage      StorageConfig      `koanf:"storage"`
	Remote       RemoteConfig       `koanf:"remote" validate:"required"`
	Sync         syncer.Config      `koanf:"sync"`
	Cache        CacheConfig        `koanf:"cache"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Server       api.Config         `koanf:"server"`
}

// LogConfig controls the zerolog global logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// StorageConfig controls the Badger store.
type StorageConfig struct {
	Path       string `koanf:"path" validate:"required"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// RemoteConfig points at the backend.
type RemoteConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout"`
	// Token is a static bearer token. Empty means unauthenticated.
	Token string `koanf:"token"`
}

// CacheConfig is the tunable subset of the cache manager settings; TTL
// pattern rules stay compiled in.
type CacheConfig struct {
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries" validate:"omitempty,min=1"`
	MaxBytes   int64         `koanf:"max_bytes" validate:"omitempty,min=1024"`
}

// Apply folds the tunables onto the compiled-in cache defaults.
func (c CacheConfig) Apply() cache.Config {
	out := cache.DefaultConfig()
	if c.DefaultTTL > 0 {
		out.DefaultTTL = c.DefaultTTL
	}
	if c.MaxEntries > 0 {
		out.MaxEntries = c.MaxEntries
	}
	if c.MaxBytes > 0 {
		out.MaxBytes = c.MaxBytes
	}
	return out
}

// ConnectivityConfig controls the reachability poller.
type ConnectivityConfig struct {
	// ProbeURL defaults to the remote base URL when empty.
	ProbeURL string        `koanf:"probe_url" validate:"omitempty,url"`
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
}

// Default returns the built-in configuration, the lowest layer.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Path:       "/data/elaro-sync",
			SyncWrites: true,
		},
		Remote: RemoteConfig{
			BaseURL: "https://api.elaro.app",
			Timeout: 30 * time.Second,
		},
		Sync:         syncer.DefaultConfig(),
		Cache:        CacheConfig{},
		Connectivity: ConnectivityConfig{Interval: 15 * time.Second, Timeout: 5 * time.Second},
		Server:       api.DefaultConfig(),
	}
}

// Validate checks field constraints after all layers are applied.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
