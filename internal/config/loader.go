// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to intermediate map, then through JSON for type safety.
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied.
func (l *Loader) LoadWithDefaults(path string) (*Config, error) {
	cfg, err := l.Load(path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// FindConfig searches for a config file starting in the working directory and
// walking up toward the filesystem root. At each level it looks for
// switchboard.hjson first, then switchboard.json.
func (l *Loader) FindConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getwd: %w", err)
	}

	candidates := []string{
		"switchboard.hjson",
		"switchboard.json",
	}

	for {
		for _, name := range candidates {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("config file not found (looked for switchboard.hjson, switchboard.json up from the working directory)")
		}
		dir = parent
	}
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7433
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}

	if cfg.Gateway.MaxBackoff == "" {
		cfg.Gateway.MaxBackoff = "30s"
	}
	if cfg.Gateway.AckTimeout == "" {
		cfg.Gateway.AckTimeout = "10s"
	}
	if cfg.Gateway.FallbackThrottle == "" {
		cfg.Gateway.FallbackThrottle = "2s"
	}

	if cfg.Runner.Binary == "" {
		cfg.Runner.Binary = "claude"
	}

	if cfg.Workspace.BranchPrefix == "" {
		cfg.Workspace.BranchPrefix = "switchboard/"
	}
	if cfg.Workspace.SweepInterval == "" {
		cfg.Workspace.SweepInterval = "30m"
	}
	if cfg.Workspace.MaxIdleAge == "" {
		cfg.Workspace.MaxIdleAge = "72h"
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = ".switchboard/switchboard.db"
	}

	if cfg.Conventions.File == "" {
		cfg.Conventions.File = "CONVENTIONS.md"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
