// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config defines the Switchboard configuration schema and loader.
package config

import "time"

// Config is the root configuration structure.
type Config struct {
	Project     ProjectConfig     `json:"project"`
	Server      ServerConfig      `json:"server"`
	Gateway     GatewayConfig     `json:"gateway"`
	Runner      RunnerConfig      `json:"runner"`
	Workspace   WorkspaceConfig   `json:"workspace"`
	Store       StoreConfig       `json:"store"`
	Conventions ConventionsConfig `json:"conventions"`
	Logging     LoggingConfig     `json:"logging"`
	Metrics     MetricsConfig     `json:"metrics"`
}

// ProjectConfig holds project metadata.
type ProjectConfig struct {
	Name string `json:"name"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// GatewayConfig configures the chat gateway connection.
type GatewayConfig struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	MaxBackoff       string `json:"max_backoff"`       // Cap for reconnect backoff, e.g. "30s"
	AckTimeout       string `json:"ack_timeout"`       // How long to wait for a delivery ack
	FallbackThrottle string `json:"fallback_throttle"` // Minimum interval between snapshot fallback updates
}

// RunnerConfig configures the generation subprocess.
type RunnerConfig struct {
	Binary    string   `json:"binary"`     // Generation CLI binary (default "claude")
	ExtraArgs []string `json:"extra_args"` // Appended verbatim to every spawn
	Model     string   `json:"model"`      // Optional model override
}

// WorkspaceConfig configures per-thread workspace isolation.
type WorkspaceConfig struct {
	RepoDir       string `json:"repo_dir"`       // Base repository root for threads without an explicit directory
	WorktreeDir   string `json:"worktree_dir"`   // Where isolated worktrees are created
	BranchPrefix  string `json:"branch_prefix"`  // Branch name prefix for isolated worktrees
	SweepInterval string `json:"sweep_interval"` // How often the idle sweep runs
	MaxIdleAge    string `json:"max_idle_age"`   // Reclaim worktrees idle longer than this
}

// StoreConfig configures the persistent store.
type StoreConfig struct {
	Path string `json:"path"` // SQLite database path
}

// ConventionsConfig configures the appended system-context source.
type ConventionsConfig struct {
	File string `json:"file"` // Conventions file injected as system context
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// ParseDuration parses a duration string, returning fallback on empty or
// invalid input.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
