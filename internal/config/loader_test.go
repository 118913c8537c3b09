// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "switchboard.hjson")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader_Load(t *testing.T) {
	path := writeConfig(t, `{
  // Comments are allowed in HJSON
  project: { name: "demo" }
  server: { host: "0.0.0.0", port: 9000 }
  gateway: { url: "wss://chat.example.com/stream", token: "secret" }
  runner: { binary: "claude", extra_args: ["--verbose"] }
}`)

	loader := NewLoader()
	cfg, err := loader.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "wss://chat.example.com/stream", cfg.Gateway.URL)
	assert.Equal(t, []string{"--verbose"}, cfg.Runner.ExtraArgs)
}

func TestLoader_LoadWithDefaults(t *testing.T) {
	path := writeConfig(t, `{
  project: { name: "demo" }
  gateway: { url: "wss://chat.example.com/stream" }
}`)

	loader := NewLoader()
	cfg, err := loader.LoadWithDefaults(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7433, cfg.Server.Port)
	assert.Equal(t, "claude", cfg.Runner.Binary)
	assert.Equal(t, "switchboard/", cfg.Workspace.BranchPrefix)
	assert.Equal(t, "30m", cfg.Workspace.SweepInterval)
	assert.Equal(t, "CONVENTIONS.md", cfg.Conventions.File)
	assert.Equal(t, "2s", cfg.Gateway.FallbackThrottle)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoader_FindConfig_WalksUp(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "switchboard.hjson")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	t.Chdir(nested)

	found, err := NewLoader().FindConfig()
	require.NoError(t, err)
	assert.Equal(t, path, found)
}

func TestLoader_Load_MissingFile(t *testing.T) {
	loader := NewLoader()
	_, err := loader.Load(filepath.Join(t.TempDir(), "nope.hjson"))
	assert.Error(t, err)
}

func TestLoader_Load_BadSyntax(t *testing.T) {
	path := writeConfig(t, `{ project: { name: `)

	loader := NewLoader()
	_, err := loader.Load(path)
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Minute, ParseDuration("5m", time.Hour))
	assert.Equal(t, time.Hour, ParseDuration("", time.Hour))
	assert.Equal(t, time.Hour, ParseDuration("bogus", time.Hour))
}
