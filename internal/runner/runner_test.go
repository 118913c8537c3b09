// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript installs an executable shell script used in place of the real
// generation CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestBuildArgs(t *testing.T) {
	args := BuildArgs(Options{
		Prompt:    "hello",
		SessionID: "sid-1",
		Resume:    true,
		Model:     "opus",
		ExtraArgs: []string{"--dangerously-skip-permissions"},
	})

	assert.Equal(t, []string{
		"--print", "--verbose", "--output-format", "stream-json",
		"--resume", "sid-1",
		"--model", "opus",
		"--dangerously-skip-permissions",
		"hello",
	}, args)
}

func TestBuildArgs_NewSession(t *testing.T) {
	args := BuildArgs(Options{Prompt: "hi", SessionID: "sid-2"})
	assert.Contains(t, args, "--session-id")
	assert.NotContains(t, args, "--resume")
}

func TestBuildEnv_ScrubsNestingMarkers(t *testing.T) {
	base := []string{
		"PATH=/usr/bin",
		"CLAUDECODE=1",
		"CLAUDE_CODE_ENTRYPOINT=cli",
		"HOME=/home/u",
	}
	env := BuildEnv(base, nil)
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/home/u"}, env)
}

func TestBuildEnv_InjectsCallerContext(t *testing.T) {
	env := BuildEnv([]string{"PATH=/usr/bin"}, map[string]string{
		"SWB_CTX_CHANNEL_NAME": "support",
		"SWB_CTX_":             "ignored",
		"PATH":                 "/tmp/evil",
	})
	assert.Contains(t, env, "CHANNEL_NAME=support")
	assert.NotContains(t, env, "=ignored")
	// Unprefixed caller entries never reach the environment.
	assert.NotContains(t, env, "PATH=/tmp/evil")
	assert.Contains(t, env, "PATH=/usr/bin")
}

func TestSpawn_ExitStatus(t *testing.T) {
	ok := writeScript(t, "exit 0")
	h, err := Spawn(context.Background(), Options{Binary: ok, Prompt: "x"})
	require.NoError(t, err)
	status := h.Wait()
	assert.True(t, status.Success())

	bad := writeScript(t, "exit 3")
	h, err = Spawn(context.Background(), Options{Binary: bad, Prompt: "x"})
	require.NoError(t, err)
	status = h.Wait()
	assert.False(t, status.Success())
	assert.Equal(t, 3, status.Code)
	assert.NoError(t, status.Err)
}

func TestSpawn_StdoutStream(t *testing.T) {
	script := writeScript(t, `echo '{"type":"system","subtype":"init"}'`)
	h, err := Spawn(context.Background(), Options{Binary: script, Prompt: "x"})
	require.NoError(t, err)

	line, err := bufio.NewReader(h.Stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"type":"system","subtype":"init"}`+"\n", line)
	assert.True(t, h.Wait().Success())
}

func TestSpawn_StdinClosed(t *testing.T) {
	// cat terminates only when stdin reaches EOF.
	script := writeScript(t, "exec cat")
	h, err := Spawn(context.Background(), Options{Binary: script, Prompt: "x"})
	require.NoError(t, err)

	done := make(chan ExitStatus, 1)
	go func() { done <- h.Wait() }()
	select {
	case status := <-done:
		assert.True(t, status.Success())
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess blocked on stdin")
	}
}

func TestHandle_Cancel(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	h, err := Spawn(context.Background(), Options{Binary: script, Prompt: "x"})
	require.NoError(t, err)

	require.NoError(t, h.Cancel())

	done := make(chan ExitStatus, 1)
	go func() { done <- h.Wait() }()
	select {
	case status := <-done:
		assert.True(t, status.Signalled)
		assert.False(t, status.Success())
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess ignored SIGTERM")
	}
}

func TestSpawn_WorkDir(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, "pwd")
	h, err := Spawn(context.Background(), Options{Binary: script, Prompt: "x", WorkDir: dir})
	require.NoError(t, err)

	line, err := bufio.NewReader(h.Stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, filepath.Base(dir))
	h.Wait()
}
