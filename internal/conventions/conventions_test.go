// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package conventions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForText(t *testing.T, s *Source, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Text() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("conventions text never became %q, have %q", want, s.Text())
}

func TestSource_LoadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CONVENTIONS.md")
	require.NoError(t, os.WriteFile(path, []byte("use tabs"), 0o644))

	s, err := NewSource(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "use tabs", s.Text())
}

func TestSource_MissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CONVENTIONS.md")

	s, err := NewSource(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Empty(t, s.Text())

	require.NoError(t, os.WriteFile(path, []byte("now present"), 0o644))
	waitForText(t, s, "now present")
}

func TestSource_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CONVENTIONS.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	s, err := NewSource(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	waitForText(t, s, "v2")

	require.NoError(t, os.Remove(path))
	waitForText(t, s, "")
}
