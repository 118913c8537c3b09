// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package conventions loads the project conventions file injected into every
// turn as appended system context, reloading it when it changes on disk.
package conventions

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/groupsio/switchboard/internal/logging"
)

// Source serves the current conventions text. Safe for concurrent use.
type Source struct {
	mu      sync.RWMutex
	path    string
	text    string
	watcher *fsnotify.Watcher
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewSource loads the conventions file and watches it for changes. A missing
// file is not an error; the source simply serves empty context until the
// file appears.
func NewSource(path string) (*Source, error) {
	s := &Source{
		path:    path,
		closeCh: make(chan struct{}),
	}
	s.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	s.watcher = watcher

	// Watch the directory: editors replace files on save, and the watch on
	// the directory survives the replacement.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	s.wg.Add(1)
	go s.processEvents()
	return s, nil
}

// Text returns the current conventions text, empty when no file exists.
func (s *Source) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text
}

// Close stops the watcher.
func (s *Source) Close() error {
	close(s.closeCh)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *Source) processEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("conventions watcher error")
		}
	}
}

func (s *Source) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn().Err(err).Str("path", s.path).Msg("failed to read conventions file")
		}
		s.mu.Lock()
		s.text = ""
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.text = string(data)
	s.mu.Unlock()
	logging.Debug().Str("path", s.path).Int("bytes", len(data)).Msg("conventions reloaded")
}
