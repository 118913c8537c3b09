// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package workspace resolves per-thread working directories, isolating each
// thread in its own git worktree when the base root is a repository.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/groupsio/switchboard/internal/config"
	"github.com/groupsio/switchboard/internal/events"
	"github.com/groupsio/switchboard/internal/logging"
	"github.com/groupsio/switchboard/internal/store"
)

// WorkspaceStore is the subset of the persistent store the manager needs.
type WorkspaceStore interface {
	GetWorkspace(threadKey string) (store.Workspace, error)
	PutWorkspace(ws store.Workspace) error
	TouchWorkspace(threadKey string, at time.Time) error
	MarkWorkspaceCleaned(threadKey string) error
	ListWorkspaces() ([]store.Workspace, error)
}

// ActiveChecker reports whether a thread currently has an in-flight
// generation. The sweep never reclaims a busy thread's workspace.
type ActiveChecker interface {
	HasActive(threadKey string) bool
}

// Resolution is the outcome of resolving a thread's working directory.
type Resolution struct {
	Path     string
	BaseRoot string
	// Isolated is true when Path is a dedicated worktree rather than the
	// shared base root.
	Isolated bool
}

// Manager lazily creates isolated worktrees per thread and reclaims idle
// ones. Isolation failures fall back to the base root; a turn never fails
// because a worktree could not be created.
type Manager struct {
	cfg    config.WorkspaceConfig
	git    GitExecutor
	store  WorkspaceStore
	active ActiveChecker
	bus    *events.Bus
}

// NewManager creates a workspace manager.
func NewManager(cfg config.WorkspaceConfig, git GitExecutor, st WorkspaceStore, active ActiveChecker, bus *events.Bus) *Manager {
	return &Manager{
		cfg:    cfg,
		git:    git,
		store:  st,
		active: active,
		bus:    bus,
	}
}

// Resolve returns the working directory for a thread. explicitDir, when set,
// overrides the configured base root. Worktrees are created on first use and
// reused afterwards.
func (m *Manager) Resolve(ctx context.Context, threadKey, explicitDir string) (Resolution, error) {
	baseRoot := explicitDir
	if baseRoot == "" {
		baseRoot = m.cfg.RepoDir
	}
	if baseRoot == "" {
		return Resolution{}, fmt.Errorf("no working directory for thread %s: repo_dir not configured", threadKey)
	}

	if m.cfg.WorktreeDir == "" || !m.git.IsRepo(ctx, baseRoot) {
		return Resolution{Path: baseRoot, BaseRoot: baseRoot}, nil
	}

	// Reuse an existing worktree created against the same base root.
	ws, err := m.store.GetWorkspace(threadKey)
	if err == nil && !ws.CleanedUp && ws.BaseRoot == baseRoot {
		if _, statErr := os.Stat(ws.Path); statErr == nil {
			if touchErr := m.store.TouchWorkspace(threadKey, time.Now()); touchErr != nil {
				logging.Warn().Err(touchErr).Str("thread", threadKey).Msg("failed to touch workspace")
			}
			return Resolution{Path: ws.Path, BaseRoot: baseRoot, Isolated: true}, nil
		}
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Resolution{}, fmt.Errorf("lookup workspace for %s: %w", threadKey, err)
	}

	slug := Slug(threadKey)
	path := filepath.Join(m.cfg.WorktreeDir, slug)
	branch := m.cfg.BranchPrefix + slug

	if err := m.git.WorktreeAdd(ctx, baseRoot, branch, path); err != nil {
		logging.Warn().Err(err).
			Str("thread", threadKey).
			Str("path", path).
			Msg("worktree creation failed, falling back to base root")
		m.bus.Publish(events.Event{
			Type:      events.EventWorkspaceFallback,
			ThreadKey: threadKey,
			Payload:   map[string]interface{}{"base_root": baseRoot, "error": err.Error()},
		})
		return Resolution{Path: baseRoot, BaseRoot: baseRoot}, nil
	}

	if err := m.store.PutWorkspace(store.Workspace{
		ThreadKey:  threadKey,
		BaseRoot:   baseRoot,
		Path:       path,
		Branch:     branch,
		LastActive: time.Now(),
	}); err != nil {
		return Resolution{}, fmt.Errorf("record workspace for %s: %w", threadKey, err)
	}

	logging.Info().Str("thread", threadKey).Str("path", path).Str("branch", branch).Msg("created worktree")
	m.bus.Publish(events.Event{
		Type:      events.EventWorkspaceCreated,
		ThreadKey: threadKey,
		Payload:   map[string]interface{}{"path": path, "branch": branch},
	})
	return Resolution{Path: path, BaseRoot: baseRoot, Isolated: true}, nil
}

// Sweep reclaims worktrees idle longer than maxIdleAge. Busy threads, dirty
// trees, and trees whose status cannot be determined are skipped. Returns the
// number of worktrees reclaimed.
func (m *Manager) Sweep(ctx context.Context, maxIdleAge time.Duration) (int, error) {
	workspaces, err := m.store.ListWorkspaces()
	if err != nil {
		return 0, fmt.Errorf("list workspaces: %w", err)
	}

	cutoff := time.Now().Add(-maxIdleAge)
	reclaimed := 0
	for _, ws := range workspaces {
		if ws.CleanedUp || ws.LastActive.After(cutoff) {
			continue
		}
		if m.active != nil && m.active.HasActive(ws.ThreadKey) {
			continue
		}

		if _, err := os.Stat(ws.Path); err != nil {
			// The directory is already gone; just record it as cleaned.
			if markErr := m.store.MarkWorkspaceCleaned(ws.ThreadKey); markErr != nil {
				logging.Warn().Err(markErr).Str("thread", ws.ThreadKey).Msg("failed to mark workspace cleaned")
			}
			continue
		}

		status, err := m.git.Status(ctx, ws.Path)
		if err != nil {
			logging.Warn().Err(err).Str("thread", ws.ThreadKey).Str("path", ws.Path).Msg("sweep: status check failed, skipping")
			continue
		}
		if status.HasChanges() {
			logging.Debug().Str("thread", ws.ThreadKey).Str("path", ws.Path).Msg("sweep: worktree dirty, skipping")
			continue
		}

		if err := m.git.WorktreeRemove(ctx, ws.BaseRoot, ws.Path); err != nil {
			logging.Warn().Err(err).Str("thread", ws.ThreadKey).Str("path", ws.Path).Msg("sweep: remove failed, skipping")
			continue
		}
		if err := m.store.MarkWorkspaceCleaned(ws.ThreadKey); err != nil {
			logging.Warn().Err(err).Str("thread", ws.ThreadKey).Msg("failed to mark workspace cleaned")
		}

		logging.Info().Str("thread", ws.ThreadKey).Str("path", ws.Path).Msg("reclaimed idle worktree")
		m.bus.Publish(events.Event{
			Type:      events.EventWorkspaceReclaimed,
			ThreadKey: ws.ThreadKey,
			Payload:   map[string]interface{}{"path": ws.Path},
		})
		reclaimed++
	}
	return reclaimed, nil
}

// Slug converts a thread key into a filesystem- and branch-safe name.
func Slug(threadKey string) string {
	var b strings.Builder
	b.Grow(len(threadKey))
	for _, r := range threadKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}
