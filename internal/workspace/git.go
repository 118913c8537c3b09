// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitStatus represents the status of a git working directory.
type GitStatus struct {
	Clean     bool
	Modified  []string
	Added     []string
	Deleted   []string
	Renamed   []string
	Untracked []string
}

// HasChanges returns true if there are any changes in the working directory.
func (s *GitStatus) HasChanges() bool {
	if s.Clean {
		return false
	}
	return len(s.Modified) > 0 || len(s.Added) > 0 ||
		len(s.Deleted) > 0 || len(s.Renamed) > 0 ||
		len(s.Untracked) > 0
}

// GitExecutor is the interface for the git operations the manager needs.
type GitExecutor interface {
	IsRepo(ctx context.Context, dir string) bool
	WorktreeAdd(ctx context.Context, repoDir, branch, path string) error
	WorktreeRemove(ctx context.Context, repoDir, path string) error
	Status(ctx context.Context, path string) (GitStatus, error)
}

// RealGitExecutor executes real git commands.
type RealGitExecutor struct{}

// NewRealGitExecutor creates a new git executor.
func NewRealGitExecutor() *RealGitExecutor {
	return &RealGitExecutor{}
}

// IsRepo reports whether dir is inside a git working tree.
func (e *RealGitExecutor) IsRepo(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--is-inside-work-tree")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) == "true"
}

// WorktreeAdd creates a new worktree at path on a fresh branch.
func (e *RealGitExecutor) WorktreeAdd(ctx context.Context, repoDir, branch, path string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "worktree", "add", "-b", branch, path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("worktree add: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// WorktreeRemove removes a worktree. The caller is responsible for checking
// that the tree is clean first; --force is deliberately not passed.
func (e *RealGitExecutor) WorktreeRemove(ctx context.Context, repoDir, path string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "worktree", "remove", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("worktree remove: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// Status returns the git status for a path.
func (e *RealGitExecutor) Status(ctx context.Context, path string) (GitStatus, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", path, "status", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return GitStatus{}, err
	}
	return ParseGitStatus(string(output)), nil
}

// ParseGitStatus parses the output of `git status --porcelain`.
func ParseGitStatus(output string) GitStatus {
	var status GitStatus

	// Only trim trailing whitespace; the status indicators include leading spaces.
	output = strings.TrimRight(output, " \t\n\r")
	if output == "" {
		status.Clean = true
		return status
	}

	lines := strings.Split(output, "\n")
	for _, line := range lines {
		if len(line) < 3 {
			continue
		}

		// Porcelain format: XY PATH (X = index status, Y = worktree status).
		indicator := line[:2]
		filename := line[3:]

		// Check specific statuses first (A, R) before general contains checks
		// (M, D) to classify combined statuses like AM or RM.
		switch {
		case strings.HasPrefix(indicator, "A"):
			status.Added = append(status.Added, filename)
		case strings.HasPrefix(indicator, "R"):
			status.Renamed = append(status.Renamed, filename)
		case indicator == "??":
			status.Untracked = append(status.Untracked, filename)
		case strings.Contains(indicator, "D"):
			status.Deleted = append(status.Deleted, filename)
		case strings.Contains(indicator, "M"):
			status.Modified = append(status.Modified, filename)
		}
	}

	status.Clean = !status.HasChanges()
	return status
}
