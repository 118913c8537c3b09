// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store provides SQLite-backed persistence for thread sessions,
// workspaces, and the usage log.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/groupsio/switchboard/internal/logging"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ThreadSession is a persisted per-thread session record.
type ThreadSession struct {
	ThreadKey     string
	Token         string // Resumable session token; session.PendingToken until confirmed
	WorkspacePath string // Working directory the token was created against
	UpdatedAt     time.Time
}

// Workspace is a persisted isolated-workspace record.
type Workspace struct {
	ThreadKey  string
	BaseRoot   string
	Path       string
	Branch     string
	CleanedUp  bool
	LastActive time.Time
}

// UsageRecord is one row of the append-only usage log.
type UsageRecord struct {
	ThreadKey  string
	TurnID     string
	CostUSD    float64
	DurationMS int64
	NumTurns   int
	IsError    bool
	CreatedAt  time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at the given path, applying migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		logging.Info().Int("version", i+1).Msg("applying store migration")
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS thread_sessions (
			thread_key TEXT PRIMARY KEY,
			token TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS workspaces (
			thread_key TEXT PRIMARY KEY,
			base_root TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			cleaned_up INTEGER NOT NULL DEFAULT 0,
			last_active TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS usage_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_key TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			num_turns INTEGER NOT NULL DEFAULT 0,
			is_error INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_thread ON usage_log(thread_key);
	`)
	return err
}

// GetSession returns the session record for a thread key.
func (s *Store) GetSession(threadKey string) (ThreadSession, error) {
	var ts ThreadSession
	var updated string
	err := s.db.QueryRow(
		"SELECT thread_key, token, workspace_path, updated_at FROM thread_sessions WHERE thread_key = ?",
		threadKey,
	).Scan(&ts.ThreadKey, &ts.Token, &ts.WorkspacePath, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadSession{}, ErrNotFound
	}
	if err != nil {
		return ThreadSession{}, fmt.Errorf("get session: %w", err)
	}
	ts.UpdatedAt = parseTime(updated)
	return ts, nil
}

// PutSession inserts or replaces a session record.
func (s *Store) PutSession(ts ThreadSession) error {
	if ts.UpdatedAt.IsZero() {
		ts.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO thread_sessions (thread_key, token, workspace_path, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_key) DO UPDATE SET
			token = excluded.token,
			workspace_path = excluded.workspace_path,
			updated_at = excluded.updated_at
	`, ts.ThreadKey, ts.Token, ts.WorkspacePath, formatTime(ts.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// ListSessions returns all session records.
func (s *Store) ListSessions() ([]ThreadSession, error) {
	rows, err := s.db.Query("SELECT thread_key, token, workspace_path, updated_at FROM thread_sessions ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []ThreadSession
	for rows.Next() {
		var ts ThreadSession
		var updated string
		if err := rows.Scan(&ts.ThreadKey, &ts.Token, &ts.WorkspacePath, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ts.UpdatedAt = parseTime(updated)
		result = append(result, ts)
	}
	return result, rows.Err()
}

// GetWorkspace returns the workspace record for a thread key.
func (s *Store) GetWorkspace(threadKey string) (Workspace, error) {
	var ws Workspace
	var cleaned int
	var lastActive string
	err := s.db.QueryRow(
		"SELECT thread_key, base_root, path, branch, cleaned_up, last_active FROM workspaces WHERE thread_key = ?",
		threadKey,
	).Scan(&ws.ThreadKey, &ws.BaseRoot, &ws.Path, &ws.Branch, &cleaned, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, ErrNotFound
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	ws.CleanedUp = cleaned != 0
	ws.LastActive = parseTime(lastActive)
	return ws, nil
}

// PutWorkspace inserts or replaces a workspace record.
func (s *Store) PutWorkspace(ws Workspace) error {
	if ws.LastActive.IsZero() {
		ws.LastActive = time.Now()
	}
	cleaned := 0
	if ws.CleanedUp {
		cleaned = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO workspaces (thread_key, base_root, path, branch, cleaned_up, last_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_key) DO UPDATE SET
			base_root = excluded.base_root,
			path = excluded.path,
			branch = excluded.branch,
			cleaned_up = excluded.cleaned_up,
			last_active = excluded.last_active
	`, ws.ThreadKey, ws.BaseRoot, ws.Path, ws.Branch, cleaned, formatTime(ws.LastActive))
	if err != nil {
		return fmt.Errorf("put workspace: %w", err)
	}
	return nil
}

// TouchWorkspace refreshes a workspace's last-active timestamp.
func (s *Store) TouchWorkspace(threadKey string, at time.Time) error {
	_, err := s.db.Exec("UPDATE workspaces SET last_active = ? WHERE thread_key = ?",
		formatTime(at), threadKey)
	if err != nil {
		return fmt.Errorf("touch workspace: %w", err)
	}
	return nil
}

// MarkWorkspaceCleaned sets the cleaned-up flag on a workspace record.
func (s *Store) MarkWorkspaceCleaned(threadKey string) error {
	_, err := s.db.Exec("UPDATE workspaces SET cleaned_up = 1 WHERE thread_key = ?", threadKey)
	if err != nil {
		return fmt.Errorf("mark workspace cleaned: %w", err)
	}
	return nil
}

// ListWorkspaces returns all workspace records.
func (s *Store) ListWorkspaces() ([]Workspace, error) {
	rows, err := s.db.Query("SELECT thread_key, base_root, path, branch, cleaned_up, last_active FROM workspaces ORDER BY last_active DESC")
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var result []Workspace
	for rows.Next() {
		var ws Workspace
		var cleaned int
		var lastActive string
		if err := rows.Scan(&ws.ThreadKey, &ws.BaseRoot, &ws.Path, &ws.Branch, &cleaned, &lastActive); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		ws.CleanedUp = cleaned != 0
		ws.LastActive = parseTime(lastActive)
		result = append(result, ws)
	}
	return result, rows.Err()
}

// AppendUsage appends a usage record. The log is append-only.
func (s *Store) AppendUsage(rec UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	isErr := 0
	if rec.IsError {
		isErr = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO usage_log (thread_key, turn_id, cost_usd, duration_ms, num_turns, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ThreadKey, rec.TurnID, rec.CostUSD, rec.DurationMS, rec.NumTurns, isErr, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

// UsageForThread returns the usage records for a thread, newest first.
func (s *Store) UsageForThread(threadKey string, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT thread_key, turn_id, cost_usd, duration_ms, num_turns, is_error, created_at
		FROM usage_log WHERE thread_key = ? ORDER BY id DESC LIMIT ?
	`, threadKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var result []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var isErr int
		var created string
		if err := rows.Scan(&rec.ThreadKey, &rec.TurnID, &rec.CostUSD, &rec.DurationMS, &rec.NumTurns, &isErr, &created); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		rec.IsError = isErr != 0
		rec.CreatedAt = parseTime(created)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
