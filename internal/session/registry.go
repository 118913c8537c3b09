// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session tracks per-thread generation sessions and enforces the
// single-flight invariant: at most one in-flight generation per thread key.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/groupsio/switchboard/internal/store"
)

// PendingToken marks a session token that was minted locally but not yet
// confirmed by the subprocess's init event. A pending token is never resumed.
const PendingToken = "pending"

// Store is the subset of the persistent store the registry needs.
type Store interface {
	GetSession(threadKey string) (store.ThreadSession, error)
	PutSession(ts store.ThreadSession) error
}

// Handle is the ephemeral record of one in-flight generation. It exists from
// admission until the subprocess exits.
type Handle struct {
	ThreadKey string
	TurnID    string
	StartedAt time.Time

	cancelled atomic.Bool
	cancelFn  atomic.Value // func() error
}

// SetCancel installs the function invoked by Cancel. Installed once the
// subprocess has been spawned.
func (h *Handle) SetCancel(fn func() error) {
	h.cancelFn.Store(fn)
}

// Cancel marks the turn cancelled and signals the subprocess, if one is
// running. The single-flight slot is not released here; release happens only
// when the subprocess exits.
func (h *Handle) Cancel() error {
	h.cancelled.Store(true)
	if fn, ok := h.cancelFn.Load().(func() error); ok && fn != nil {
		return fn()
	}
	return nil
}

// Cancelled reports whether Cancel was requested for this turn.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// AdmissionResult is the outcome of an admission attempt.
type AdmissionResult struct {
	Accepted bool
	// Handle is the newly created handle when accepted, or the existing
	// in-flight handle when rejected.
	Handle *Handle
}

// Registry maps thread keys to sessions and in-flight generation handles.
type Registry struct {
	mu     sync.Mutex
	store  Store
	active map[string]*Handle
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(st Store) *Registry {
	return &Registry{
		store:  st,
		active: make(map[string]*Handle),
	}
}

// Admit is the single-flight gate. It either creates and registers a new
// Handle for the thread, or rejects the turn and returns the existing one.
func (r *Registry) Admit(threadKey string) AdmissionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[threadKey]; ok {
		return AdmissionResult{Accepted: false, Handle: existing}
	}

	h := &Handle{
		ThreadKey: threadKey,
		TurnID:    uuid.New().String(),
		StartedAt: time.Now(),
	}
	r.active[threadKey] = h
	return AdmissionResult{Accepted: true, Handle: h}
}

// Release frees the single-flight slot for a thread. Called only when the
// subprocess has exited.
func (r *Registry) Release(threadKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, threadKey)
}

// ActiveHandle returns the in-flight handle for a thread, if any.
func (r *Registry) ActiveHandle(threadKey string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[threadKey]
	return h, ok
}

// HasActive reports whether a thread has an in-flight generation. Used by the
// workspace sweep to skip busy threads.
func (r *Registry) HasActive(threadKey string) bool {
	_, ok := r.ActiveHandle(threadKey)
	return ok
}

// GetOrCreateToken resolves the session token for a thread. A stored,
// non-pending token is resumable; otherwise a fresh token is minted and
// stored as pending until the subprocess confirms its own identifier.
func (r *Registry) GetOrCreateToken(threadKey string) (token string, isResume bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, err := r.store.GetSession(threadKey)
	if err == nil && ts.Token != "" && ts.Token != PendingToken {
		return ts.Token, true, nil
	}
	if err != nil && err != store.ErrNotFound {
		return "", false, err
	}

	token = uuid.New().String()
	ts.ThreadKey = threadKey
	ts.Token = PendingToken
	ts.UpdatedAt = time.Now()
	if err := r.store.PutSession(ts); err != nil {
		return "", false, err
	}
	return token, false, nil
}

// SetToken stores the subprocess-reported session token. The subprocess's
// token always wins over the locally minted one.
func (r *Registry) SetToken(threadKey, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, err := r.store.GetSession(threadKey)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	ts.ThreadKey = threadKey
	ts.Token = token
	ts.UpdatedAt = time.Now()
	return r.store.PutSession(ts)
}

// ResetToken clears the stored token so the next turn starts a new session.
func (r *Registry) ResetToken(threadKey string) error {
	return r.SetToken(threadKey, "")
}

// SetWorkDir records the working directory for a thread. A resumed session is
// only valid for the directory it was created against, so changing it also
// resets the token.
func (r *Registry) SetWorkDir(threadKey, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, err := r.store.GetSession(threadKey)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if ts.WorkspacePath == dir {
		return nil
	}
	ts.ThreadKey = threadKey
	ts.WorkspacePath = dir
	ts.Token = ""
	ts.UpdatedAt = time.Now()
	return r.store.PutSession(ts)
}

// WorkDir returns the stored working directory for a thread, if any.
func (r *Registry) WorkDir(threadKey string) (string, bool) {
	ts, err := r.store.GetSession(threadKey)
	if err != nil {
		return "", false
	}
	return ts.WorkspacePath, ts.WorkspacePath != ""
}
