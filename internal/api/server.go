// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api serves the local admin HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/groupsio/switchboard/internal/events"
	"github.com/groupsio/switchboard/internal/logging"
	"github.com/groupsio/switchboard/internal/metrics"
	"github.com/groupsio/switchboard/internal/session"
	"github.com/groupsio/switchboard/internal/store"
)

// Store is the read surface the API needs from the persistent store.
type Store interface {
	ListSessions() ([]store.ThreadSession, error)
	ListWorkspaces() ([]store.Workspace, error)
	UsageForThread(threadKey string, limit int) ([]store.UsageRecord, error)
}

// Sweeper triggers a workspace sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context, maxIdleAge time.Duration) (int, error)
}

// Canceller requests cancellation of a thread's running turn.
type Canceller interface {
	HandleCancel(threadKey string)
}

// Dependencies holds everything the handlers need.
type Dependencies struct {
	Registry   *session.Registry
	Store      Store
	Sweeper    Sweeper
	Canceller  Canceller
	Bus        *events.Bus
	Metrics    *metrics.Metrics // nil disables /metrics
	MaxIdleAge time.Duration
	Version    string
}

// NewRouter builds the admin router.
func NewRouter(deps Dependencies) *mux.Router {
	h := &handler{deps: deps}

	r := mux.NewRouter()
	r.Use(recovery)

	r.HandleFunc("/api/status", h.status).Methods("GET")
	r.HandleFunc("/api/threads", h.listThreads).Methods("GET")
	r.HandleFunc("/api/threads/{key}/reset", h.resetThread).Methods("POST")
	r.HandleFunc("/api/threads/{key}/cancel", h.cancelThread).Methods("POST")
	r.HandleFunc("/api/threads/{key}/usage", h.threadUsage).Methods("GET")
	r.HandleFunc("/api/workspaces", h.listWorkspaces).Methods("GET")
	r.HandleFunc("/api/workspaces/sweep", h.sweep).Methods("POST")
	r.HandleFunc("/api/events", h.recentEvents).Methods("GET")

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler()).Methods("GET")
	}
	return r
}

type handler struct {
	deps Dependencies
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logging.Error().Interface("panic", err).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Store.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	active := 0
	for _, ts := range sessions {
		if h.deps.Registry.HasActive(ts.ThreadKey) {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        h.deps.Version,
		"threads":        len(sessions),
		"active_turns":   active,
		"max_idle_age_s": int(h.deps.MaxIdleAge.Seconds()),
	})
}

type threadInfo struct {
	ThreadKey     string    `json:"thread_key"`
	HasToken      bool      `json:"has_token"`
	Pending       bool      `json:"pending"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	Active        bool      `json:"active"`
}

func (h *handler) listThreads(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Store.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]threadInfo, 0, len(sessions))
	for _, ts := range sessions {
		out = append(out, threadInfo{
			ThreadKey:     ts.ThreadKey,
			HasToken:      ts.Token != "" && ts.Token != session.PendingToken,
			Pending:       ts.Token == session.PendingToken,
			WorkspacePath: ts.WorkspacePath,
			UpdatedAt:     ts.UpdatedAt,
			Active:        h.deps.Registry.HasActive(ts.ThreadKey),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) resetThread(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if h.deps.Registry.HasActive(key) {
		writeError(w, http.StatusConflict, "turn in progress")
		return
	}
	if err := h.deps.Registry.ResetToken(key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"thread_key": key, "status": "reset"})
}

func (h *handler) cancelThread(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if !h.deps.Registry.HasActive(key) {
		writeError(w, http.StatusNotFound, "no turn in progress")
		return
	}
	h.deps.Canceller.HandleCancel(key)
	writeJSON(w, http.StatusOK, map[string]string{"thread_key": key, "status": "cancelling"})
}

func (h *handler) threadUsage(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recs, err := h.deps.Store.UsageForThread(key, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.deps.Store.ListWorkspaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (h *handler) sweep(w http.ResponseWriter, r *http.Request) {
	// Background context: the sweep should finish even if the caller goes
	// away.
	reclaimed, err := h.deps.Sweeper.Sweep(context.Background(), h.deps.MaxIdleAge)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": reclaimed})
}

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.deps.Bus.History(limit))
}
