// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app assembles and runs the Switchboard process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/groupsio/switchboard/internal/api"
	"github.com/groupsio/switchboard/internal/config"
	"github.com/groupsio/switchboard/internal/conventions"
	"github.com/groupsio/switchboard/internal/events"
	"github.com/groupsio/switchboard/internal/gateway"
	"github.com/groupsio/switchboard/internal/logging"
	"github.com/groupsio/switchboard/internal/metrics"
	"github.com/groupsio/switchboard/internal/orchestrator"
	"github.com/groupsio/switchboard/internal/runner"
	"github.com/groupsio/switchboard/internal/session"
	"github.com/groupsio/switchboard/internal/sink"
	"github.com/groupsio/switchboard/internal/store"
	"github.com/groupsio/switchboard/internal/workspace"
)

// Version is stamped at build time.
var Version = "dev"

// App holds the assembled components.
type App struct {
	cfg config.Config

	bus        *events.Bus
	store      *store.Store
	registry   *session.Registry
	workspaces *workspace.Manager
	convs      *conventions.Source
	metrics    *metrics.Metrics
	client     *gateway.Client
	orch       *orchestrator.Orchestrator
	httpServer *http.Server
}

// New assembles the application from configuration.
func New(cfg config.Config) (*App, error) {
	a := &App{cfg: cfg}

	a.bus = events.NewBus(256)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st

	a.registry = session.NewRegistry(st)
	a.workspaces = workspace.NewManager(
		cfg.Workspace,
		workspace.NewRealGitExecutor(),
		st,
		a.registry,
		a.bus,
	)

	convs, err := conventions.NewSource(cfg.Conventions.File)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("conventions source: %w", err)
	}
	a.convs = convs

	a.metrics = metrics.New()
	a.bus.Subscribe(events.EventWorkspaceReclaimed, func(events.Event) {
		a.metrics.Reclaimed.Inc()
	})

	a.client = gateway.NewClient(gateway.Config{
		URL:        cfg.Gateway.URL,
		Token:      cfg.Gateway.Token,
		AckTimeout: config.ParseDuration(cfg.Gateway.AckTimeout, 10*time.Second),
		MaxBackoff: config.ParseDuration(cfg.Gateway.MaxBackoff, 30*time.Second),
	}, nil, a.bus)

	a.orch = orchestrator.New(
		cfg.Runner,
		a.registry,
		a.workspaces,
		st,
		a.bus,
		a.metrics,
		convs,
		orchestrator.DefaultSpawner,
		func(threadKey string) orchestrator.Channel {
			return gateway.NewChannel(a.client, threadKey)
		},
		config.ParseDuration(cfg.Gateway.FallbackThrottle, sink.DefaultThrottle),
	)
	a.client.SetHandler(a.orch)

	var exposed *metrics.Metrics
	if cfg.Metrics.Enabled {
		exposed = a.metrics
	}
	router := api.NewRouter(api.Dependencies{
		Registry:   a.registry,
		Store:      st,
		Sweeper:    a.workspaces,
		Canceller:  a.orch,
		Bus:        a.bus,
		Metrics:    exposed,
		MaxIdleAge: config.ParseDuration(cfg.Workspace.MaxIdleAge, 72*time.Hour),
		Version:    Version,
	})
	a.httpServer = &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler: router,
	}

	return a, nil
}

// Run starts the gateway connection, the admin server, and the sweep loop,
// blocking until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	// Subprocesses left over from a previous run are terminated before any
	// new turn starts.
	if n := runner.ReapOrphans(a.cfg.Runner.Binary); n > 0 {
		logging.Info().Int("count", n).Msg("reaped orphaned subprocesses")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.client.Run(ctx)
	})

	g.Go(func() error {
		logging.Info().Str("addr", a.httpServer.Addr).Msg("admin server listening")
		err := a.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.sweepLoop(ctx)
		return nil
	})

	err := g.Wait()
	a.shutdown()
	return err
}

func (a *App) sweepLoop(ctx context.Context) {
	interval := config.ParseDuration(a.cfg.Workspace.SweepInterval, 30*time.Minute)
	maxIdle := config.ParseDuration(a.cfg.Workspace.MaxIdleAge, 72*time.Hour)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.workspaces.Sweep(ctx, maxIdle); err != nil {
				logging.Warn().Err(err).Msg("workspace sweep failed")
			} else if n > 0 {
				logging.Info().Int("reclaimed", n).Msg("workspace sweep done")
			}
		}
	}
}

func (a *App) shutdown() {
	a.client.Close()
	if err := a.convs.Close(); err != nil {
		logging.Debug().Err(err).Msg("conventions close")
	}
	if err := a.store.Close(); err != nil {
		logging.Warn().Err(err).Msg("store close")
	}
	a.bus.Close()
}
