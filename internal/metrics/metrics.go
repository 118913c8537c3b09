// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes Prometheus counters for turn and workspace
// activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's instruments.
type Metrics struct {
	registry *prometheus.Registry

	TurnsStarted   prometheus.Counter
	TurnsRejected  prometheus.Counter
	TurnsFinished  *prometheus.CounterVec // outcome: success, error, cancelled
	TurnDuration   prometheus.Histogram
	TurnCostUSD    prometheus.Counter
	ActiveTurns    prometheus.Gauge
	SinkDowngrades prometheus.Counter
	Reclaimed      prometheus.Counter
}

// New creates and registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_turns_started_total",
			Help: "Turns admitted and spawned.",
		}),
		TurnsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_turns_rejected_total",
			Help: "Turns rejected because one was already in flight.",
		}),
		TurnsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_turns_finished_total",
			Help: "Turns finished, by outcome.",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchboard_turn_duration_seconds",
			Help:    "Wall-clock duration of finished turns.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		TurnCostUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_turn_cost_usd_total",
			Help: "Accumulated generation cost reported by turn results.",
		}),
		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_active_turns",
			Help: "Turns currently running.",
		}),
		SinkDowngrades: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_sink_downgrades_total",
			Help: "Turns downgraded from the live channel to the snapshot fallback.",
		}),
		Reclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_workspaces_reclaimed_total",
			Help: "Idle worktrees removed by the sweep.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
