// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs one generation turn end to end: admission,
// workspace resolution, subprocess supervision, stream parsing, and output
// rendering.
package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/groupsio/switchboard/internal/config"
	"github.com/groupsio/switchboard/internal/events"
	"github.com/groupsio/switchboard/internal/gateway"
	"github.com/groupsio/switchboard/internal/logging"
	"github.com/groupsio/switchboard/internal/metrics"
	"github.com/groupsio/switchboard/internal/runner"
	"github.com/groupsio/switchboard/internal/session"
	"github.com/groupsio/switchboard/internal/sink"
	"github.com/groupsio/switchboard/internal/store"
	"github.com/groupsio/switchboard/internal/stream"
	"github.com/groupsio/switchboard/internal/workspace"
)

// StillProcessingNotice is sent when a turn is rejected by admission.
const StillProcessingNotice = "Still processing the previous request for this thread."

// Process is a running generation subprocess.
type Process interface {
	Cancel() error
	Wait() runner.ExitStatus
}

// Spawner starts a subprocess and returns its supervision handle plus the
// NDJSON output stream.
type Spawner func(ctx context.Context, opts runner.Options) (Process, io.Reader, error)

// DefaultSpawner spawns the real generation CLI.
func DefaultSpawner(ctx context.Context, opts runner.Options) (Process, io.Reader, error) {
	h, err := runner.Spawn(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return h, h.Stdout, nil
}

// WorkspaceResolver resolves a thread's working directory.
type WorkspaceResolver interface {
	Resolve(ctx context.Context, threadKey, explicitDir string) (workspace.Resolution, error)
}

// Channel is the full per-thread output surface.
type Channel interface {
	sink.Incremental
	sink.Fallback
	sink.CancelAffordance
	sink.StatusReporter
	sink.Activity
	Notify(text string) error
}

// ChannelFactory produces the output channel for a thread.
type ChannelFactory func(threadKey string) Channel

// UsageStore records per-turn usage.
type UsageStore interface {
	AppendUsage(rec store.UsageRecord) error
}

// ContextSource serves the appended system-context text.
type ContextSource interface {
	Text() string
}

// Orchestrator wires the turn pipeline together. It implements
// gateway.Handler.
type Orchestrator struct {
	cfg        config.RunnerConfig
	registry   *session.Registry
	workspaces WorkspaceResolver
	usage      UsageStore
	bus        *events.Bus
	metrics    *metrics.Metrics
	convs      ContextSource
	spawner    Spawner
	channels   ChannelFactory
	throttle   time.Duration
}

// New creates an orchestrator.
func New(
	cfg config.RunnerConfig,
	registry *session.Registry,
	workspaces WorkspaceResolver,
	usage UsageStore,
	bus *events.Bus,
	m *metrics.Metrics,
	convs ContextSource,
	spawner Spawner,
	channels ChannelFactory,
	throttle time.Duration,
) *Orchestrator {
	if spawner == nil {
		spawner = DefaultSpawner
	}
	return &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		workspaces: workspaces,
		usage:      usage,
		bus:        bus,
		metrics:    m,
		convs:      convs,
		spawner:    spawner,
		channels:   channels,
		throttle:   throttle,
	}
}

var _ gateway.Handler = (*Orchestrator)(nil)

// HandleTurn admits and runs one turn. It returns immediately; the turn runs
// on its own goroutine.
func (o *Orchestrator) HandleTurn(req gateway.TurnRequest) {
	res := o.registry.Admit(req.ThreadKey)
	if !res.Accepted {
		o.metrics.TurnsRejected.Inc()
		o.bus.Publish(events.Event{Type: events.EventTurnRejected, ThreadKey: req.ThreadKey})
		if err := o.channels(req.ThreadKey).Notify(StillProcessingNotice); err != nil {
			logging.Warn().Err(err).Str("thread", req.ThreadKey).Msg("failed to send rejection notice")
		}
		return
	}

	go o.runTurn(context.Background(), req, res.Handle)
}

// HandleCancel signals the thread's running subprocess, if any. The slot is
// released only when the process actually exits.
func (o *Orchestrator) HandleCancel(threadKey string) {
	h, ok := o.registry.ActiveHandle(threadKey)
	if !ok {
		return
	}
	if err := h.Cancel(); err != nil {
		logging.Warn().Err(err).Str("thread", threadKey).Msg("cancel signal failed")
	}
	logging.Info().Str("thread", threadKey).Msg("cancellation requested")
}

func (o *Orchestrator) runTurn(ctx context.Context, req gateway.TurnRequest, handle *session.Handle) {
	defer o.registry.Release(req.ThreadKey)

	channel := o.channels(req.ThreadKey)
	snk := sink.New(ctx, sink.Options{
		Incremental: channel,
		Fallback:    channel,
		Cancel:      channel,
		Status:      channel,
		Activity:    channel,
		Throttle:    o.throttle,
	})

	resolution, err := o.workspaces.Resolve(ctx, req.ThreadKey, req.WorkDir)
	if err != nil {
		logging.Error().Err(err).Str("thread", req.ThreadKey).Msg("workspace resolution failed")
		o.failTurn(req.ThreadKey, snk)
		return
	}
	if err := o.registry.SetWorkDir(req.ThreadKey, resolution.Path); err != nil {
		logging.Error().Err(err).Str("thread", req.ThreadKey).Msg("failed to record working directory")
		o.failTurn(req.ThreadKey, snk)
		return
	}

	token, isResume, err := o.registry.GetOrCreateToken(req.ThreadKey)
	if err != nil {
		logging.Error().Err(err).Str("thread", req.ThreadKey).Msg("token resolution failed")
		o.failTurn(req.ThreadKey, snk)
		return
	}

	proc, out, err := o.spawner(ctx, runner.Options{
		Binary:        o.cfg.Binary,
		ExtraArgs:     o.cfg.ExtraArgs,
		Model:         o.cfg.Model,
		Prompt:        req.Prompt,
		SessionID:     token,
		Resume:        isResume,
		SystemContext: o.convs.Text(),
		WorkDir:       resolution.Path,
		CallerCtx:     callerContext(req),
	})
	if err != nil {
		logging.Error().Err(err).Str("thread", req.ThreadKey).Msg("spawn failed")
		o.failTurn(req.ThreadKey, snk)
		return
	}
	handle.SetCancel(proc.Cancel)

	o.metrics.TurnsStarted.Inc()
	o.metrics.ActiveTurns.Inc()
	defer o.metrics.ActiveTurns.Dec()
	o.bus.Publish(events.Event{
		Type:      events.EventTurnStarted,
		ThreadKey: req.ThreadKey,
		Payload:   map[string]interface{}{"turn_id": handle.TurnID, "resume": isResume, "dir": resolution.Path},
	})

	result := o.drainStream(req.ThreadKey, out, snk)
	status := proc.Wait()

	outcome := sink.Outcome{
		Cancelled: handle.Cancelled(),
		ExitCode:  status.Code,
		Signalled: status.Signalled,
		Result:    result,
	}
	final := snk.Finalize(outcome)
	if snk.Degraded() {
		o.metrics.SinkDowngrades.Inc()
	}

	o.recordOutcome(req, handle, outcome, status, len(final))
}

// drainStream parses subprocess output to exhaustion, applying events to the
// sink and capturing the final turn result.
func (o *Orchestrator) drainStream(threadKey string, out io.Reader, snk *sink.Sink) *stream.TurnResult {
	parser := stream.NewParser()
	defer parser.Close()

	var result *stream.TurnResult
	apply := func(evs []stream.Event) {
		for _, ev := range evs {
			switch e := ev.(type) {
			case stream.SessionIdentified:
				// The subprocess's own token always wins.
				if err := o.registry.SetToken(threadKey, e.SessionID); err != nil {
					logging.Warn().Err(err).Str("thread", threadKey).Msg("failed to store session token")
				}
			case stream.TurnResult:
				r := e
				result = &r
			default:
				snk.Append(ev)
			}
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			apply(parser.Feed(buf[:n]))
		}
		if err != nil {
			if err != io.EOF {
				logging.Warn().Err(err).Str("thread", threadKey).Msg("stream read error")
			}
			break
		}
	}
	apply(parser.Flush())
	return result
}

// failTurn renders the generic failure message for pre-stream errors. The
// single-flight slot is released by the caller's defer.
func (o *Orchestrator) failTurn(threadKey string, snk *sink.Sink) {
	snk.Finalize(sink.Outcome{ExitCode: 1})
	o.bus.Publish(events.Event{Type: events.EventTurnFailed, ThreadKey: threadKey})
	o.metrics.TurnsFinished.WithLabelValues("error").Inc()
}

func (o *Orchestrator) recordOutcome(req gateway.TurnRequest, handle *session.Handle, outcome sink.Outcome, status runner.ExitStatus, finalLen int) {
	duration := time.Since(handle.StartedAt)
	o.metrics.TurnDuration.Observe(duration.Seconds())

	rec := store.UsageRecord{
		ThreadKey:  req.ThreadKey,
		TurnID:     handle.TurnID,
		DurationMS: duration.Milliseconds(),
	}
	if outcome.Result != nil {
		rec.CostUSD = outcome.Result.CostUSD
		rec.DurationMS = outcome.Result.DurationMS
		rec.NumTurns = outcome.Result.NumTurns
		rec.IsError = outcome.Result.IsError
		o.metrics.TurnCostUSD.Add(outcome.Result.CostUSD)
	}

	label := "success"
	eventType := events.EventTurnFinished
	switch {
	case outcome.Cancelled || outcome.Signalled:
		label = "cancelled"
		eventType = events.EventTurnCancelled
		rec.IsError = true
	case !status.Success() || (outcome.Result != nil && outcome.Result.IsError):
		label = "error"
		eventType = events.EventTurnFailed
		rec.IsError = true
	}
	o.metrics.TurnsFinished.WithLabelValues(label).Inc()

	if err := o.usage.AppendUsage(rec); err != nil {
		logging.Warn().Err(err).Str("thread", req.ThreadKey).Msg("failed to record usage")
	}

	o.bus.Publish(events.Event{
		Type:      eventType,
		ThreadKey: req.ThreadKey,
		Payload: map[string]interface{}{
			"turn_id":   handle.TurnID,
			"exit_code": status.Code,
			"final_len": finalLen,
		},
	})

	logging.Info().
		Str("thread", req.ThreadKey).
		Str("turn", handle.TurnID).
		Str("outcome", label).
		Dur("duration", duration).
		Msg("turn finished")
}

// callerContext builds the environment context passed to the subprocess.
func callerContext(req gateway.TurnRequest) map[string]string {
	ctx := make(map[string]string, len(req.Context)+3)
	for k, v := range req.Context {
		ctx[k] = v
	}
	ctx[runner.ContextPrefix+"THREAD_KEY"] = req.ThreadKey
	if req.UserID != "" {
		ctx[runner.ContextPrefix+"USER_ID"] = req.UserID
	}
	if req.ChannelID != "" {
		ctx[runner.ContextPrefix+"CHANNEL_ID"] = req.ChannelID
	}
	return ctx
}
