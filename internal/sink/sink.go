// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"strings"
	"time"

	"github.com/groupsio/switchboard/internal/logging"
	"github.com/groupsio/switchboard/internal/stream"
)

// StoppedMarker is appended to partial output when a turn is cancelled.
const StoppedMarker = "_Stopped by user._"

// NoResponseMarker is rendered when a turn ends cleanly with no text.
const NoResponseMarker = "_No response._"

// FailureMarker is rendered when a turn fails with no accumulated text.
const FailureMarker = "_Something went wrong._"

// DefaultThrottle is the minimum interval between fallback snapshot updates.
const DefaultThrottle = 2 * time.Second

// Outcome is the terminal state of the turn as seen by the supervisor.
type Outcome struct {
	Cancelled bool
	ExitCode  int
	Signalled bool
	Result    *stream.TurnResult // nil when the result event never arrived
}

// Options configures a Sink. Incremental and Fallback are required; Cancel,
// Status, and Activity are optional.
type Options struct {
	Incremental Incremental
	Fallback    Fallback
	Cancel      CancelAffordance
	Status      StatusReporter
	Activity    Activity
	Throttle    time.Duration
}

// Sink renders one turn's events. All channel operations run on a single
// ordered queue: events apply in parse order and no two operations are ever
// in flight concurrently. The first failed channel operation downgrades the
// turn to the fallback path permanently.
type Sink struct {
	ctx  context.Context
	opts Options
	ops  chan func()
	done chan struct{}

	// State below is owned by the queue goroutine.
	text           strings.Builder
	pending        string // Text not yet sent on the incremental path
	degraded       bool
	created        bool
	handle         string
	fbRef          string
	lastUpsert     time.Time
	cancelAttached bool
	pendingCleared bool
	planMode       bool
}

// New creates a sink for one turn and starts its queue.
func New(ctx context.Context, opts Options) *Sink {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Status == nil {
		opts.Status = NopStatusReporter{}
	}
	s := &Sink{
		ctx:  ctx,
		opts: opts,
		ops:  make(chan func(), 256),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.done)
	for op := range s.ops {
		op()
	}
}

// Append enqueues one parsed event. Must not be called after Finalize.
func (s *Sink) Append(ev stream.Event) {
	s.ops <- func() { s.apply(ev) }
}

// Finalize renders the terminal state, seals or upserts the durable message,
// and shuts the queue down. It returns the final rendered text.
func (s *Sink) Finalize(outcome Outcome) string {
	var final string
	s.ops <- func() { final = s.finalize(outcome) }
	close(s.ops)
	<-s.done
	return final
}

// Degraded reports whether the turn has downgraded to the fallback path.
// Only meaningful after Finalize.
func (s *Sink) Degraded() bool {
	return s.degraded
}

func (s *Sink) apply(ev stream.Event) {
	switch e := ev.(type) {
	case stream.TextStarted:
		s.clearPending()

	case stream.PlanModeEntered:
		s.enterPlanMode()

	case stream.TextDelta:
		s.text.WriteString(e.Text)
		s.pending += e.Text
		s.deliver()

	case stream.ToolStarted:
		s.clearPending()
		if e.Hidden {
			return
		}
		s.reportTask(TaskUpdate{TaskID: e.TaskID, Phrase: e.Phrase})

	case stream.ToolFinished:
		if e.Hidden {
			return
		}
		s.reportTask(TaskUpdate{
			TaskID:  e.TaskID,
			Title:   e.Title,
			Done:    true,
			Output:  e.Output,
			IsError: e.IsError,
		})

	case stream.SubTaskStarted:
		s.clearPending()
		s.reportTask(TaskUpdate{TaskID: e.TaskID, Title: e.Description, SubTask: true})

	case stream.SubTaskProgress:
		s.reportTask(TaskUpdate{TaskID: e.TaskID, Phrase: e.Detail, SubTask: true})

	case stream.SubTaskFinished:
		s.reportTask(TaskUpdate{
			TaskID:  e.TaskID,
			Done:    true,
			Output:  e.Output,
			IsError: e.IsError,
			SubTask: true,
		})
	}
}

// clearPending resolves the surface's pending indicator. Fires once per turn,
// on the first block the subprocess opens.
func (s *Sink) clearPending() {
	if s.pendingCleared {
		return
	}
	s.pendingCleared = true
	if s.opts.Activity == nil {
		return
	}
	if err := s.opts.Activity.ClearPending(s.ctx); err != nil {
		logging.Debug().Err(err).Msg("pending indicator clear failed")
	}
}

// enterPlanMode flips the surface's rendering mode for the rest of the turn.
// Applied in queue order, so it lands before any rendering of the tool that
// triggered it.
func (s *Sink) enterPlanMode() {
	if s.planMode {
		return
	}
	s.planMode = true
	if s.opts.Activity == nil {
		return
	}
	if err := s.opts.Activity.EnterPlanMode(s.ctx); err != nil {
		logging.Debug().Err(err).Msg("plan mode switch failed")
	}
}

func (s *Sink) reportTask(update TaskUpdate) {
	if err := s.opts.Status.UpdateTask(s.ctx, update); err != nil {
		logging.Debug().Err(err).Int("task", update.TaskID).Msg("status update failed")
	}
}

// deliver pushes the latest text to the channel, choosing the incremental or
// fallback path.
func (s *Sink) deliver() {
	if s.degraded {
		s.upsert(false)
		return
	}

	if !s.created {
		handle, err := s.opts.Incremental.Create(s.ctx)
		if err != nil {
			s.degrade("create", err)
			return
		}
		s.handle = handle
		s.created = true
		// Everything accumulated so far goes out as the first chunk.
		if err := s.opts.Incremental.Append(s.ctx, s.handle, s.text.String()); err != nil {
			s.degrade("append", err)
			return
		}
		s.pending = ""
		s.attachCancel()
		return
	}

	if err := s.opts.Incremental.Append(s.ctx, s.handle, s.pending); err != nil {
		s.degrade("append", err)
		return
	}
	s.pending = ""
	s.attachCancel()
}

func (s *Sink) attachCancel() {
	if s.cancelAttached || s.opts.Cancel == nil {
		return
	}
	// Attached only after the first content so it trails the output.
	if err := s.opts.Cancel.Attach(s.ctx, s.handle); err != nil {
		logging.Debug().Err(err).Msg("cancel affordance attach failed")
		return
	}
	s.cancelAttached = true
}

func (s *Sink) removeCancel() {
	if !s.cancelAttached || s.opts.Cancel == nil {
		return
	}
	if err := s.opts.Cancel.Remove(s.ctx, s.handle); err != nil {
		logging.Debug().Err(err).Msg("cancel affordance remove failed")
	}
	s.cancelAttached = false
}

// degrade flips the turn to the fallback path for good.
func (s *Sink) degrade(op string, err error) {
	logging.Warn().Err(err).Str("op", op).Msg("live channel failed, downgrading to snapshot fallback")
	s.degraded = true
	s.removeCancel()
	s.upsert(false)
}

// upsert overwrites the fallback message with the full accumulated text,
// throttled unless forced.
func (s *Sink) upsert(force bool) {
	if !force && time.Since(s.lastUpsert) < s.opts.Throttle {
		return
	}
	ref, err := s.opts.Fallback.Upsert(s.ctx, s.fbRef, s.text.String())
	if err != nil {
		logging.Warn().Err(err).Msg("fallback upsert failed")
		return
	}
	s.fbRef = ref
	s.lastUpsert = time.Now()
}

func (s *Sink) finalize(outcome Outcome) string {
	final := s.finalText(outcome)

	if s.degraded {
		s.text.Reset()
		s.text.WriteString(final)
		s.upsert(true)
		return final
	}

	s.removeCancel()
	if s.created {
		if err := s.opts.Incremental.Seal(s.ctx, s.handle, final); err != nil {
			logging.Warn().Err(err).Msg("seal failed, writing final text through fallback")
			s.degraded = true
			s.text.Reset()
			s.text.WriteString(final)
			s.upsert(true)
		}
		return final
	}

	// No content ever went out on the incremental path; publish the final
	// text as a single snapshot.
	s.text.Reset()
	s.text.WriteString(final)
	s.upsert(true)
	return final
}

// finalText renders the durable text for the turn's terminal state.
func (s *Sink) finalText(outcome Outcome) string {
	accumulated := strings.TrimRight(s.text.String(), "\n")

	if outcome.Cancelled || outcome.Signalled {
		if accumulated == "" {
			return StoppedMarker
		}
		return accumulated + "\n\n" + StoppedMarker
	}

	if accumulated != "" {
		return accumulated
	}
	if outcome.Result != nil && !outcome.Result.IsError && outcome.Result.Result != "" {
		return outcome.Result.Result
	}
	if outcome.ExitCode != 0 || (outcome.Result != nil && outcome.Result.IsError) {
		return FailureMarker
	}
	return NoResponseMarker
}
