// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package stream decodes the generation CLI's newline-delimited JSON output
// into normalized lifecycle events.
package stream

// Event is one normalized lifecycle event. The concrete types below form a
// closed set; consumers switch on them.
type Event interface {
	isEvent()
}

// SessionIdentified carries the subprocess's authoritative session token from
// its init event. It always overrides any locally minted token.
type SessionIdentified struct {
	SessionID string
}

// TextStarted marks the opening of a visible text block.
type TextStarted struct {
	Index int
}

// TextDelta is an incremental piece of visible answer text.
type TextDelta struct {
	Index int
	Text  string
}

// ToolStarted marks the opening of a tool invocation block.
type ToolStarted struct {
	TaskID int
	Index  int
	Name   string
	Phrase string // User-facing status phrase for the tool
	Hidden bool   // Internal/meta tool, tracked but not shown
}

// ToolInputFragment is an incremental piece of a tool invocation's input
// JSON. Fragments are assembled by the parser; sinks normally ignore them.
type ToolInputFragment struct {
	TaskID   int
	Index    int
	Fragment string
}

// ToolFinished marks a tool invocation completing, or a later result updating
// an already-completed invocation. Updates reuse the original TaskID.
type ToolFinished struct {
	TaskID  int
	Index   int
	Name    string
	Title   string
	Input   map[string]interface{}
	Output  string
	IsError bool
	Hidden  bool
}

// SubTaskStarted marks delegation of a whole sub-task to a nested agent.
type SubTaskStarted struct {
	TaskID      int
	ToolUseID   string
	Description string
}

// SubTaskProgress is an activity update from inside a running sub-task.
type SubTaskProgress struct {
	TaskID    int
	ToolUseID string
	Detail    string
}

// SubTaskFinished marks a delegated sub-task's result arriving.
type SubTaskFinished struct {
	TaskID    int
	ToolUseID string
	Output    string
	IsError   bool
}

// PlanModeEntered signals that the session switched to plan rendering. It is
// emitted on the first plan-tool invocation, before any other event from that
// block.
type PlanModeEntered struct{}

// TurnResult carries the aggregate metrics from the final result event. The
// subprocess's exit, not this event, terminates the turn.
type TurnResult struct {
	IsError    bool
	Result     string
	CostUSD    float64
	DurationMS int64
	NumTurns   int
}

// Unknown preserves an event type the parser does not understand.
type Unknown struct {
	Type string
}

func (SessionIdentified) isEvent()  {}
func (TextStarted) isEvent()       {}
func (TextDelta) isEvent()         {}
func (ToolStarted) isEvent()       {}
func (ToolInputFragment) isEvent() {}
func (ToolFinished) isEvent()      {}
func (SubTaskStarted) isEvent()    {}
func (SubTaskProgress) isEvent()   {}
func (SubTaskFinished) isEvent()   {}
func (PlanModeEntered) isEvent()   {}
func (TurnResult) isEvent()        {}
func (Unknown) isEvent()           {}
