// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sink serializes normalized stream events onto a live-update
// channel, degrading permanently to a throttled snapshot fallback on the
// first channel failure.
package sink

import "context"

// Incremental is the preferred live-update channel: a message is created
// once, grown by appends, and sealed into its durable final form.
type Incremental interface {
	Create(ctx context.Context) (handle string, err error)
	Append(ctx context.Context, handle, chunk string) error
	Seal(ctx context.Context, handle, finalContent string) error
}

// Fallback overwrites a single message in place with the full accumulated
// text. An empty ref creates the message; the returned ref addresses it on
// subsequent calls.
type Fallback interface {
	Upsert(ctx context.Context, ref, fullText string) (newRef string, err error)
}

// CancelAffordance attaches a user-visible stop control to in-progress
// output and removes it when the output is sealed.
type CancelAffordance interface {
	Attach(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error
}

// Activity signals turn-level display transitions: the surface's pending
// indicator resolves once the subprocess starts producing blocks, and the
// rendering mode flips when the turn enters plan mode.
type Activity interface {
	ClearPending(ctx context.Context) error
	EnterPlanMode(ctx context.Context) error
}

// TaskUpdate describes visible tool or sub-task activity for a status
// display maintained alongside the answer text.
type TaskUpdate struct {
	TaskID  int
	Title   string
	Phrase  string
	Done    bool
	Output  string
	IsError bool
	SubTask bool
}

// StatusReporter receives task updates. Implementations must tolerate
// updates for a task id they have already displayed.
type StatusReporter interface {
	UpdateTask(ctx context.Context, update TaskUpdate) error
}

// NopStatusReporter discards task updates.
type NopStatusReporter struct{}

func (NopStatusReporter) UpdateTask(context.Context, TaskUpdate) error { return nil }
