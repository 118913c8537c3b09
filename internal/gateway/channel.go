// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/groupsio/switchboard/internal/sink"
)

// Requester is the outbound half of the gateway client used by the channel
// implementations.
type Requester interface {
	Request(ctx context.Context, msgType string, payload any) (json.RawMessage, error)
	Send(msgType string, payload any) error
}

// Channel renders one thread's turn output through the chat surface. It
// implements the sink's incremental channel, snapshot fallback, cancel
// affordance, and status reporter.
type Channel struct {
	client    Requester
	threadKey string
}

// NewChannel creates a channel bound to one thread.
func NewChannel(client Requester, threadKey string) *Channel {
	return &Channel{client: client, threadKey: threadKey}
}

var (
	_ sink.Incremental      = (*Channel)(nil)
	_ sink.Fallback         = (*Channel)(nil)
	_ sink.CancelAffordance = (*Channel)(nil)
	_ sink.StatusReporter   = (*Channel)(nil)
	_ sink.Activity         = (*Channel)(nil)
)

// Create opens a new streaming message in the thread.
func (c *Channel) Create(ctx context.Context) (string, error) {
	reply, err := c.client.Request(ctx, "message.create", struct {
		ThreadKey string `json:"thread_key"`
	}{c.threadKey})
	if err != nil {
		return "", err
	}
	var p struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(reply, &p); err != nil || p.Handle == "" {
		return "", fmt.Errorf("message.create: missing handle in reply")
	}
	return p.Handle, nil
}

// Append grows the streaming message by one chunk.
func (c *Channel) Append(ctx context.Context, handle, chunk string) error {
	_, err := c.client.Request(ctx, "message.append", struct {
		Handle string `json:"handle"`
		Chunk  string `json:"chunk"`
	}{handle, chunk})
	return err
}

// Seal converts the streaming message into its durable final form.
func (c *Channel) Seal(ctx context.Context, handle, finalContent string) error {
	_, err := c.client.Request(ctx, "message.seal", struct {
		Handle  string `json:"handle"`
		Content string `json:"content"`
	}{handle, finalContent})
	return err
}

// Upsert overwrites the thread's snapshot message with the full text. An
// empty ref creates the message.
func (c *Channel) Upsert(ctx context.Context, ref, fullText string) (string, error) {
	reply, err := c.client.Request(ctx, "message.upsert", struct {
		ThreadKey string `json:"thread_key"`
		Ref       string `json:"ref,omitempty"`
		Text      string `json:"text"`
	}{c.threadKey, ref, fullText})
	if err != nil {
		return "", err
	}
	var p struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(reply, &p); err != nil {
		return "", fmt.Errorf("message.upsert: malformed reply")
	}
	if p.Ref == "" {
		p.Ref = ref
	}
	return p.Ref, nil
}

// Attach adds the stop control under the in-progress message.
func (c *Channel) Attach(ctx context.Context, handle string) error {
	_, err := c.client.Request(ctx, "control.attach", struct {
		ThreadKey string `json:"thread_key"`
		Handle    string `json:"handle"`
	}{c.threadKey, handle})
	return err
}

// Remove tears the stop control down.
func (c *Channel) Remove(ctx context.Context, handle string) error {
	_, err := c.client.Request(ctx, "control.remove", struct {
		ThreadKey string `json:"thread_key"`
		Handle    string `json:"handle"`
	}{c.threadKey, handle})
	return err
}

// UpdateTask publishes tool or sub-task activity to the thread's status
// display. Fire-and-forget; losing one is harmless.
func (c *Channel) UpdateTask(_ context.Context, update sink.TaskUpdate) error {
	return c.client.Send("task.update", struct {
		ThreadKey string `json:"thread_key"`
		TaskID    int    `json:"task_id"`
		Title     string `json:"title,omitempty"`
		Phrase    string `json:"phrase,omitempty"`
		Done      bool   `json:"done,omitempty"`
		Output    string `json:"output,omitempty"`
		IsError   bool   `json:"is_error,omitempty"`
		SubTask   bool   `json:"sub_task,omitempty"`
	}{
		ThreadKey: c.threadKey,
		TaskID:    update.TaskID,
		Title:     update.Title,
		Phrase:    update.Phrase,
		Done:      update.Done,
		Output:    update.Output,
		IsError:   update.IsError,
		SubTask:   update.SubTask,
	})
}

// ClearPending resolves the thread's pending indicator once the turn starts
// producing output. Fire-and-forget.
func (c *Channel) ClearPending(context.Context) error {
	return c.client.Send("status.clear", struct {
		ThreadKey string `json:"thread_key"`
	}{c.threadKey})
}

// EnterPlanMode switches the thread's rendering mode for the rest of the
// turn. Fire-and-forget.
func (c *Channel) EnterPlanMode(context.Context) error {
	return c.client.Send("mode.plan", struct {
		ThreadKey string `json:"thread_key"`
	}{c.threadKey})
}

// Notify posts a transient notice to the thread, e.g. the admission-conflict
// "still processing" message.
func (c *Channel) Notify(text string) error {
	return c.client.Send("message.notice", struct {
		ThreadKey string `json:"thread_key"`
		Text      string `json:"text"`
	}{c.threadKey, text})
}
