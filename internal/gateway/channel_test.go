// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupsio/switchboard/internal/sink"
)

type fakeRequester struct {
	requests []string
	sends    []string
	payloads []any
	reply    json.RawMessage
	err      error
}

func (f *fakeRequester) Request(_ context.Context, msgType string, payload any) (json.RawMessage, error) {
	f.requests = append(f.requests, msgType)
	f.payloads = append(f.payloads, payload)
	return f.reply, f.err
}

func (f *fakeRequester) Send(msgType string, payload any) error {
	f.sends = append(f.sends, msgType)
	f.payloads = append(f.payloads, payload)
	return f.err
}

func TestChannel_Create(t *testing.T) {
	req := &fakeRequester{reply: json.RawMessage(`{"handle":"m-42"}`)}
	ch := NewChannel(req, "chan:1")

	handle, err := ch.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m-42", handle)
	assert.Equal(t, []string{"message.create"}, req.requests)
}

func TestChannel_CreateMissingHandle(t *testing.T) {
	req := &fakeRequester{reply: json.RawMessage(`{}`)}
	ch := NewChannel(req, "chan:1")

	_, err := ch.Create(context.Background())
	assert.Error(t, err)
}

func TestChannel_AppendSealPropagateErrors(t *testing.T) {
	req := &fakeRequester{err: errors.New("gone")}
	ch := NewChannel(req, "chan:1")

	assert.Error(t, ch.Append(context.Background(), "m-1", "chunk"))
	assert.Error(t, ch.Seal(context.Background(), "m-1", "final"))
}

func TestChannel_UpsertKeepsRef(t *testing.T) {
	req := &fakeRequester{reply: json.RawMessage(`{"ref":"r-1"}`)}
	ch := NewChannel(req, "chan:1")

	ref, err := ch.Upsert(context.Background(), "", "text")
	require.NoError(t, err)
	assert.Equal(t, "r-1", ref)

	// A reply without a ref keeps the existing one.
	req.reply = json.RawMessage(`{}`)
	ref, err = ch.Upsert(context.Background(), "r-1", "more text")
	require.NoError(t, err)
	assert.Equal(t, "r-1", ref)
}

func TestChannel_ActivitySignals(t *testing.T) {
	req := &fakeRequester{}
	ch := NewChannel(req, "chan:1")

	require.NoError(t, ch.ClearPending(context.Background()))
	require.NoError(t, ch.EnterPlanMode(context.Background()))
	assert.Equal(t, []string{"status.clear", "mode.plan"}, req.sends)
	assert.Empty(t, req.requests)
}

func TestChannel_TaskUpdateIsFireAndForget(t *testing.T) {
	req := &fakeRequester{}
	ch := NewChannel(req, "chan:1")

	require.NoError(t, ch.UpdateTask(context.Background(), sink.TaskUpdate{TaskID: 3, Title: "Run: ls"}))
	assert.Equal(t, []string{"task.update"}, req.sends)
	assert.Empty(t, req.requests)
}
