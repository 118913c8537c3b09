// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupsio/switchboard/internal/config"
	"github.com/groupsio/switchboard/internal/events"
	"github.com/groupsio/switchboard/internal/gateway"
	"github.com/groupsio/switchboard/internal/metrics"
	"github.com/groupsio/switchboard/internal/runner"
	"github.com/groupsio/switchboard/internal/session"
	"github.com/groupsio/switchboard/internal/sink"
	"github.com/groupsio/switchboard/internal/store"
	"github.com/groupsio/switchboard/internal/workspace"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]store.ThreadSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]store.ThreadSession)}
}

func (m *memSessionStore) GetSession(threadKey string) (store.ThreadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.sessions[threadKey]
	if !ok {
		return store.ThreadSession{}, store.ErrNotFound
	}
	return ts, nil
}

func (m *memSessionStore) PutSession(ts store.ThreadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[ts.ThreadKey] = ts
	return nil
}

type memChannel struct {
	mu        sync.Mutex
	chunks    []string
	sealed    []string
	upserts   []string
	notices   []string
	tasks     []sink.TaskUpdate
	cleared   int
	planModes int
}

func (c *memChannel) Create(context.Context) (string, error) { return "m-1", nil }

func (c *memChannel) Append(_ context.Context, _ string, chunk string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	return nil
}

func (c *memChannel) Seal(_ context.Context, _ string, final string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = append(c.sealed, final)
	return nil
}

func (c *memChannel) Upsert(_ context.Context, _ string, fullText string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts = append(c.upserts, fullText)
	return "fb-1", nil
}

func (c *memChannel) Attach(context.Context, string) error { return nil }
func (c *memChannel) Remove(context.Context, string) error { return nil }

func (c *memChannel) ClearPending(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
	return nil
}

func (c *memChannel) EnterPlanMode(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.planModes++
	return nil
}

func (c *memChannel) UpdateTask(_ context.Context, u sink.TaskUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, u)
	return nil
}

func (c *memChannel) Notify(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, text)
	return nil
}

func (c *memChannel) lastSealed(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sealed)
	return c.sealed[len(c.sealed)-1]
}

type fakeResolver struct {
	path string
}

func (f *fakeResolver) Resolve(_ context.Context, _, explicitDir string) (workspace.Resolution, error) {
	path := f.path
	if explicitDir != "" {
		path = explicitDir
	}
	return workspace.Resolution{Path: path, BaseRoot: path, Isolated: false}, nil
}

type memUsage struct {
	mu   sync.Mutex
	recs []store.UsageRecord
}

func (m *memUsage) AppendUsage(rec store.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

type staticContext string

func (s staticContext) Text() string { return string(s) }

// scriptedProcess feeds scripted NDJSON output and exits either on its own or
// when cancelled.
type scriptedProcess struct {
	reader    io.Reader
	status    runner.ExitStatus
	exited    chan struct{}
	cancelled func()
}

func (p *scriptedProcess) Cancel() error {
	if p.cancelled != nil {
		p.cancelled()
	}
	return nil
}

func (p *scriptedProcess) Wait() runner.ExitStatus {
	<-p.exited
	return p.status
}

type fixture struct {
	orch     *Orchestrator
	registry *session.Registry
	sessions *memSessionStore
	channel  *memChannel
	usage    *memUsage
	bus      *events.Bus
	finished chan events.Event
}

func newFixture(t *testing.T, spawner Spawner) *fixture {
	t.Helper()
	sessions := newMemSessionStore()
	registry := session.NewRegistry(sessions)
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	channel := &memChannel{}
	usage := &memUsage{}

	f := &fixture{
		registry: registry,
		sessions: sessions,
		channel:  channel,
		usage:    usage,
		bus:      bus,
		finished: make(chan events.Event, 8),
	}
	bus.Subscribe("turn.*", func(e events.Event) {
		if e.Type != events.EventTurnStarted && e.Type != events.EventTurnRejected {
			f.finished <- e
		}
	})

	f.orch = New(
		config.RunnerConfig{Binary: "claude"},
		registry,
		&fakeResolver{path: t.TempDir()},
		usage,
		bus,
		metrics.New(),
		staticContext("house rules"),
		spawner,
		func(string) Channel { return channel },
		time.Minute,
	)
	return f
}

func (f *fixture) waitFinished(t *testing.T) events.Event {
	t.Helper()
	select {
	case e := <-f.finished:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("turn never finished")
		return events.Event{}
	}
}

func scriptLines(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestOrchestrator_HappyPath(t *testing.T) {
	output := scriptLines(
		`{"type":"system","subtype":"init","session_id":"sid-real"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"result","subtype":"success","result":"Hello world","total_cost_usd":0.12,"duration_ms":800,"num_turns":1}`,
	)

	var gotOpts runner.Options
	spawner := func(_ context.Context, opts runner.Options) (Process, io.Reader, error) {
		gotOpts = opts
		p := &scriptedProcess{exited: make(chan struct{})}
		close(p.exited)
		return p, strings.NewReader(output), nil
	}

	f := newFixture(t, spawner)
	f.orch.HandleTurn(gateway.TurnRequest{ThreadKey: "chan:1", Prompt: "say hello", UserID: "u-9"})
	e := f.waitFinished(t)

	assert.Equal(t, events.EventTurnFinished, e.Type)
	assert.Equal(t, "Hello world", f.channel.lastSealed(t))
	assert.False(t, f.registry.HasActive("chan:1"))

	// The subprocess's session id replaced the pending token.
	ts, err := f.sessions.GetSession("chan:1")
	require.NoError(t, err)
	assert.Equal(t, "sid-real", ts.Token)

	// Usage captured from the result event.
	require.Len(t, f.usage.recs, 1)
	assert.Equal(t, 0.12, f.usage.recs[0].CostUSD)
	assert.False(t, f.usage.recs[0].IsError)

	// Spawn options carried prompt, conventions, and caller context.
	assert.Equal(t, "say hello", gotOpts.Prompt)
	assert.Equal(t, "house rules", gotOpts.SystemContext)
	assert.Equal(t, "u-9", gotOpts.CallerCtx[runner.ContextPrefix+"USER_ID"])
	assert.False(t, gotOpts.Resume)
	assert.NotEmpty(t, gotOpts.SessionID)

	// The pending indicator resolved when the first block opened.
	f.channel.mu.Lock()
	assert.Equal(t, 1, f.channel.cleared)
	f.channel.mu.Unlock()
}

func TestOrchestrator_FallbackThrottlePlumbed(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, time.Minute, f.orch.throttle)
}

func TestOrchestrator_ResumeOnSecondTurn(t *testing.T) {
	output := scriptLines(
		`{"type":"system","subtype":"init","session_id":"sid-real"}`,
		`{"type":"result","result":"ok"}`,
	)

	var opts []runner.Options
	var mu sync.Mutex
	spawner := func(_ context.Context, o runner.Options) (Process, io.Reader, error) {
		mu.Lock()
		opts = append(opts, o)
		mu.Unlock()
		p := &scriptedProcess{exited: make(chan struct{})}
		close(p.exited)
		return p, strings.NewReader(output), nil
	}

	f := newFixture(t, spawner)
	f.orch.HandleTurn(gateway.TurnRequest{ThreadKey: "chan:1", Prompt: "one"})
	f.waitFinished(t)
	f.orch.HandleTurn(gateway.TurnRequest{ThreadKey: "chan:1", Prompt: "two"})
	f.waitFinished(t)

	require.Len(t, opts, 2)
	assert.False(t, opts[0].Resume)
	assert.True(t, opts[1].Resume)
	assert.Equal(t, "sid-real", opts[1].SessionID)
}

func TestOrchestrator_RejectsConcurrentTurn(t *testing.T) {
	release := make(chan struct{})
	spawner := func(_ context.Context, _ runner.Options) (Process, io.Reader, error) {
		p := &scriptedProcess{exited: release}
		pr, pw := io.Pipe()
		go func() {
			<-release
			pw.Close()
		}()
		return p, pr, nil
	}

	f := newFixture(t, spawner)
	f.orch.HandleTurn(gateway.TurnRequest{ThreadKey: "chan:1", Prompt: "first"})

	// Wait until the turn is actually admitted and running.
	require.Eventually(t, func() bool { return f.registry.HasActive("chan:1") },
		5*time.Second, 10*time.Millisecond)

	f.orch.HandleTurn(gateway.TurnRequest{ThreadKey: "chan:1", Prompt: "second"})

	f.channel.mu.Lock()
	notices := append([]string(nil), f.channel.notices...)
	f.channel.mu.Unlock()
	require.Len(t, notices, 1)
	assert.Equal(t, StillProcessingNotice, notices[0])

	close(release)
	f.waitFinished(t)
	assert.False(t, f.registry.HasActive("chan:1"))
}

func TestOrchestrator_CancelRendersStoppedMarker(t *testing.T) {
	pr, pw := io.Pipe()
	proc := &scriptedProcess{
		exited: make(chan struct{}),
		status: runner.ExitStatus{Signalled: true},
	}
	proc.cancelled = func() {
		pw.Close()
		close(proc.exited)
	}

	spawner := func(_ context.Context, _ runner.Options) (Process, io.Reader, error) {
		go func() {
			pw.Write([]byte(scriptLines(
				`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
				`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial answer"}}`,
			)))
		}()
		return proc, pr, nil
	}

	f := newFixture(t, spawner)
	f.orch.HandleTurn(gateway.TurnRequest{ThreadKey: "chan:1", Prompt: "go"})

	// Wait for the partial text to arrive before cancelling.
	require.Eventually(t, func() bool {
		f.channel.mu.Lock()
		defer f.channel.mu.Unlock()
		return strings.Contains(strings.Join(f.channel.chunks, ""), "partial answer")
	}, 5*time.Second, 10*time.Millisecond)

	f.orch.HandleCancel("chan:1")
	e := f.waitFinished(t)

	assert.Equal(t, events.EventTurnCancelled, e.Type)
	assert.Equal(t, "partial answer\n\n"+sink.StoppedMarker, f.channel.lastSealed(t))
	assert.False(t, f.registry.HasActive("chan:1"))
}

func TestOrchestrator_SpawnFailure(t *testing.T) {
	spawner := func(_ context.Context, _ runner.Options) (Process, io.Reader, error) {
		return nil, nil, errors.New("binary not found")
	}

	f := newFixture(t, spawner)
	f.orch.HandleTurn(gateway.TurnRequest{ThreadKey: "chan:1", Prompt: "go"})
	e := f.waitFinished(t)

	assert.Equal(t, events.EventTurnFailed, e.Type)
	assert.False(t, f.registry.HasActive("chan:1"))

	f.channel.mu.Lock()
	defer f.channel.mu.Unlock()
	require.NotEmpty(t, f.channel.upserts)
	assert.Equal(t, sink.FailureMarker, f.channel.upserts[len(f.channel.upserts)-1])
}

func TestOrchestrator_NoResultEvent(t *testing.T) {
	output := scriptLines(
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"truncated"}}`,
	)
	spawner := func(_ context.Context, _ runner.Options) (Process, io.Reader, error) {
		p := &scriptedProcess{exited: make(chan struct{}), status: runner.ExitStatus{Code: 1}}
		close(p.exited)
		return p, strings.NewReader(output), nil
	}

	f := newFixture(t, spawner)
	f.orch.HandleTurn(gateway.TurnRequest{ThreadKey: "chan:1", Prompt: "go"})
	e := f.waitFinished(t)

	assert.Equal(t, events.EventTurnFailed, e.Type)
	// Accumulated text survives even though the result never arrived.
	assert.Equal(t, "truncated", f.channel.lastSealed(t))
}
