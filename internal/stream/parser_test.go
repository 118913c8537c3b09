// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedLines(t *testing.T, p *Parser, lines ...string) []Event {
	t.Helper()
	var events []Event
	for _, line := range lines {
		events = append(events, p.Feed([]byte(line+"\n"))...)
	}
	return events
}

func TestParser_SessionIdentified(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := feedLines(t, p, `{"type":"system","subtype":"init","session_id":"sid-123"}`)
	require.Len(t, events, 1)
	assert.Equal(t, SessionIdentified{SessionID: "sid-123"}, events[0])
}

func TestParser_TextFlow(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := feedLines(t, p,
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
	)

	require.Equal(t, []Event{
		TextStarted{Index: 0},
		TextDelta{Index: 0, Text: "Hello"},
		TextDelta{Index: 0, Text: " world"},
	}, events)
}

func TestParser_ToolLifecycle(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := feedLines(t, p,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu-1","name":"Bash"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"x\":"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"1}"}}`,
		`{"type":"content_block_stop","index":2}`,
	)

	var started []ToolStarted
	var finished []ToolFinished
	for _, e := range events {
		switch ev := e.(type) {
		case ToolStarted:
			started = append(started, ev)
		case ToolFinished:
			finished = append(finished, ev)
		}
	}

	require.Len(t, started, 1)
	require.Len(t, finished, 1)
	assert.Equal(t, 2, started[0].Index)
	assert.Equal(t, "Bash", started[0].Name)
	assert.Equal(t, started[0].TaskID, finished[0].TaskID)
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, finished[0].Input)
}

func TestParser_ToolInputParseFailure(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := feedLines(t, p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu-1","name":"Read"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{truncated"}}`,
		`{"type":"content_block_stop","index":0}`,
	)

	var finished *ToolFinished
	for _, e := range events {
		if ev, ok := e.(ToolFinished); ok {
			finished = &ev
		}
	}
	require.NotNil(t, finished)
	assert.Empty(t, finished.Input)
	assert.Equal(t, "Read", finished.Title)
}

func TestParser_LateResultUpdatesSameTask(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := feedLines(t, p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu-9","name":"Bash"}}`,
		`{"type":"content_block_stop","index":0}`,
	)
	var first ToolFinished
	for _, e := range events {
		if ev, ok := e.(ToolFinished); ok {
			first = ev
		}
	}
	require.NotZero(t, first.TaskID)

	late := feedLines(t, p,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu-9","content":"Error: exit 1","is_error":true}]}}`,
	)
	require.Len(t, late, 1)
	update, ok := late[0].(ToolFinished)
	require.True(t, ok)
	assert.Equal(t, first.TaskID, update.TaskID)
	assert.True(t, update.IsError)
	assert.Equal(t, "exit 1", update.Output)
}

func TestParser_SubTaskFlow(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := feedLines(t, p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"task-1","name":"Task"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"description\":\"Explore the codebase\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"assistant","parent_tool_use_id":"task-1","message":{"content":[{"type":"tool_use","id":"inner-1","name":"Grep"}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"task-1","content":"done exploring"}]}}`,
	)

	var started *SubTaskStarted
	var progress *SubTaskProgress
	var finished *SubTaskFinished
	for _, e := range events {
		switch ev := e.(type) {
		case SubTaskStarted:
			started = &ev
		case SubTaskProgress:
			progress = &ev
		case SubTaskFinished:
			finished = &ev
		case ToolFinished:
			t.Fatalf("delegation must not complete as a plain tool: %+v", ev)
		}
	}

	require.NotNil(t, started)
	assert.Equal(t, "Explore the codebase", started.Description)
	require.NotNil(t, progress)
	assert.Equal(t, started.TaskID, progress.TaskID)
	assert.Equal(t, "Searching the codebase", progress.Detail)
	require.NotNil(t, finished)
	assert.Equal(t, started.TaskID, finished.TaskID)
	assert.Equal(t, "done exploring", finished.Output)
}

func TestParser_PlanModeDetectedFirst(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := feedLines(t, p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu-1","name":"ExitPlanMode"}}`,
	)

	require.Len(t, events, 2)
	assert.Equal(t, PlanModeEntered{}, events[0])
	started, ok := events[1].(ToolStarted)
	require.True(t, ok)
	assert.True(t, started.Hidden)
	assert.True(t, p.PlanMode())
}

func TestParser_MalformedLineSkipped(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := feedLines(t, p,
		`{"type":"a"}`,
		`not-json`,
		`{"type":"b"}`,
	)

	require.Equal(t, []Event{Unknown{Type: "a"}, Unknown{Type: "b"}}, events)
}

func TestParser_ChunkSplitEquivalence(t *testing.T) {
	payload := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sid-1"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"héllo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"result","subtype":"success","result":"héllo","total_cost_usd":0.01,"duration_ms":900,"num_turns":1}`,
	}, "\n") + "\n"

	whole := NewParser()
	defer whole.Close()
	expected := whole.Feed([]byte(payload))
	expected = append(expected, whole.Flush()...)

	for _, size := range []int{1, 2, 3, 7, 64} {
		chunked := NewParser()
		var events []Event
		for i := 0; i < len(payload); i += size {
			end := i + size
			if end > len(payload) {
				end = len(payload)
			}
			events = append(events, chunked.Feed([]byte(payload[i:end]))...)
		}
		events = append(events, chunked.Flush()...)
		chunked.Close()

		assert.Equal(t, expected, events, "chunk size %d", size)
	}
}

func TestParser_TurnResult(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := feedLines(t, p,
		`{"type":"result","subtype":"success","result":"all done","total_cost_usd":0.25,"duration_ms":4200,"num_turns":3}`,
	)
	require.Len(t, events, 1)
	assert.Equal(t, TurnResult{
		Result:     "all done",
		CostUSD:    0.25,
		DurationMS: 4200,
		NumTurns:   3,
	}, events[0])
}

func TestParser_AssistantFallbackWithoutStreaming(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := feedLines(t, p,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"answer"},{"type":"tool_use","id":"tu-1","name":"Read","input":{"file_path":"/src/main.go"}}]}}`,
	)

	require.Len(t, events, 4)
	assert.Equal(t, TextStarted{Index: 0}, events[0])
	assert.Equal(t, TextDelta{Index: 0, Text: "answer"}, events[1])
	started, ok := events[2].(ToolStarted)
	require.True(t, ok)
	assert.Equal(t, "Read", started.Name)
	finished, ok := events[3].(ToolFinished)
	require.True(t, ok)
	assert.Equal(t, "Read main.go", finished.Title)
}

func TestParser_AssistantIgnoredWhenStreaming(t *testing.T) {
	p := NewParser()
	defer p.Close()

	feedLines(t, p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
	)
	events := feedLines(t, p,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"answer"}]}}`,
	)
	assert.Empty(t, events)
}

func TestParser_FlushHandlesTrailingLine(t *testing.T) {
	p := NewParser()
	defer p.Close()

	events := p.Feed([]byte(`{"type":"result","result":"tail"}`))
	assert.Empty(t, events)
	events = p.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].(TurnResult).Result)
}

func TestCleanOutput(t *testing.T) {
	assert.Equal(t, "boom", CleanOutput("Error: boom"))
	assert.Equal(t, "plain", CleanOutput("  plain  "))

	long := strings.Repeat("x", 300)
	cleaned := CleanOutput(long)
	assert.Len(t, cleaned, outputMaxLen+3)
	assert.True(t, strings.HasSuffix(cleaned, "..."))
}

func TestToolTitle(t *testing.T) {
	assert.Equal(t, "Read main.go", ToolTitle("Read", map[string]interface{}{"file_path": "/a/b/main.go"}))
	assert.Equal(t, "Run: ls -la", ToolTitle("Bash", map[string]interface{}{"command": "ls -la\necho hi"}))
	assert.Equal(t, "Mystery", ToolTitle("Mystery", map[string]interface{}{}))
}
