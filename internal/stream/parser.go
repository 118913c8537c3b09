// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/groupsio/switchboard/internal/logging"
)

// envelope is one raw NDJSON line from the subprocess.
type envelope struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	Message         json.RawMessage `json:"message,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// stream_event wrapper
	Event json.RawMessage `json:"event,omitempty"`

	// result fields
	Result     string  `json:"result,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	CostUSD    float64 `json:"total_cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

// innerEvent is a content-block event, either wrapped in a stream_event line
// or arriving as a top-level line.
type innerEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
}

// contentBlock is the block payload of a content_block_start or a complete
// message's content entry.
type contentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Text      string          `json:"text,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// openBlock is a content block between start and stop.
type openBlock struct {
	kind string // "text" or "tool_use"
	text strings.Builder
	tool *toolInvocation
}

// toolInvocation tracks one tool-use block from start to completion.
type toolInvocation struct {
	taskID    int
	index     int
	name      string
	toolUseID string
	inputJSON strings.Builder
	hidden    bool
}

// completedTool is retained after completion so a later, independently
// arriving tool result can update the same task.
type completedTool struct {
	taskID int
	index  int
	name   string
	title  string
	input  map[string]interface{}
	hidden bool
}

// subTask is an open delegated sub-task, keyed by the delegating tool-use id.
type subTask struct {
	taskID      int
	toolUseID   string
	description string
}

// Parser is the incremental NDJSON decoder and event state machine for one
// turn. It is not safe for concurrent use; a turn owns its parser.
type Parser struct {
	buf *bytebufferpool.ByteBuffer

	blocks    map[int]*openBlock
	subTasks  map[string]*subTask
	completed map[string]*completedTool

	nextTaskID int
	planMode   bool
	streamed   bool // True once partial stream events have been seen
}

// NewParser creates a parser for one turn.
func NewParser() *Parser {
	return &Parser{
		buf:       bytebufferpool.Get(),
		blocks:    make(map[int]*openBlock),
		subTasks:  make(map[string]*subTask),
		completed: make(map[string]*completedTool),
	}
}

// Close releases the parser's buffer. The parser must not be used afterwards.
func (p *Parser) Close() {
	if p.buf != nil {
		bytebufferpool.Put(p.buf)
		p.buf = nil
	}
}

// Feed consumes one chunk of subprocess output and returns the normalized
// events for every complete line it contained. Chunk boundaries are
// arbitrary; a trailing partial line is retained for the next call.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf.Write(chunk)

	var events []Event
	data := p.buf.B
	start := 0
	for {
		i := bytes.IndexByte(data[start:], '\n')
		if i < 0 {
			break
		}
		events = append(events, p.parseLine(data[start:start+i])...)
		start += i + 1
	}
	if start > 0 {
		n := copy(data, data[start:])
		p.buf.B = data[:n]
	}
	return events
}

// Flush processes any retained partial line as if it were complete. Called
// once at end of stream.
func (p *Parser) Flush() []Event {
	if p.buf.Len() == 0 {
		return nil
	}
	events := p.parseLine(p.buf.B)
	p.buf.Reset()
	return events
}

func (p *Parser) parseLine(line []byte) []Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		logging.Debug().Err(err).Int("len", len(line)).Msg("skipping malformed stream line")
		return nil
	}

	switch env.Type {
	case "system":
		if env.Subtype == "init" && env.SessionID != "" {
			return []Event{SessionIdentified{SessionID: env.SessionID}}
		}
		return nil

	case "stream_event":
		if env.Event == nil {
			return nil
		}
		var inner innerEvent
		if err := json.Unmarshal(env.Event, &inner); err != nil {
			logging.Debug().Err(err).Msg("skipping malformed stream_event payload")
			return nil
		}
		return p.handleInner(inner, env.ParentToolUseID)

	case "content_block_start", "content_block_delta", "content_block_stop":
		var inner innerEvent
		if err := json.Unmarshal(line, &inner); err != nil {
			return nil
		}
		return p.handleInner(inner, env.ParentToolUseID)

	case "assistant":
		return p.handleAssistant(env)

	case "user":
		return p.handleUser(env)

	case "result":
		return []Event{TurnResult{
			IsError:    env.IsError,
			Result:     env.Result,
			CostUSD:    env.CostUSD,
			DurationMS: env.DurationMS,
			NumTurns:   env.NumTurns,
		}}

	default:
		return []Event{Unknown{Type: env.Type}}
	}
}

// handleInner dispatches a content-block event. parentID is set when the
// event originates inside a delegated sub-task.
func (p *Parser) handleInner(inner innerEvent, parentID string) []Event {
	if parentID != "" {
		return p.handleSubTaskActivity(inner, parentID)
	}

	switch inner.Type {
	case "content_block_start":
		p.streamed = true
		return p.startBlock(inner)
	case "content_block_delta":
		return p.deltaBlock(inner)
	case "content_block_stop":
		return p.stopBlock(inner.Index)
	default:
		return nil
	}
}

func (p *Parser) startBlock(inner innerEvent) []Event {
	var cb contentBlock
	if inner.ContentBlock != nil {
		if err := json.Unmarshal(inner.ContentBlock, &cb); err != nil {
			logging.Debug().Err(err).Msg("skipping malformed content_block")
			return nil
		}
	}

	switch cb.Type {
	case "text":
		p.blocks[inner.Index] = &openBlock{kind: "text"}
		return []Event{TextStarted{Index: inner.Index}}

	case "tool_use":
		tool := &toolInvocation{
			taskID:    p.allocTask(),
			index:     inner.Index,
			name:      cb.Name,
			toolUseID: cb.ID,
			hidden:    hiddenTools[cb.Name],
		}
		p.blocks[inner.Index] = &openBlock{kind: "tool_use", tool: tool}

		var events []Event
		if cb.Name == planTool && !p.planMode {
			// Plan mode must be known before anything else renders.
			p.planMode = true
			events = append(events, PlanModeEntered{})
		}
		events = append(events, ToolStarted{
			TaskID: tool.taskID,
			Index:  inner.Index,
			Name:   cb.Name,
			Phrase: ToolPhrase(cb.Name),
			Hidden: tool.hidden,
		})
		return events

	default:
		// Thinking and other block kinds are tracked so deltas have a home
		// but produce no visible events.
		p.blocks[inner.Index] = &openBlock{kind: cb.Type}
		return nil
	}
}

func (p *Parser) deltaBlock(inner innerEvent) []Event {
	block, ok := p.blocks[inner.Index]
	if !ok || inner.Delta == nil {
		return nil
	}

	var d struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	}
	if err := json.Unmarshal(inner.Delta, &d); err != nil {
		return nil
	}

	switch d.Type {
	case "text_delta":
		if block.kind != "text" {
			return nil
		}
		block.text.WriteString(d.Text)
		return []Event{TextDelta{Index: inner.Index, Text: d.Text}}

	case "input_json_delta":
		if block.tool == nil {
			return nil
		}
		block.tool.inputJSON.WriteString(d.PartialJSON)
		return []Event{ToolInputFragment{
			TaskID:   block.tool.taskID,
			Index:    inner.Index,
			Fragment: d.PartialJSON,
		}}
	}
	return nil
}

func (p *Parser) stopBlock(index int) []Event {
	block, ok := p.blocks[index]
	if !ok {
		return nil
	}
	delete(p.blocks, index)

	if block.tool == nil {
		return nil
	}
	return p.finishTool(block.tool)
}

// finishTool closes a tool invocation: its input is parsed, a title derived,
// and it either completes or registers an open sub-task.
func (p *Parser) finishTool(tool *toolInvocation) []Event {
	input := parseToolInput(tool.inputJSON.String())
	title := ToolTitle(tool.name, input)

	if tool.name == subTaskTool {
		description := title
		p.subTasks[tool.toolUseID] = &subTask{
			taskID:      tool.taskID,
			toolUseID:   tool.toolUseID,
			description: description,
		}
		return []Event{SubTaskStarted{
			TaskID:      tool.taskID,
			ToolUseID:   tool.toolUseID,
			Description: description,
		}}
	}

	p.completed[tool.toolUseID] = &completedTool{
		taskID: tool.taskID,
		index:  tool.index,
		name:   tool.name,
		title:  title,
		input:  input,
		hidden: tool.hidden,
	}
	return []Event{ToolFinished{
		TaskID: tool.taskID,
		Index:  tool.index,
		Name:   tool.name,
		Title:  title,
		Input:  input,
		Hidden: tool.hidden,
	}}
}

// handleAssistant processes a complete assistant message. When partial stream
// events are flowing the content is already accounted for; without them the
// complete blocks are synthesized into the same event sequence.
func (p *Parser) handleAssistant(env envelope) []Event {
	if env.ParentToolUseID != "" {
		return p.subTaskMessageProgress(env)
	}
	if p.streamed || env.Message == nil {
		return nil
	}

	var msg struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		logging.Debug().Err(err).Msg("skipping malformed assistant message")
		return nil
	}

	var events []Event
	for i, cb := range msg.Content {
		switch cb.Type {
		case "text":
			events = append(events,
				TextStarted{Index: i},
				TextDelta{Index: i, Text: cb.Text},
			)
		case "tool_use":
			tool := &toolInvocation{
				taskID:    p.allocTask(),
				index:     i,
				name:      cb.Name,
				toolUseID: cb.ID,
				hidden:    hiddenTools[cb.Name],
			}
			tool.inputJSON.Write(cb.Input)
			if cb.Name == planTool && !p.planMode {
				p.planMode = true
				events = append(events, PlanModeEntered{})
			}
			events = append(events, ToolStarted{
				TaskID: tool.taskID,
				Index:  i,
				Name:   cb.Name,
				Phrase: ToolPhrase(cb.Name),
				Hidden: tool.hidden,
			})
			events = append(events, p.finishTool(tool)...)
		}
	}
	return events
}

// handleUser processes tool results, which arrive in user-role messages and
// are correlated by tool-use id.
func (p *Parser) handleUser(env envelope) []Event {
	if env.Message == nil {
		return nil
	}
	var msg struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return nil
	}

	var events []Event
	for _, cb := range msg.Content {
		if cb.Type != "tool_result" || cb.ToolUseID == "" {
			continue
		}
		output := CleanOutput(resultText(cb.Content))

		if st, ok := p.subTasks[cb.ToolUseID]; ok {
			delete(p.subTasks, cb.ToolUseID)
			events = append(events, SubTaskFinished{
				TaskID:    st.taskID,
				ToolUseID: st.toolUseID,
				Output:    output,
				IsError:   cb.IsError,
			})
			continue
		}

		// A result for an already-finished tool updates the same task.
		if ct, ok := p.completed[cb.ToolUseID]; ok {
			events = append(events, ToolFinished{
				TaskID:  ct.taskID,
				Index:   ct.index,
				Name:    ct.name,
				Title:   ct.title,
				Input:   ct.input,
				Output:  output,
				IsError: cb.IsError,
				Hidden:  ct.hidden,
			})
		}
	}
	return events
}

// subTaskMessageProgress reports tool activity from a complete message
// emitted inside a delegated sub-task.
func (p *Parser) subTaskMessageProgress(env envelope) []Event {
	st, ok := p.subTasks[env.ParentToolUseID]
	if !ok || env.Message == nil {
		return nil
	}
	var msg struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return nil
	}

	var events []Event
	for _, cb := range msg.Content {
		if cb.Type == "tool_use" && cb.Name != "" {
			events = append(events, SubTaskProgress{
				TaskID:    st.taskID,
				ToolUseID: st.toolUseID,
				Detail:    ToolPhrase(cb.Name),
			})
		}
	}
	return events
}

// handleSubTaskActivity turns events carrying a parent correlation marker
// into progress updates on the delegating sub-task.
func (p *Parser) handleSubTaskActivity(inner innerEvent, parentID string) []Event {
	st, ok := p.subTasks[parentID]
	if !ok {
		return nil
	}

	if inner.Type == "content_block_start" && inner.ContentBlock != nil {
		var cb contentBlock
		if json.Unmarshal(inner.ContentBlock, &cb) == nil && cb.Type == "tool_use" && cb.Name != "" {
			return []Event{SubTaskProgress{
				TaskID:    st.taskID,
				ToolUseID: st.toolUseID,
				Detail:    ToolPhrase(cb.Name),
			}}
		}
	}
	return nil
}

func (p *Parser) allocTask() int {
	p.nextTaskID++
	return p.nextTaskID
}

// PlanMode reports whether a plan-tool invocation switched the session into
// plan rendering.
func (p *Parser) PlanMode() bool {
	return p.planMode
}

// parseToolInput parses accumulated input JSON, tolerating failure by
// returning an empty object.
func parseToolInput(raw string) map[string]interface{} {
	input := make(map[string]interface{})
	if raw == "" {
		return input
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		logging.Debug().Err(err).Msg("tool input did not parse, using empty object")
		return make(map[string]interface{})
	}
	return input
}

// resultText extracts display text from a tool result's content, which is
// either a plain string or a list of typed parts.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			if part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
		return b.String()
	}
	return ""
}
