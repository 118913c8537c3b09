// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// outputMaxLen caps the displayed tool output length.
const outputMaxLen = 200

// hiddenTools are internal/meta tool names suppressed from the visible task
// list but still tracked.
var hiddenTools = map[string]bool{
	"TodoWrite":    true,
	"ExitPlanMode": true,
}

// planTool flips the session into plan rendering when invoked.
const planTool = "ExitPlanMode"

// subTaskTool delegates a whole sub-task to a nested agent. Its completion is
// deferred until the matching tool result arrives.
const subTaskTool = "Task"

// ToolPhrase maps a tool name to a user-facing status phrase.
func ToolPhrase(name string) string {
	switch name {
	case "Read":
		return "Reading files"
	case "Write":
		return "Writing files"
	case "Edit", "MultiEdit":
		return "Editing files"
	case "Bash":
		return "Running a command"
	case "Grep", "Glob":
		return "Searching the codebase"
	case "WebFetch":
		return "Fetching a page"
	case "WebSearch":
		return "Searching the web"
	case subTaskTool:
		return "Delegating a sub-task"
	default:
		return "Using " + name
	}
}

// ToolTitle derives a deterministic human-readable title from a tool name and
// its parsed input. Unknown tools fall back to the raw name.
func ToolTitle(name string, input map[string]interface{}) string {
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}

	switch name {
	case "Read", "Write", "Edit", "MultiEdit":
		if path := str("file_path"); path != "" {
			return fmt.Sprintf("%s %s", name, filepath.Base(path))
		}
	case "Bash":
		if cmd := str("command"); cmd != "" {
			return "Run: " + truncate(firstLine(cmd), 60)
		}
	case "Grep":
		if pattern := str("pattern"); pattern != "" {
			return "Search: " + truncate(pattern, 60)
		}
	case "Glob":
		if pattern := str("pattern"); pattern != "" {
			return "Glob: " + pattern
		}
	case "WebFetch":
		if url := str("url"); url != "" {
			return "Fetch: " + truncate(url, 80)
		}
	case "WebSearch":
		if query := str("query"); query != "" {
			return "Search web: " + truncate(query, 60)
		}
	case subTaskTool:
		if desc := str("description"); desc != "" {
			return desc
		}
	}
	return name
}

// CleanOutput normalizes a tool result for display: generic error prefixes
// are stripped and the text is truncated to a short fixed length.
func CleanOutput(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"Error:", "error:", "ERROR:"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	return truncate(s, outputMaxLen)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	// Back off to a rune boundary.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
