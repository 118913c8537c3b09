// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events provides the in-process event bus for Switchboard.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by Switchboard components.
const (
	EventTurnStarted   = "turn.started"
	EventTurnRejected  = "turn.rejected"
	EventTurnFinished  = "turn.finished"
	EventTurnCancelled = "turn.cancelled"
	EventTurnFailed    = "turn.failed"

	EventWorkspaceCreated   = "workspace.created"
	EventWorkspaceFallback  = "workspace.fallback"
	EventWorkspaceReclaimed = "workspace.reclaimed"

	EventGatewayConnected = "gateway.connected"
	EventGatewayDegraded  = "gateway.degraded"
)

// Event is an immutable event record.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	ThreadKey string                 `json:"thread_key,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler processes received events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(event Event)

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID uint64

// Bus is a small in-memory pub/sub with a bounded history ring.
type Bus struct {
	mu      sync.RWMutex
	subs    map[SubscriptionID]*subscription
	nextID  uint64
	closed  atomic.Bool
	history []Event
	histMax int
	histPos int
	histLen int
}

type subscription struct {
	pattern string
	handler Handler
}

// NewBus creates a new event bus retaining up to historyMax past events.
func NewBus(historyMax int) *Bus {
	if historyMax <= 0 {
		historyMax = 256
	}
	return &Bus{
		subs:    make(map[SubscriptionID]*subscription),
		history: make([]Event, historyMax),
		histMax: historyMax,
	}
}

// Publish emits an event to all matching subscribers and records it in
// history. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history[b.histPos] = event
	b.histPos = (b.histPos + 1) % b.histMax
	if b.histLen < b.histMax {
		b.histLen++
	}
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if matchPattern(sub.pattern, event.Type) {
			sub.handler(event)
		}
	}
}

// Subscribe registers a handler for events matching pattern. A pattern is
// either an exact type, a prefix ending in ".*", or "*" for everything.
func (b *Bus) Subscribe(pattern string, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := SubscriptionID(b.nextID)
	b.subs[id] = &subscription{pattern: pattern, handler: handler}
	return id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// History returns up to limit most recent events, newest last.
// limit <= 0 returns the full retained history.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.histLen
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	start := b.histPos - n
	for i := 0; i < n; i++ {
		idx := start + i
		if idx < 0 {
			idx += b.histMax
		}
		out = append(out, b.history[idx%b.histMax])
	}
	return out
}

// Close shuts down the bus; subsequent publishes are dropped.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	b.subs = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()
}

func matchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}
