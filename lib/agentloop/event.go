// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentloop

import (
	"sync"

	"github.com/bureau-foundation/agentwire/lib/llm"
)

// EventType identifies a loop event.
type EventType string

const (
	EventStreamStart  EventType = "assistant_stream_start"
	EventStreamDelta  EventType = "assistant_stream_delta"
	EventStreamStop   EventType = "assistant_stream_stop"
	EventFinal        EventType = "assistant_final"
	EventCompacted    EventType = "context_compacted"
	EventToolStart    EventType = "tool_execution_start"
	EventToolResult   EventType = "tool_execution_result"
	EventSubagentDone EventType = "subagent_complete"
	EventPlanUpdated  EventType = "plan_updated"
	EventError        EventType = "error"
)

// Stream delta channels.
const (
	ChannelText      = "text"
	ChannelReasoning = "reasoning"
)

// Event is one observable step of a turn. Which fields are set depends
// on Type; the JSON form is what cmd/agentwire writes in JSON mode.
type Event struct {
	Type EventType `json:"type"`

	// SessionID identifies the session that produced the event.
	SessionID string `json:"session_id,omitempty"`

	// Step is the zero-based request index within the turn.
	Step int `json:"step"`

	// Channel is ChannelText or ChannelReasoning for stream deltas.
	Channel string `json:"channel,omitempty"`

	// Content is the cumulative text for stream deltas, the final
	// text for assistant_final, and the error text for error events.
	Content string `json:"content,omitempty"`

	// Delta is the new fragment carried by a text stream delta.
	Delta string `json:"delta,omitempty"`

	Thinking string     `json:"thinking,omitempty"`
	Usage    *llm.Usage `json:"usage,omitempty"`

	// Messages carries the response messages for assistant_final and
	// the compacted history for context_compacted.
	Messages []llm.Message `json:"messages,omitempty"`

	Summary        string `json:"summary,omitempty"`
	TrimmedCount   int    `json:"trimmed_count,omitempty"`
	PreservedCount int    `json:"preserved_count,omitempty"`

	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`

	// Task is the task description of a completed sub-agent.
	Task string `json:"task,omitempty"`

	Plan *Plan `json:"plan,omitempty"`
}

// EventSink receives loop events. Events are delivered from the
// goroutine running the turn, in order.
type EventSink interface {
	Emit(event Event)
}

// EventSinkFunc adapts a function to [EventSink].
type EventSinkFunc func(event Event)

// Emit calls the function.
func (function EventSinkFunc) Emit(event Event) {
	function(event)
}

// discardSink drops every event.
type discardSink struct{}

func (discardSink) Emit(Event) {}

// Recorder is an [EventSink] that keeps every event. It is safe for
// concurrent use.
type Recorder struct {
	mutex  sync.Mutex
	events []Event
}

// Emit records the event.
func (recorder *Recorder) Emit(event Event) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.events = append(recorder.events, event)
}

// Events returns a copy of the recorded events.
func (recorder *Recorder) Events() []Event {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]Event(nil), recorder.events...)
}

// Types returns the recorded event types in order.
func (recorder *Recorder) Types() []EventType {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	types := make([]EventType, len(recorder.events))
	for index, event := range recorder.events {
		types[index] = event.Type
	}
	return types
}
