// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether role is one of the four canonical roles.
func (role Role) Valid() bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Dialect names the wire protocol a history is being shaped for.
// The sanitizer and the retry controller need it to decide where tool
// results live and whether strict user/assistant alternation applies.
type Dialect string

const (
	// DialectOpenAI places tool results in role:"tool" messages and
	// tolerates consecutive same-role messages.
	DialectOpenAI Dialect = "openai"

	// DialectAnthropic places tool results in tool_result blocks of
	// the following user message and requires strict alternation.
	DialectAnthropic Dialect = "anthropic"
)

// PartType discriminates the [Part] union.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// Image is an inline or referenced image attached to a message.
// Exactly one of Data (base64) or URL is set.
type Image struct {
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Part is one element of a multi-part message body. The Type field
// selects which of the pointer fields is populated; adapters switch
// on Type rather than probing fields.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	Image      *Image      `json:"image,omitempty"`
	ToolUse    *ToolCall   `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart creates a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ImagePart creates an image part.
func ImagePart(image Image) Part {
	return Part{Type: PartImage, Image: &image}
}

// ToolUsePart creates a tool-use part (Anthropic-style tool call
// embedded in assistant content).
func ToolUsePart(call ToolCall) Part {
	return Part{Type: PartToolUse, ToolUse: &call}
}

// ToolResultPart creates a tool-result part (Anthropic-style tool
// result embedded in user content).
func ToolResultPart(result ToolResult) Part {
	return Part{Type: PartToolResult, ToolResult: &result}
}

// Content is a message body: either plain text or an ordered list of
// typed parts. The zero value is empty text, so a Message never
// carries a null body. Parts is non-nil exactly when the content is
// in parts form.
type Content struct {
	Text  string `json:"-" cbor:"text,omitempty"`
	Parts []Part `json:"-" cbor:"parts,omitempty"`
}

// TextContent creates text content.
func TextContent(text string) Content {
	return Content{Text: text}
}

// PartsContent creates multi-part content. Calling it with no parts
// yields an empty parts list, which is distinct from empty text only
// in its JSON encoding.
func PartsContent(parts ...Part) Content {
	if parts == nil {
		parts = []Part{}
	}
	return Content{Parts: parts}
}

// IsParts reports whether the content is in parts form.
func (content Content) IsParts() bool {
	return content.Parts != nil
}

// IsEmpty reports whether the content carries nothing at all.
func (content Content) IsEmpty() bool {
	if content.IsParts() {
		return len(content.Parts) == 0
	}
	return content.Text == ""
}

// String returns the concatenated text of the content. Non-text parts
// contribute nothing.
func (content Content) String() string {
	if !content.IsParts() {
		return content.Text
	}
	var builder strings.Builder
	for _, part := range content.Parts {
		if part.Type == PartText {
			builder.WriteString(part.Text)
		}
	}
	return builder.String()
}

// PartList returns the content as parts. Text content becomes a single
// text part, or no parts when empty.
func (content Content) PartList() []Part {
	if content.IsParts() {
		return content.Parts
	}
	if content.Text == "" {
		return nil
	}
	return []Part{TextPart(content.Text)}
}

// MarshalJSON encodes text content as a JSON string and parts content
// as a JSON array.
func (content Content) MarshalJSON() ([]byte, error) {
	if content.IsParts() {
		return json.Marshal(content.Parts)
	}
	return json.Marshal(content.Text)
}

// UnmarshalJSON accepts a JSON string, a JSON array of parts, or null
// (decoded as empty text).
func (content *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "" || trimmed == "null":
		*content = Content{}
		return nil
	case strings.HasPrefix(trimmed, "["):
		var parts []Part
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("llm: decoding content parts: %w", err)
		}
		*content = PartsContent(parts...)
		return nil
	default:
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("llm: decoding content text: %w", err)
		}
		*content = TextContent(text)
		return nil
	}
}

// ToolCall is a model-requested tool invocation. IDs are unique
// within an assistant turn and link the call to its [ToolResult].
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage reports token consumption for one provider response.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// Total returns TotalTokens, or the sum of input and output when the
// provider did not report a total.
func (usage Usage) Total() int64 {
	if usage.TotalTokens > 0 {
		return usage.TotalTokens
	}
	return usage.InputTokens + usage.OutputTokens
}

// Meta keys understood by the engine.
const (
	// MetaKind classifies synthetic messages. The compaction engine
	// sets it to MetaKindSummary on the message that replaces a
	// summarized prefix.
	MetaKind        = "kind"
	MetaKindSummary = "summary"
)

// Message is one canonical conversation entry. Messages are treated as
// immutable once appended to a history; components that need a
// different shape produce derived copies.
//
// Tool calls may be carried either in ToolCalls (OpenAI-style) or as
// tool-use parts in Content (Anthropic-style). Tool results may be
// carried either as a role:"tool" message with ToolCallID set or as
// tool-result parts in a user message. Use [Message.Calls] and
// [Message.Results] to read both forms uniformly.
type Message struct {
	Role       Role              `json:"role"`
	Content    Content           `json:"content"`
	Thinking   string            `json:"thinking,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Usage      *Usage            `json:"usage,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// SystemMessage creates a system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: TextContent(text)}
}

// UserMessage creates a user message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: TextContent(text)}
}

// AssistantMessage creates an assistant message with text content and
// optional tool calls.
func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: TextContent(text), ToolCalls: calls}
}

// ToolMessage creates an OpenAI-style tool result message.
func ToolMessage(toolCallID, name, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    TextContent(content),
		ToolCallID: toolCallID,
		Name:       name,
	}
}

// ToolResultMessage creates an Anthropic-style user message carrying
// one tool-result part per result.
func ToolResultMessage(results ...ToolResult) Message {
	parts := make([]Part, 0, len(results))
	for _, result := range results {
		parts = append(parts, ToolResultPart(result))
	}
	return Message{Role: RoleUser, Content: PartsContent(parts...)}
}

// Text returns the concatenated text content of the message.
func (message Message) Text() string {
	return message.Content.String()
}

// Calls returns every tool call carried by the message, from the
// ToolCalls field first and then from tool-use parts, skipping parts
// whose ID duplicates a field entry.
func (message Message) Calls() []ToolCall {
	if message.Role != RoleAssistant {
		return nil
	}
	calls := append([]ToolCall(nil), message.ToolCalls...)
	for _, part := range message.Content.Parts {
		if part.Type != PartToolUse || part.ToolUse == nil {
			continue
		}
		duplicate := false
		for _, existing := range message.ToolCalls {
			if existing.ID != "" && existing.ID == part.ToolUse.ID {
				duplicate = true
				break
			}
		}
		if !duplicate {
			calls = append(calls, *part.ToolUse)
		}
	}
	return calls
}

// Results returns every tool result carried by the message: the
// message itself when it is a role:"tool" message, plus any
// tool-result parts.
func (message Message) Results() []ToolResult {
	var results []ToolResult
	if message.Role == RoleTool {
		results = append(results, ToolResult{
			ToolCallID: message.ToolCallID,
			Content:    message.Content.String(),
		})
	}
	for _, part := range message.Content.Parts {
		if part.Type == PartToolResult && part.ToolResult != nil {
			results = append(results, *part.ToolResult)
		}
	}
	return results
}

// IsToolResultCarrier reports whether the message exists only to carry
// tool results: a role:"tool" message, or a user message whose parts
// are all tool results. Such messages are never valid places to start
// a conversation window.
func (message Message) IsToolResultCarrier() bool {
	if message.Role == RoleTool {
		return true
	}
	if message.Role != RoleUser || !message.Content.IsParts() || len(message.Content.Parts) == 0 {
		return false
	}
	for _, part := range message.Content.Parts {
		if part.Type != PartToolResult {
			return false
		}
	}
	return true
}

// HasText reports whether the message carries non-empty text.
func (message Message) HasText() bool {
	return strings.TrimSpace(message.Text()) != ""
}

// ImageCount returns the number of image parts in the message.
func (message Message) ImageCount() int {
	count := 0
	for _, part := range message.Content.Parts {
		if part.Type == PartImage {
			count++
		}
	}
	return count
}

// IsSummary reports whether the message is a compaction summary.
func (message Message) IsSummary() bool {
	return message.Meta[MetaKind] == MetaKindSummary
}

// Clone returns a deep copy of the message's slices and maps so that
// derived histories never alias the canonical one.
func (message Message) Clone() Message {
	clone := message
	if message.Content.Parts != nil {
		clone.Content.Parts = append([]Part{}, message.Content.Parts...)
	}
	if message.ToolCalls != nil {
		clone.ToolCalls = append([]ToolCall{}, message.ToolCalls...)
	}
	if message.Usage != nil {
		usage := *message.Usage
		clone.Usage = &usage
	}
	if message.Meta != nil {
		clone.Meta = make(map[string]string, len(message.Meta))
		for key, value := range message.Meta {
			clone.Meta[key] = value
		}
	}
	return clone
}

// CloneHistory deep-copies a message slice.
func CloneHistory(history []Message) []Message {
	if history == nil {
		return nil
	}
	clone := make([]Message, len(history))
	for i, message := range history {
		clone[i] = message.Clone()
	}
	return clone
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model         string
	System        string
	Messages      []Message
	Tools         []ToolDefinition
	MaxTokens     int
	Temperature   *float64
	StopSequences []string
}

// StopReason says why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Response is a complete provider response converted to canonical form.
type Response struct {
	Message    Message
	Usage      Usage
	StopReason StopReason
	Model      string
}

// ToolCalls returns the tool calls requested by the response.
func (response Response) ToolCalls() []ToolCall {
	return response.Message.Calls()
}

// Text returns the response's text content.
func (response Response) Text() string {
	return response.Message.Text()
}

// EventType discriminates [StreamEvent].
type EventType string

const (
	// EventStarted is emitted once before any content.
	EventStarted EventType = "started"

	// EventTextDelta carries a text fragment and the cumulative text
	// so far. Consumers may render Cumulative idempotently.
	EventTextDelta EventType = "text_delta"

	// EventReasoningDelta carries the complete reasoning text. It is
	// emitted once at completion, never incrementally.
	EventReasoningDelta EventType = "reasoning_delta"

	// EventDone carries the finished response.
	EventDone EventType = "done"

	// EventError carries an error reported inside the stream.
	EventError EventType = "error"
)

// StreamEvent is one event from an [EventStream].
type StreamEvent struct {
	Type       EventType
	Text       string
	Cumulative string
	Response   *Response
	Error      error
}
