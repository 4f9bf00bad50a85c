// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// OpenAI is the [Adapter] for the OpenAI Chat Completions wire format,
// shared by OpenAI, Azure OpenAI, OpenRouter, vLLM, Ollama, llama.cpp
// and most hosted proxies. Requests go to {endpoint}/chat/completions
// with bearer authentication.
type OpenAI struct {
	endpoint  string
	apiKey    string
	extractor ToolCallExtractor
}

// NewOpenAI creates an OpenAI adapter. endpoint is the API base URL
// (for example "https://api.openai.com/v1"). extractor may be nil to
// disable implicit tool call recovery.
func NewOpenAI(endpoint, apiKey string, extractor ToolCallExtractor) *OpenAI {
	return &OpenAI{
		endpoint:  strings.TrimRight(endpoint, "/"),
		apiKey:    apiKey,
		extractor: extractor,
	}
}

// Dialect returns [DialectOpenAI].
func (adapter *OpenAI) Dialect() Dialect { return DialectOpenAI }

// Endpoint returns the chat completions URL.
func (adapter *OpenAI) Endpoint() string {
	return adapter.endpoint + "/chat/completions"
}

// Headers returns the bearer authorization header, when a key is set.
func (adapter *OpenAI) Headers() map[string]string {
	headers := map[string]string{}
	if adapter.apiKey != "" {
		headers["Authorization"] = "Bearer " + adapter.apiKey
	}
	return headers
}

// ToWire converts a canonical request to the OpenAI wire format.
// Tool choice is "auto" whenever tools are offered. Assistant thinking
// is not sent back.
func (adapter *OpenAI) ToWire(request Request, stream bool) ([]byte, error) {
	wireRequest := openaiRequest{
		Model:       request.Model,
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
	}
	if len(request.StopSequences) > 0 {
		wireRequest.Stop = request.StopSequences
	}
	if stream {
		wireRequest.Stream = true
		wireRequest.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}

	if request.System != "" {
		wireRequest.Messages = append(wireRequest.Messages, openaiMessage{
			Role:    "system",
			Content: openaiTextContent(request.System),
		})
	}
	for _, message := range request.Messages {
		wireRequest.Messages = append(wireRequest.Messages, toOpenAIMessages(message)...)
	}

	for _, tool := range request.Tools {
		parameters := tool.InputSchema
		if len(parameters) == 0 {
			parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		wireRequest.Tools = append(wireRequest.Tools, openaiTool{
			Type: "function",
			Function: openaiToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  parameters,
			},
		})
	}
	if len(wireRequest.Tools) > 0 {
		wireRequest.ToolChoice = "auto"
	}

	data, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("llm/openai: marshaling request: %w", err)
	}
	return data, nil
}

// FromWire converts a non-streaming response body.
func (adapter *OpenAI) FromWire(body []byte) (*Response, error) {
	return decodeResponse[openaiResponse](body, "llm/openai", adapter.extractor)
}

// NewEventStream creates an EventStream over an OpenAI SSE body. Text
// deltas are emitted as they arrive; reasoning, tool calls and usage
// are delivered with the final [EventDone].
func (adapter *OpenAI) NewEventStream(body io.ReadCloser) *EventStream {
	scanner := NewSSEScanner(body)
	aggregator := NewDeltaAggregator(adapter.extractor)

	var pending []StreamEvent
	started := false
	finished := false

	next := func() (StreamEvent, error) {
		if len(pending) > 0 {
			event := pending[0]
			pending = pending[1:]
			return event, nil
		}
		if !started {
			started = true
			return StreamEvent{Type: EventStarted}, nil
		}
		if finished {
			return StreamEvent{}, io.EOF
		}

		for !aggregator.Done() && scanner.Next() {
			delta, visible := aggregator.Feed(scanner.Event().Data)
			if err := aggregator.Err(); err != nil {
				finished = true
				return StreamEvent{Type: EventError, Error: err}, nil
			}
			if visible {
				return StreamEvent{Type: EventTextDelta, Text: delta.Fragment, Cumulative: delta.Cumulative}, nil
			}
		}
		if err := scanner.Err(); err != nil && !aggregator.Done() {
			return StreamEvent{}, &TransportError{Op: "llm/openai: reading SSE", Err: err}
		}

		finished = true
		response := aggregator.Finish()
		if reasoning := aggregator.Reasoning(); reasoning != "" {
			pending = append(pending, StreamEvent{Type: EventDone, Response: &response})
			return StreamEvent{Type: EventReasoningDelta, Text: reasoning, Cumulative: reasoning}, nil
		}
		return StreamEvent{Type: EventDone, Response: &response}, nil
	}

	return NewEventStream(next, body)
}

// --- OpenAI wire types ---
//
// Content fields are json.RawMessage because OpenAI's content is
// polymorphic: a JSON string for text, an array of parts for
// multimodal input, or null on assistant messages that only call
// tools.

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	ToolChoice    string               `json:"tool_choice,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role             string              `json:"role"`
	Content          json.RawMessage     `json:"content"`
	ReasoningContent string              `json:"reasoning_content,omitempty"`
	Reasoning        string              `json:"reasoning,omitempty"`
	ToolCalls        []openaiToolCall    `json:"tool_calls,omitempty"`
	FunctionCall     *openaiToolFunction `json:"function_call,omitempty"`
	ToolCallID       string              `json:"tool_call_id,omitempty"`
	Name             string              `json:"name,omitempty"`
}

type openaiContentPart struct {
	Type     string             `json:"type"`
	Text     string             `json:"text,omitempty"`
	ImageURL *openaiImageSource `json:"image_url,omitempty"`
}

type openaiImageSource struct {
	URL string `json:"url"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

// openaiToolFunction keeps Arguments raw: the standard is a JSON
// string, but some servers send an object.
type openaiToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type openaiTool struct {
	Type     string               `json:"type"`
	Function openaiToolDefinition `json:"function"`
}

type openaiToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens        int64                      `json:"prompt_tokens"`
	CompletionTokens    int64                      `json:"completion_tokens"`
	TotalTokens         int64                      `json:"total_tokens"`
	PromptTokensDetails *openaiPromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

type openaiPromptTokensDetails struct {
	CachedTokens int64 `json:"cached_tokens"`
}

func (wireUsage *openaiUsage) toUsage() Usage {
	usage := Usage{
		InputTokens:  wireUsage.PromptTokens,
		OutputTokens: wireUsage.CompletionTokens,
		TotalTokens:  wireUsage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	if wireUsage.PromptTokensDetails != nil {
		usage.CacheReadTokens = wireUsage.PromptTokensDetails.CachedTokens
	}
	return usage
}

// Streaming chunks use "delta" instead of "message", and tool call
// fragments carry an index for multiplexing concurrent calls.

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *openaiStreamError   `json:"error,omitempty"`
}

type openaiStreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type openaiStreamChoice struct {
	Index        int               `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Role             string                 `json:"role,omitempty"`
	Content          json.RawMessage        `json:"content,omitempty"`
	ReasoningContent string                 `json:"reasoning_content,omitempty"`
	Reasoning        string                 `json:"reasoning,omitempty"`
	ToolCalls        []openaiStreamToolCall `json:"tool_calls,omitempty"`
}

type openaiStreamToolCall struct {
	Index    int                       `json:"index"`
	ID       string                    `json:"id,omitempty"`
	Type     string                    `json:"type,omitempty"`
	Function *openaiStreamToolFunction `json:"function,omitempty"`
}

type openaiStreamToolFunction struct {
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// --- Wire type helpers ---

func openaiTextContent(text string) json.RawMessage {
	data, _ := json.Marshal(text)
	return data
}

// openaiContentText extracts text from a content field holding either
// a JSON string or an array of content parts.
func openaiContentText(content json.RawMessage) string {
	if len(content) == 0 || string(content) == "null" {
		return ""
	}
	var text string
	if json.Unmarshal(content, &text) == nil {
		return text
	}
	var parts []openaiContentPart
	if json.Unmarshal(content, &parts) == nil {
		var builder strings.Builder
		for _, part := range parts {
			if part.Type == "text" {
				builder.WriteString(part.Text)
			}
		}
		return builder.String()
	}
	return ""
}

// --- Wire type conversions ---

// toOpenAIMessages converts a canonical message to one or more wire
// messages. A user message carrying tool-result parts produces one
// role:"tool" message per result, since OpenAI has no tool-result
// content block.
func toOpenAIMessages(message Message) []openaiMessage {
	switch message.Role {
	case RoleAssistant:
		return []openaiMessage{toOpenAIAssistantMessage(message)}
	case RoleUser:
		return toOpenAIUserMessages(message)
	case RoleTool:
		return []openaiMessage{{
			Role:       "tool",
			Content:    openaiTextContent(message.Text()),
			ToolCallID: message.ToolCallID,
		}}
	default:
		return []openaiMessage{{Role: string(message.Role), Content: openaiTextContent(message.Text())}}
	}
}

func toOpenAIAssistantMessage(message Message) openaiMessage {
	wire := openaiMessage{Role: "assistant"}
	for _, call := range message.Calls() {
		arguments, _ := json.Marshal(EncodeArgs(call.Args))
		wire.ToolCalls = append(wire.ToolCalls, openaiToolCall{
			ID:   call.ID,
			Type: "function",
			Function: openaiToolFunction{
				Name:      call.Name,
				Arguments: arguments,
			},
		})
	}

	text := message.Text()
	switch {
	case text != "":
		wire.Content = openaiTextContent(text)
	case len(wire.ToolCalls) > 0:
		wire.Content = json.RawMessage("null")
	default:
		wire.Content = openaiTextContent("")
	}
	return wire
}

// toOpenAIUserMessages flushes text and image parts into user messages
// and emits tool results as role:"tool" messages, keeping their order.
func toOpenAIUserMessages(message Message) []openaiMessage {
	if !message.Content.IsParts() {
		return []openaiMessage{{Role: "user", Content: openaiTextContent(message.Content.Text)}}
	}

	var messages []openaiMessage
	var pending []openaiContentPart
	hasImage := false

	flush := func() {
		if len(pending) == 0 {
			return
		}
		var content json.RawMessage
		if hasImage {
			content, _ = json.Marshal(pending)
		} else {
			var builder strings.Builder
			for _, part := range pending {
				builder.WriteString(part.Text)
			}
			content = openaiTextContent(builder.String())
		}
		messages = append(messages, openaiMessage{Role: "user", Content: content})
		pending = nil
		hasImage = false
	}

	for _, part := range message.Content.Parts {
		switch part.Type {
		case PartText:
			pending = append(pending, openaiContentPart{Type: "text", Text: part.Text})
		case PartImage:
			if part.Image == nil {
				continue
			}
			url := part.Image.URL
			if url == "" {
				url = "data:" + part.Image.MediaType + ";base64," + part.Image.Data
			}
			pending = append(pending, openaiContentPart{Type: "image_url", ImageURL: &openaiImageSource{URL: url}})
			hasImage = true
		case PartToolResult:
			if part.ToolResult == nil {
				continue
			}
			flush()
			messages = append(messages, openaiMessage{
				Role:       "tool",
				Content:    openaiTextContent(part.ToolResult.Content),
				ToolCallID: part.ToolResult.ToolCallID,
			})
		}
	}
	flush()

	if len(messages) == 0 {
		messages = append(messages, openaiMessage{Role: "user", Content: openaiTextContent("")})
	}
	return messages
}

func (wireResponse *openaiResponse) toResponse(extractor ToolCallExtractor) *Response {
	response := &Response{Model: wireResponse.Model}
	if wireResponse.Usage != nil {
		response.Usage = wireResponse.Usage.toUsage()
	}

	message := Message{Role: RoleAssistant}
	if len(wireResponse.Choices) > 0 {
		choice := wireResponse.Choices[0]
		response.StopReason = mapOpenAIFinishReason(choice.FinishReason)

		message.Content = TextContent(openaiContentText(choice.Message.Content))
		message.Thinking = choice.Message.ReasoningContent
		if message.Thinking == "" {
			message.Thinking = choice.Message.Reasoning
		}

		for _, toolCall := range choice.Message.ToolCalls {
			id := toolCall.ID
			if id == "" {
				id = NewCallID()
			}
			message.ToolCalls = append(message.ToolCalls, ToolCall{
				ID:   id,
				Name: toolCall.Function.Name,
				Args: ParseArgs(rawText(toolCall.Function.Arguments)),
			})
		}
		if legacy := choice.Message.FunctionCall; legacy != nil && legacy.Name != "" && len(message.ToolCalls) == 0 {
			message.ToolCalls = append(message.ToolCalls, ToolCall{
				ID:   NewCallID(),
				Name: legacy.Name,
				Args: ParseArgs(rawText(legacy.Arguments)),
			})
		}
	}

	if len(message.ToolCalls) == 0 && extractor != nil {
		message.ToolCalls = extractor.ExtractToolCalls(message.Text())
		if len(message.ToolCalls) > 0 && response.StopReason == StopReasonEndTurn {
			response.StopReason = StopReasonToolUse
		}
	}
	if wireResponse.Usage != nil {
		usage := response.Usage
		message.Usage = &usage
	}
	response.Message = message
	return response
}

func mapOpenAIFinishReason(reason string) StopReason {
	switch reason {
	case "stop":
		return StopReasonEndTurn
	case "tool_calls", "function_call":
		return StopReasonToolUse
	case "length":
		return StopReasonMaxTokens
	default:
		// Preserve unknown reasons (e.g., "content_filter") as-is.
		return StopReason(reason)
	}
}
