// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// AnthropicVersion is the anthropic-version header value sent with
// every request.
const AnthropicVersion = "2023-06-01"

// emptyAssistantText stands in for an assistant turn that has nothing
// to send, since the Messages API rejects empty content.
const emptyAssistantText = "(no content)"

// Anthropic is the [Adapter] for the Anthropic Messages API. Requests
// go to {endpoint}/v1/messages with x-api-key authentication.
type Anthropic struct {
	endpoint  string
	apiKey    string
	extractor ToolCallExtractor
}

// NewAnthropic creates an Anthropic adapter. endpoint is the API base
// URL without the /v1 suffix (for example "https://api.anthropic.com").
// extractor may be nil to disable implicit tool call recovery.
func NewAnthropic(endpoint, apiKey string, extractor ToolCallExtractor) *Anthropic {
	return &Anthropic{
		endpoint:  strings.TrimRight(endpoint, "/"),
		apiKey:    apiKey,
		extractor: extractor,
	}
}

// Dialect returns [DialectAnthropic].
func (adapter *Anthropic) Dialect() Dialect { return DialectAnthropic }

// Endpoint returns the messages URL.
func (adapter *Anthropic) Endpoint() string {
	return adapter.endpoint + "/v1/messages"
}

// Headers returns the API key and protocol version headers.
func (adapter *Anthropic) Headers() map[string]string {
	headers := map[string]string{"anthropic-version": AnthropicVersion}
	if adapter.apiKey != "" {
		headers["x-api-key"] = adapter.apiKey
	}
	return headers
}

// ToWire converts a canonical request to the Anthropic wire format.
//
// System messages inside the history are hoisted into the top-level
// system field, after the request's own system prompt. Role:"tool"
// messages become tool_result blocks in a user message, and adjacent
// messages that map to the same wire role are merged. Assistant
// thinking that accompanies tool calls is re-emitted as the leading
// text block, mirroring how it is parsed back.
func (adapter *Anthropic) ToWire(request Request, stream bool) ([]byte, error) {
	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	wireRequest := anthropicRequest{
		Model:         request.Model,
		MaxTokens:     maxTokens,
		Stream:        stream,
		Temperature:   request.Temperature,
		StopSequences: request.StopSequences,
	}

	systemParts := []string{}
	if request.System != "" {
		systemParts = append(systemParts, request.System)
	}
	for _, message := range request.Messages {
		if message.Role == RoleSystem {
			if text := message.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}
		wire := toAnthropicMessage(message)
		if count := len(wireRequest.Messages); count > 0 && wireRequest.Messages[count-1].Role == wire.Role {
			previous := &wireRequest.Messages[count-1]
			previous.Content = append(previous.Content, wire.Content...)
			continue
		}
		wireRequest.Messages = append(wireRequest.Messages, wire)
	}
	wireRequest.System = strings.Join(systemParts, "\n\n")

	for index := range wireRequest.Messages {
		if len(wireRequest.Messages[index].Content) == 0 {
			wireRequest.Messages[index].Content = []anthropicContentBlock{{Type: "text", Text: emptyAssistantText}}
		}
	}

	for _, tool := range request.Tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		wireRequest.Tools = append(wireRequest.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	data, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("llm/anthropic: marshaling request: %w", err)
	}
	return data, nil
}

// FromWire converts a non-streaming response body.
func (adapter *Anthropic) FromWire(body []byte) (*Response, error) {
	return decodeResponse[anthropicResponse](body, "llm/anthropic", adapter.extractor)
}

// NewEventStream creates an EventStream over an Anthropic SSE body.
// Text deltas are emitted with the cumulative text of all text blocks.
// Thinking and tool input are buffered until message_stop, when the
// thinking blocks are emitted as one reasoning delta. Text that turns
// out to precede a tool_use block has already streamed as text, so it
// is filed under the final message's Thinking but is not sent again.
func (adapter *Anthropic) NewEventStream(body io.ReadCloser) *EventStream {
	scanner := NewSSEScanner(body)

	partials := make(map[int]*anthropicPartialBlock)
	var cumulative strings.Builder
	var usage Usage
	var model string
	var stopReason StopReason
	var pending []StreamEvent
	started := false
	finished := false

	finish := func() StreamEvent {
		finished = true
		indexes := make([]int, 0, len(partials))
		for index := range partials {
			indexes = append(indexes, index)
		}
		sort.Ints(indexes)
		blocks := make([]anthropicContentBlock, 0, len(indexes))
		var reasoning []string
		for _, index := range indexes {
			block := partials[index].toWireBlock()
			blocks = append(blocks, block)
			if block.Type == "thinking" && block.Thinking != "" {
				reasoning = append(reasoning, block.Thinking)
			}
		}

		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		response := &Response{
			Message:    assembleAnthropicMessage(blocks, adapter.extractor),
			Usage:      usage,
			StopReason: stopReason,
			Model:      model,
		}
		messageUsage := usage
		response.Message.Usage = &messageUsage
		if len(response.Message.ToolCalls) > 0 && response.StopReason != StopReasonToolUse {
			response.StopReason = StopReasonToolUse
		}

		done := StreamEvent{Type: EventDone, Response: response}
		if thinking := strings.Join(reasoning, "\n"); thinking != "" {
			pending = append(pending, done)
			return StreamEvent{Type: EventReasoningDelta, Text: thinking, Cumulative: thinking}
		}
		return done
	}

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

		for scanner.Next() {
			sseEvent := scanner.Event()
			data := []byte(sseEvent.Data)

			switch sseEvent.Type {
			case "message_start":
				var envelope struct {
					Message struct {
						Model string         `json:"model"`
						Usage anthropicUsage `json:"usage"`
					} `json:"message"`
				}
				if json.Unmarshal(data, &envelope) != nil {
					continue
				}
				model = envelope.Message.Model
				usage = envelope.Message.Usage.toUsage()

			case "content_block_start":
				var envelope struct {
					Index        int                   `json:"index"`
					ContentBlock anthropicContentBlock `json:"content_block"`
				}
				if json.Unmarshal(data, &envelope) != nil {
					continue
				}
				partial := &anthropicPartialBlock{
					blockType: envelope.ContentBlock.Type,
					id:        envelope.ContentBlock.ID,
					name:      envelope.ContentBlock.Name,
				}
				partial.text.WriteString(envelope.ContentBlock.Text)
				partial.text.WriteString(envelope.ContentBlock.Thinking)
				partials[envelope.Index] = partial

			case "content_block_delta":
				var envelope struct {
					Index int `json:"index"`
					Delta struct {
						Type        string `json:"type"`
						Text        string `json:"text"`
						Thinking    string `json:"thinking"`
						PartialJSON string `json:"partial_json"`
					} `json:"delta"`
				}
				if json.Unmarshal(data, &envelope) != nil {
					continue
				}
				partial, ok := partials[envelope.Index]
				if !ok {
					continue
				}
				switch envelope.Delta.Type {
				case "text_delta":
					partial.text.WriteString(envelope.Delta.Text)
					if envelope.Delta.Text != "" {
						cumulative.WriteString(envelope.Delta.Text)
						return StreamEvent{
							Type:       EventTextDelta,
							Text:       envelope.Delta.Text,
							Cumulative: cumulative.String(),
						}, nil
					}
				case "thinking_delta":
					partial.text.WriteString(envelope.Delta.Thinking)
				case "input_json_delta":
					partial.inputJSON.WriteString(envelope.Delta.PartialJSON)
				}

			case "message_delta":
				var envelope struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int64 `json:"output_tokens"`
					} `json:"usage"`
				}
				if json.Unmarshal(data, &envelope) != nil {
					continue
				}
				if envelope.Delta.StopReason != "" {
					stopReason = mapAnthropicStopReason(envelope.Delta.StopReason)
				}
				// Output tokens in message_delta are cumulative.
				if envelope.Usage.OutputTokens > 0 {
					usage.OutputTokens = envelope.Usage.OutputTokens
				}

			case "message_stop":
				return finish(), nil

			case "error":
				finished = true
				var envelope struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
					return StreamEvent{
						Type:  EventError,
						Error: fmt.Errorf("llm/anthropic: stream error: %s: %s", envelope.Error.Type, envelope.Error.Message),
					}, nil
				}
				return StreamEvent{
					Type:  EventError,
					Error: fmt.Errorf("llm/anthropic: stream error: %s", sseEvent.Data),
				}, nil
			}
			// content_block_stop, ping and unknown event types carry
			// nothing the final message needs.
		}

		if err := scanner.Err(); err != nil {
			return StreamEvent{}, &TransportError{Op: "llm/anthropic: reading SSE", Err: err}
		}
		// Body ended without message_stop: deliver what arrived.
		return finish(), nil
	}

	return NewEventStream(next, body)
}

// --- Anthropic wire types ---

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string                `json:"type"`
	Text      string                `json:"text,omitempty"`
	Thinking  string                `json:"thinking,omitempty"`
	ID        string                `json:"id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Input     json.RawMessage       `json:"input,omitempty"`
	ToolUseID string                `json:"tool_use_id,omitempty"`
	Content   json.RawMessage       `json:"content,omitempty"`
	IsError   bool                  `json:"is_error,omitempty"`
	Source    *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

func (wireUsage anthropicUsage) toUsage() Usage {
	return Usage{
		InputTokens:      wireUsage.InputTokens,
		OutputTokens:     wireUsage.OutputTokens,
		TotalTokens:      wireUsage.InputTokens + wireUsage.OutputTokens,
		CacheReadTokens:  wireUsage.CacheReadInputTokens,
		CacheWriteTokens: wireUsage.CacheCreationInputTokens,
	}
}

// anthropicPartialBlock is a content block being assembled from
// streaming events. text holds text or thinking depending on the
// block type.
type anthropicPartialBlock struct {
	blockType string
	id        string
	name      string
	text      strings.Builder
	inputJSON strings.Builder
}

func (block *anthropicPartialBlock) toWireBlock() anthropicContentBlock {
	switch block.blockType {
	case "tool_use":
		return anthropicContentBlock{
			Type:  "tool_use",
			ID:    block.id,
			Name:  block.name,
			Input: json.RawMessage(block.inputJSON.String()),
		}
	case "thinking":
		return anthropicContentBlock{Type: "thinking", Thinking: block.text.String()}
	default:
		return anthropicContentBlock{Type: block.blockType, Text: block.text.String()}
	}
}

// --- Wire type conversions ---

func toAnthropicMessage(message Message) anthropicMessage {
	switch message.Role {
	case RoleAssistant:
		return anthropicMessage{Role: "assistant", Content: toAnthropicAssistantBlocks(message)}
	case RoleTool:
		content, _ := json.Marshal(message.Text())
		return anthropicMessage{Role: "user", Content: []anthropicContentBlock{{
			Type:      "tool_result",
			ToolUseID: message.ToolCallID,
			Content:   content,
		}}}
	default:
		return anthropicMessage{Role: "user", Content: toAnthropicUserBlocks(message)}
	}
}

func toAnthropicAssistantBlocks(message Message) []anthropicContentBlock {
	calls := message.Calls()
	var blocks []anthropicContentBlock
	if message.Thinking != "" && len(calls) > 0 {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: message.Thinking})
	}
	if text := message.Text(); text != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: text})
	}
	for _, call := range calls {
		blocks = append(blocks, anthropicContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: json.RawMessage(EncodeArgs(call.Args)),
		})
	}
	return blocks
}

// toAnthropicUserBlocks places tool results before any other content,
// as the Messages API requires results to lead the user turn.
func toAnthropicUserBlocks(message Message) []anthropicContentBlock {
	var results, others []anthropicContentBlock
	for _, part := range message.Content.PartList() {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				others = append(others, anthropicContentBlock{Type: "text", Text: part.Text})
			}
		case PartImage:
			if part.Image == nil {
				continue
			}
			source := &anthropicImageSource{Type: "base64", MediaType: part.Image.MediaType, Data: part.Image.Data}
			if part.Image.URL != "" {
				source = &anthropicImageSource{Type: "url", URL: part.Image.URL}
			}
			others = append(others, anthropicContentBlock{Type: "image", Source: source})
		case PartToolResult:
			if part.ToolResult == nil {
				continue
			}
			content, _ := json.Marshal(part.ToolResult.Content)
			results = append(results, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: part.ToolResult.ToolCallID,
				Content:   content,
				IsError:   part.ToolResult.IsError,
			})
		}
	}
	return append(results, others...)
}

func (wireResponse *anthropicResponse) toResponse(extractor ToolCallExtractor) *Response {
	response := &Response{
		Message:    assembleAnthropicMessage(wireResponse.Content, extractor),
		StopReason: mapAnthropicStopReason(wireResponse.StopReason),
		Model:      wireResponse.Model,
		Usage:      wireResponse.Usage.toUsage(),
	}
	usage := response.Usage
	response.Message.Usage = &usage
	if len(response.Message.ToolCalls) > 0 && response.StopReason == StopReasonEndTurn {
		response.StopReason = StopReasonToolUse
	}
	return response
}

// assembleAnthropicMessage converts response blocks into a canonical
// assistant message. Thinking blocks, and any text that precedes the
// first tool_use block, become Thinking; the remaining text becomes
// content.
func assembleAnthropicMessage(blocks []anthropicContentBlock, extractor ToolCallExtractor) Message {
	firstToolUse := -1
	for index, block := range blocks {
		if block.Type == "tool_use" {
			firstToolUse = index
			break
		}
	}

	message := Message{Role: RoleAssistant}
	var thinking, text []string
	for index, block := range blocks {
		switch block.Type {
		case "thinking":
			if block.Thinking != "" {
				thinking = append(thinking, block.Thinking)
			}
		case "text":
			if block.Text == "" {
				continue
			}
			if firstToolUse >= 0 && index < firstToolUse {
				thinking = append(thinking, block.Text)
			} else {
				text = append(text, block.Text)
			}
		case "tool_use":
			id := block.ID
			if id == "" {
				id = NewCallID()
			}
			message.ToolCalls = append(message.ToolCalls, ToolCall{
				ID:   id,
				Name: block.Name,
				Args: ParseArgs(json.RawMessage(block.Input)),
			})
		}
	}
	message.Thinking = strings.Join(thinking, "\n")
	message.Content = TextContent(strings.Join(text, ""))

	if len(message.ToolCalls) == 0 && extractor != nil {
		message.ToolCalls = extractor.ExtractToolCalls(message.Text())
	}
	return message
}

func mapAnthropicStopReason(reason string) StopReason {
	switch reason {
	case "end_turn":
		return StopReasonEndTurn
	case "tool_use":
		return StopReasonToolUse
	case "max_tokens":
		return StopReasonMaxTokens
	case "stop_sequence":
		return StopReasonStopSequence
	default:
		return StopReason(reason)
	}
}
