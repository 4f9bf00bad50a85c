// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Delta is the visible result of feeding one frame: the new text
// fragment and the full text accumulated so far.
type Delta struct {
	Fragment   string
	Cumulative string
}

// DeltaAggregator assembles an OpenAI-style chat completion stream
// into a canonical assistant message.
//
// Text deltas are surfaced immediately through [DeltaAggregator.Feed].
// Reasoning deltas are buffered and only returned by
// [DeltaAggregator.Finish]. Tool call fragments are merged by their
// stream index, not by ID, since only the first fragment of a call
// carries the ID. The last usage block seen wins. Frames that are not
// valid JSON are ignored.
type DeltaAggregator struct {
	text         strings.Builder
	reasoning    strings.Builder
	partials     map[int]*partialToolCall
	usage        *Usage
	model        string
	finishReason string
	done         bool
	err          error
	extractor    ToolCallExtractor
}

// partialToolCall is a tool call being assembled from stream
// fragments: the first carries the ID and name, later ones append to
// the arguments text.
type partialToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

// NewDeltaAggregator creates an aggregator. extractor may be nil, in
// which case text is never scanned for implicit tool calls.
func NewDeltaAggregator(extractor ToolCallExtractor) *DeltaAggregator {
	return &DeltaAggregator{
		partials:  make(map[int]*partialToolCall),
		extractor: extractor,
	}
}

// Feed consumes one SSE data payload. It returns a Delta and true when
// the payload added visible text. A payload holding several
// newline-separated frames is split and each frame is applied.
func (aggregator *DeltaAggregator) Feed(data string) (Delta, bool) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return Delta{}, false
	}
	if trimmed == "[DONE]" {
		aggregator.done = true
		return Delta{}, false
	}

	var fragment strings.Builder
	if !aggregator.applyFrame(trimmed, &fragment) && strings.Contains(trimmed, "\n") {
		for _, frame := range (SSEEvent{Data: trimmed}).Frames() {
			frame = strings.TrimSpace(strings.TrimPrefix(frame, "data:"))
			if frame == "[DONE]" {
				aggregator.done = true
				continue
			}
			aggregator.applyFrame(frame, &fragment)
		}
	}

	if fragment.Len() == 0 {
		return Delta{}, false
	}
	return Delta{Fragment: fragment.String(), Cumulative: aggregator.text.String()}, true
}

// applyFrame applies one JSON chunk and reports whether it parsed.
func (aggregator *DeltaAggregator) applyFrame(frame string, fragment *strings.Builder) bool {
	var chunk openaiStreamChunk
	if err := json.Unmarshal([]byte(frame), &chunk); err != nil {
		return false
	}

	if chunk.Error != nil && chunk.Error.Message != "" {
		aggregator.err = fmt.Errorf("llm/openai: stream error: %s: %s", chunk.Error.Type, chunk.Error.Message)
		return true
	}
	if aggregator.model == "" && chunk.Model != "" {
		aggregator.model = chunk.Model
	}
	if chunk.Usage != nil {
		usage := chunk.Usage.toUsage()
		aggregator.usage = &usage
	}

	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		delta := choice.Delta
		if text := openaiContentText(delta.Content); text != "" {
			aggregator.text.WriteString(text)
			fragment.WriteString(text)
		}
		aggregator.reasoning.WriteString(delta.ReasoningContent)
		aggregator.reasoning.WriteString(delta.Reasoning)

		for _, toolCallDelta := range delta.ToolCalls {
			partial, ok := aggregator.partials[toolCallDelta.Index]
			if !ok {
				partial = &partialToolCall{}
				aggregator.partials[toolCallDelta.Index] = partial
			}
			if toolCallDelta.ID != "" {
				partial.id = toolCallDelta.ID
			}
			if toolCallDelta.Function != nil {
				if toolCallDelta.Function.Name != "" {
					partial.name = toolCallDelta.Function.Name
				}
				partial.arguments.WriteString(rawText(toolCallDelta.Function.Arguments))
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			aggregator.finishReason = *choice.FinishReason
		}
	}
	return true
}

// Done reports whether the [DONE] sentinel has been seen.
func (aggregator *DeltaAggregator) Done() bool {
	return aggregator.done
}

// Err returns the error reported by an in-stream error frame, if any.
func (aggregator *DeltaAggregator) Err() error {
	return aggregator.err
}

// Reasoning returns the buffered reasoning text.
func (aggregator *DeltaAggregator) Reasoning() string {
	return aggregator.reasoning.String()
}

// Finish builds the final response. Tool calls are ordered by stream
// index. A call without an ID gets a generated one. When no structured
// calls arrived, the extractor (if any) scans the text.
func (aggregator *DeltaAggregator) Finish() Response {
	message := Message{
		Role:     RoleAssistant,
		Content:  TextContent(aggregator.text.String()),
		Thinking: aggregator.reasoning.String(),
	}

	indexes := make([]int, 0, len(aggregator.partials))
	for index := range aggregator.partials {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		partial := aggregator.partials[index]
		if partial.name == "" {
			continue
		}
		id := partial.id
		if id == "" {
			id = NewCallID()
		}
		message.ToolCalls = append(message.ToolCalls, ToolCall{
			ID:   id,
			Name: partial.name,
			Args: ParseArgs(partial.arguments.String()),
		})
	}

	if len(message.ToolCalls) == 0 && aggregator.extractor != nil {
		message.ToolCalls = aggregator.extractor.ExtractToolCalls(message.Text())
	}

	response := Response{
		Message:    message,
		Model:      aggregator.model,
		StopReason: mapOpenAIFinishReason(aggregator.finishReason),
	}
	if aggregator.usage != nil {
		response.Usage = *aggregator.usage
		usage := *aggregator.usage
		response.Message.Usage = &usage
	}
	if len(message.ToolCalls) > 0 && response.StopReason == "" {
		response.StopReason = StopReasonToolUse
	}
	return response
}

// rawText returns the string value of a JSON string, or the raw JSON
// text for any other value. Null yields "".
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	return string(raw)
}
