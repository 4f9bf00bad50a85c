// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"encoding/json"

	"github.com/bureau-foundation/agentwire/lib/llm"
)

// charactersPerToken is the fixed heuristic ratio. 4 is conservative
// for English text with code: BPE tokenizers average 3.5-4.5
// characters per token, and overestimating triggers compaction early
// rather than letting the provider reject an overflowing request.
const charactersPerToken = 4

// ImageTokens is the flat charge for each image part. Image token cost
// depends on resolution and provider, which the history does not
// record.
const ImageTokens = 1200

// Estimate is the result of [EstimateContextTokens].
type Estimate struct {
	// Tokens is the estimated size of the whole history.
	Tokens int

	// UsageTokens is the provider-reported total from the most recent
	// assistant message that carried usage, or zero.
	UsageTokens int

	// TrailingTokens is the heuristic estimate of the messages after
	// that assistant message (or of the whole history when no usage
	// was found).
	TrailingTokens int

	// LastUsageIndex is the index of the assistant message whose usage
	// anchored the estimate, or -1.
	LastUsageIndex int
}

// EstimateMessageTokens returns a heuristic token count for one
// message: a quarter of its text length (rounded up), a flat charge
// per image, a quarter of the JSON encoding of its tool calls, and a
// quarter of its thinking text.
func EstimateMessageTokens(message llm.Message) int {
	tokens := ceilDiv(textLength(message), charactersPerToken)
	tokens += message.ImageCount() * ImageTokens

	if message.Role == llm.RoleAssistant {
		if calls := message.Calls(); len(calls) > 0 {
			encoded, err := json.Marshal(calls)
			if err == nil {
				tokens += ceilDiv(len(encoded), charactersPerToken)
			}
		}
	}
	tokens += ceilDiv(len(message.Thinking), charactersPerToken)
	return tokens
}

// EstimateMessagesTokens sums [EstimateMessageTokens] over messages.
func EstimateMessagesTokens(messages []llm.Message) int {
	total := 0
	for index := range messages {
		total += EstimateMessageTokens(messages[index])
	}
	return total
}

// EstimateContextTokens estimates the size of history. When an
// assistant message carries provider usage, the most recent such
// total anchors the estimate and only the messages after it are
// estimated heuristically. A reported total of zero still anchors; a
// message without usage does not. Provider counts include the system
// prompt and tool definitions that the heuristic cannot see.
func EstimateContextTokens(history []llm.Message) Estimate {
	for index := len(history) - 1; index >= 0; index-- {
		message := history[index]
		if message.Role != llm.RoleAssistant || message.Usage == nil {
			continue
		}
		total := message.Usage.Total()
		if total < 0 {
			continue
		}
		trailing := EstimateMessagesTokens(history[index+1:])
		return Estimate{
			Tokens:         int(total) + trailing,
			UsageTokens:    int(total),
			TrailingTokens: trailing,
			LastUsageIndex: index,
		}
	}

	trailing := EstimateMessagesTokens(history)
	return Estimate{
		Tokens:         trailing,
		TrailingTokens: trailing,
		LastUsageIndex: -1,
	}
}

// textLength counts the characters of text a message serializes:
// text parts, tool result bodies, and for role tool messages the
// content itself.
func textLength(message llm.Message) int {
	if !message.Content.IsParts() {
		return len(message.Content.Text)
	}
	length := 0
	for _, part := range message.Content.Parts {
		switch part.Type {
		case llm.PartText:
			length += len(part.Text)
		case llm.PartToolResult:
			if part.ToolResult != nil {
				length += len(part.ToolResult.Content)
			}
		}
	}
	return length
}

func ceilDiv(value, divisor int) int {
	if value <= 0 {
		return 0
	}
	return (value + divisor - 1) / divisor
}
