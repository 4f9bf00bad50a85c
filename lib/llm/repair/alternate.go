// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repair

import (
	"github.com/bureau-foundation/agentwire/lib/llm"
)

// alternate merges consecutive messages that share a wire role. In the
// Anthropic dialect system messages move to the front (the adapter
// hoists them into the system field) and the first remaining message
// must be a user message.
func alternate(messages []llm.Message, dialect llm.Dialect, report *Report) []llm.Message {
	var leading, body []llm.Message
	for _, message := range messages {
		if dialect == llm.DialectAnthropic && message.Role == llm.RoleSystem {
			leading = append(leading, message)
			continue
		}
		body = append(body, message)
	}

	merged := make([]llm.Message, 0, len(body))
	for _, message := range body {
		if len(merged) == 0 {
			merged = append(merged, message)
			continue
		}
		last := &merged[len(merged)-1]
		if !sameWireRole(*last, message, dialect) {
			merged = append(merged, message)
			continue
		}

		switch message.Role {
		case llm.RoleAssistant:
			// A preceding assistant with calls is always followed by
			// its results, so last has no calls here.
			if len(message.ToolCalls) == 0 && last.Text() == message.Text() && last.Thinking == message.Thinking {
				report.Dropped++
				continue
			}
			mergeAssistant(last, message)
		default:
			mergeUser(last, message)
		}
		report.Merged++
	}

	if dialect == llm.DialectAnthropic && len(merged) > 0 && merged[0].Role == llm.RoleAssistant {
		merged = append([]llm.Message{llm.UserMessage(ContinuationPrompt)}, merged...)
	}

	return append(leading, merged...)
}

// sameWireRole reports whether two adjacent messages would carry the
// same role on the wire and can be merged. Tool and system messages
// never merge in the OpenAI dialect.
func sameWireRole(previous, next llm.Message, dialect llm.Dialect) bool {
	wireRole := func(message llm.Message) llm.Role {
		if dialect == llm.DialectAnthropic && message.Role == llm.RoleTool {
			return llm.RoleUser
		}
		return message.Role
	}
	role := wireRole(previous)
	if role != wireRole(next) {
		return false
	}
	return role == llm.RoleUser || role == llm.RoleAssistant
}

func mergeAssistant(into *llm.Message, next llm.Message) {
	into.Content = mergeContent(into.Content, next.Content)
	into.Thinking = joinText(into.Thinking, next.Thinking)
	into.ToolCalls = append(into.ToolCalls, next.ToolCalls...)
	if next.Usage != nil {
		into.Usage = next.Usage
	}
	into.Meta = mergeMeta(into.Meta, next.Meta)
}

func mergeUser(into *llm.Message, next llm.Message) {
	into.Content = mergeContent(into.Content, next.Content)
	into.Meta = mergeMeta(into.Meta, next.Meta)
}

// mergeContent joins two text bodies with a newline, or concatenates
// parts when either body is in parts form.
func mergeContent(first, second llm.Content) llm.Content {
	if !first.IsParts() && !second.IsParts() {
		return llm.TextContent(joinText(first.Text, second.Text))
	}
	parts := append(append([]llm.Part{}, first.PartList()...), second.PartList()...)
	return llm.PartsContent(parts...)
}

func joinText(first, second string) string {
	switch {
	case first == "":
		return second
	case second == "":
		return first
	}
	return first + "\n" + second
}

func mergeMeta(first, second map[string]string) map[string]string {
	if len(second) == 0 {
		return first
	}
	merged := make(map[string]string, len(first)+len(second))
	for key, value := range first {
		merged[key] = value
	}
	for key, value := range second {
		merged[key] = value
	}
	return merged
}
