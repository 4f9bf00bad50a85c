// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repair

import (
	"github.com/bureau-foundation/agentwire/lib/llm"
)

// PlaceholderResult is the content of a synthesized result for a tool
// call that has no matching result anywhere in the history.
const PlaceholderResult = "Tool execution was skipped or failed"

// ContinuationPrompt opens a history that would otherwise start with
// an assistant message, which the Anthropic dialect rejects.
const ContinuationPrompt = "Continue from the conversation above."

// Options controls a sanitize pass.
type Options struct {
	// Dialect selects where tool results are placed and whether
	// system messages are moved to the front.
	Dialect llm.Dialect

	// Strict renames tool call IDs that repeat an ID already seen
	// anywhere earlier in the history. Missing IDs, and IDs repeated
	// within one assistant message, are always replaced.
	Strict bool

	// NewID generates replacement tool call IDs. Defaults to
	// [llm.NewCallID].
	NewID func() string
}

func (options Options) newID() string {
	if options.NewID != nil {
		return options.NewID()
	}
	return llm.NewCallID()
}

// Report counts the repairs a sanitize pass made.
type Report struct {
	// Placeholders is the number of calls that received a placeholder
	// result.
	Placeholders int

	// OrphansDropped is the number of results that matched no call,
	// or duplicated a result already consumed.
	OrphansDropped int

	// Merged is the number of messages folded into a same-role
	// neighbor.
	Merged int

	// Dropped is the number of messages removed for being empty or
	// duplicates.
	Dropped int

	// Renamed is the number of tool call IDs generated or replaced.
	Renamed int
}

// Changed reports whether the pass altered anything beyond the
// representation of results.
func (report Report) Changed() bool {
	return report != Report{}
}

// Sanitize returns a protocol-valid copy of history for the dialect.
// The input is never modified.
//
// The pass collects every tool result in the history by call ID, then
// rebuilds the sequence so each assistant message with tool calls is
// immediately followed by exactly one result per call, in call order.
// A call without a result gets [PlaceholderResult]. Each result is
// used at most once; results that match no call are dropped. Finally
// consecutive same-role messages are merged.
func Sanitize(history []llm.Message, options Options) []llm.Message {
	sanitized, _ := SanitizeWithReport(history, options)
	return sanitized
}

// SanitizeWithReport is [Sanitize] that also reports what it changed.
func SanitizeWithReport(history []llm.Message, options Options) ([]llm.Message, Report) {
	var report Report
	pool := collectResults(history)
	rebuilt := rebuild(history, pool, options, &report)
	report.OrphansDropped = pool.remaining()
	return alternate(rebuilt, options.Dialect, &report), report
}

// Aggressive strips every tool call and tool result from history,
// keeping only text, and then merges same-role neighbors. It is the
// last repair before giving up on a provider that keeps rejecting the
// tool sequence.
func Aggressive(history []llm.Message, options Options) []llm.Message {
	var report Report
	var stripped []llm.Message
	for _, message := range history {
		switch message.Role {
		case llm.RoleSystem:
			stripped = append(stripped, message.Clone())
		case llm.RoleUser:
			kept := withoutParts(message, llm.PartToolResult, llm.PartToolUse)
			if kept.Content.IsEmpty() {
				continue
			}
			stripped = append(stripped, kept)
		case llm.RoleAssistant:
			text := message.Text()
			if text == "" {
				continue
			}
			stripped = append(stripped, llm.Message{
				Role:    llm.RoleAssistant,
				Content: llm.TextContent(text),
				Usage:   message.Clone().Usage,
			})
		}
	}
	return alternate(stripped, options.Dialect, &report)
}

// resultPool holds collected results per call ID, in history order.
type resultPool struct {
	queues map[string][]llm.ToolResult
}

func collectResults(history []llm.Message) *resultPool {
	pool := &resultPool{queues: make(map[string][]llm.ToolResult)}
	for _, message := range history {
		for _, result := range message.Results() {
			if result.ToolCallID == "" {
				continue
			}
			pool.queues[result.ToolCallID] = append(pool.queues[result.ToolCallID], result)
		}
	}
	return pool
}

// take consumes the oldest result for id.
func (pool *resultPool) take(id string) (llm.ToolResult, bool) {
	queue := pool.queues[id]
	if len(queue) == 0 {
		return llm.ToolResult{}, false
	}
	pool.queues[id] = queue[1:]
	return queue[0], true
}

func (pool *resultPool) remaining() int {
	count := 0
	for _, queue := range pool.queues {
		count += len(queue)
	}
	return count
}

func rebuild(history []llm.Message, pool *resultPool, options Options, report *Report) []llm.Message {
	rebuilt := make([]llm.Message, 0, len(history))
	seenIDs := make(map[string]bool)

	for _, message := range history {
		switch message.Role {
		case llm.RoleSystem:
			rebuilt = append(rebuilt, message.Clone())

		case llm.RoleTool:
			// Re-emitted after the call it answers; orphans vanish.
			continue

		case llm.RoleUser:
			kept := withoutParts(message, llm.PartToolResult, llm.PartToolUse)
			if kept.Content.IsEmpty() {
				report.Dropped++
				continue
			}
			rebuilt = append(rebuilt, kept)

		case llm.RoleAssistant:
			assistant := withoutParts(message, llm.PartToolUse)
			calls := message.Calls()
			assistant.ToolCalls = nil

			results := make([]llm.ToolResult, 0, len(calls))
			names := make([]string, 0, len(calls))
			turnIDs := make(map[string]bool, len(calls))
			for _, call := range calls {
				result, found := llm.ToolResult{}, false
				if call.ID != "" {
					result, found = pool.take(call.ID)
				}
				if call.ID == "" || turnIDs[call.ID] || (options.Strict && seenIDs[call.ID]) {
					call.ID = options.newID()
					report.Renamed++
				}
				seenIDs[call.ID] = true
				turnIDs[call.ID] = true
				if call.Args == nil {
					call.Args = map[string]any{}
				}
				if !found {
					result = llm.ToolResult{Content: PlaceholderResult, IsError: true}
					report.Placeholders++
				}
				result.ToolCallID = call.ID
				assistant.ToolCalls = append(assistant.ToolCalls, call)
				results = append(results, result)
				names = append(names, call.Name)
			}

			if len(calls) == 0 && !assistant.HasText() && assistant.Thinking == "" {
				report.Dropped++
				continue
			}
			rebuilt = append(rebuilt, assistant)
			rebuilt = append(rebuilt, resultMessages(results, names, options.Dialect)...)

		default:
			report.Dropped++
		}
	}
	return rebuilt
}

// resultMessages renders one assistant turn's results in the dialect's
// shape: one role:"tool" message per result for OpenAI, one user
// message of tool-result parts for Anthropic.
func resultMessages(results []llm.ToolResult, names []string, dialect llm.Dialect) []llm.Message {
	if len(results) == 0 {
		return nil
	}
	if dialect == llm.DialectAnthropic {
		return []llm.Message{llm.ToolResultMessage(results...)}
	}
	messages := make([]llm.Message, 0, len(results))
	for index, result := range results {
		messages = append(messages, llm.ToolMessage(result.ToolCallID, names[index], result.Content))
	}
	return messages
}

// withoutParts returns a copy of message with parts of the given types
// removed. A parts body left with no parts becomes empty text.
func withoutParts(message llm.Message, types ...llm.PartType) llm.Message {
	clone := message.Clone()
	if !clone.Content.IsParts() {
		return clone
	}
	kept := make([]llm.Part, 0, len(clone.Content.Parts))
	for _, part := range clone.Content.Parts {
		remove := false
		for _, partType := range types {
			if part.Type == partType {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		clone.Content = llm.TextContent("")
	} else {
		clone.Content = llm.PartsContent(kept...)
	}
	return clone
}
