// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/bureau-foundation/agentwire/lib/llm"
)

// Summarization request parameters.
const (
	SummaryTemperature = 0.2
	SummaryMaxTokens   = 1600

	// transcriptEntryLimit truncates each rendered message so one
	// large tool output cannot crowd out the rest of the transcript.
	transcriptEntryLimit = 4000
)

// SummaryPrompt is the system prompt for summarization requests.
const SummaryPrompt = `You compress conversation history for an agent that will continue the work.
Write a concise summary of the transcript you are given. Keep: the user's goals and
constraints, decisions made, facts learned from tool results, the current plan and
which steps are done, and anything still unresolved. If the transcript begins with an
earlier summary, merge it into yours rather than summarizing it separately.
Reply with the summary text only.`

// ProviderSummarizer implements [Summarizer] with a chat completion on
// the same provider the conversation uses. The history is rendered as
// a plain transcript in a single user message, so the summary request
// carries no tool traffic for the provider to reject.
type ProviderSummarizer struct {
	provider llm.Provider
	model    string
}

// NewProviderSummarizer creates a summarizer that calls model on
// provider.
func NewProviderSummarizer(provider llm.Provider, model string) *ProviderSummarizer {
	return &ProviderSummarizer{provider: provider, model: model}
}

// Summarize renders messages as a transcript and asks the model to
// summarize it.
func (summarizer *ProviderSummarizer) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	temperature := SummaryTemperature
	response, err := summarizer.provider.Complete(ctx, llm.Request{
		Model:       summarizer.model,
		System:      SummaryPrompt,
		Messages:    []llm.Message{llm.UserMessage(RenderTranscript(messages))},
		MaxTokens:   SummaryMaxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("context: summary request: %w", err)
	}
	return strings.TrimSpace(response.Text()), nil
}

// RenderTranscript formats messages as labelled plain text, one entry
// per message, with tool calls and results inlined.
func RenderTranscript(messages []llm.Message) string {
	var builder strings.Builder
	for _, message := range messages {
		entry := renderEntry(message)
		if entry == "" {
			continue
		}
		if len(entry) > transcriptEntryLimit {
			entry = entry[:transcriptEntryLimit] + " [truncated]"
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(entry)
	}
	return builder.String()
}

func renderEntry(message llm.Message) string {
	var lines []string
	switch message.Role {
	case llm.RoleSystem:
		if message.IsSummary() {
			lines = append(lines, "[earlier summary] "+message.Text())
		} else {
			lines = append(lines, "[system] "+message.Text())
		}
	case llm.RoleUser:
		if text := message.Text(); text != "" {
			lines = append(lines, "[user] "+text)
		}
		if images := message.ImageCount(); images > 0 {
			lines = append(lines, fmt.Sprintf("[user] (%d image(s) attached)", images))
		}
		for _, result := range message.Results() {
			lines = append(lines, renderResult(result))
		}
	case llm.RoleAssistant:
		if text := message.Text(); text != "" {
			lines = append(lines, "[assistant] "+text)
		}
		for _, call := range message.Calls() {
			lines = append(lines, fmt.Sprintf("[assistant called %s] %s", call.Name, llm.EncodeArgs(call.Args)))
		}
	case llm.RoleTool:
		for _, result := range message.Results() {
			lines = append(lines, renderResult(result))
		}
	}
	return strings.Join(lines, "\n")
}

func renderResult(result llm.ToolResult) string {
	label := "[tool result]"
	if result.IsError {
		label = "[tool error]"
	}
	return label + " " + result.Content
}
