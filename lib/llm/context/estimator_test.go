// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/bureau-foundation/agentwire/lib/llm"
)

func TestEstimateMessageTokens(t *testing.T) {
	t.Parallel()

	call := llm.ToolCall{ID: "c1", Name: "click", Args: map[string]any{"x": 1}}
	encodedCalls, err := json.Marshal([]llm.ToolCall{call})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	withThinking := llm.AssistantMessage("abcd")
	withThinking.Thinking = "hmmmm"

	tests := []struct {
		name    string
		message llm.Message
		want    int
	}{
		{"empty", llm.UserMessage(""), 0},
		{"exact multiple", llm.UserMessage("abcdefgh"), 2},
		{"rounds up", llm.UserMessage("abcdefghi"), 3},
		{
			"image penalty",
			llm.Message{Role: llm.RoleUser, Content: llm.PartsContent(
				llm.TextPart("abcd"),
				llm.ImagePart(llm.Image{MediaType: "image/png", Data: "AAAA"}),
			)},
			1 + ImageTokens,
		},
		{
			"tool calls",
			llm.AssistantMessage("", call),
			(len(encodedCalls) + 3) / 4,
		},
		{"thinking", withThinking, 1 + 2},
		{"tool result", llm.ToolMessage("c1", "click", strings.Repeat("r", 12)), 3},
		{
			"tool result parts",
			llm.ToolResultMessage(llm.ToolResult{ToolCallID: "c1", Content: strings.Repeat("r", 16)}),
			4,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if got := EstimateMessageTokens(test.message); got != test.want {
				t.Errorf("EstimateMessageTokens = %d, want %d", got, test.want)
			}
		})
	}
}

func TestEstimateContextTokens_AnchorsOnUsage(t *testing.T) {
	t.Parallel()

	anchored := llm.AssistantMessage("reply")
	anchored.Usage = &llm.Usage{InputTokens: 400, OutputTokens: 100}

	history := []llm.Message{
		llm.UserMessage(strings.Repeat("a", 4000)),
		anchored,
		llm.UserMessage("abcd"),
		llm.AssistantMessage("abcdefgh"),
	}

	estimate := EstimateContextTokens(history)
	if estimate.LastUsageIndex != 1 {
		t.Errorf("LastUsageIndex = %d, want 1", estimate.LastUsageIndex)
	}
	if estimate.UsageTokens != 500 {
		t.Errorf("UsageTokens = %d, want 500", estimate.UsageTokens)
	}
	if estimate.TrailingTokens != 3 {
		t.Errorf("TrailingTokens = %d, want 3", estimate.TrailingTokens)
	}
	if estimate.Tokens != 503 {
		t.Errorf("Tokens = %d, want 503", estimate.Tokens)
	}
}

func TestEstimateContextTokens_NaiveSumWithoutUsage(t *testing.T) {
	t.Parallel()

	history := []llm.Message{
		llm.UserMessage("abcdefgh"),
		llm.AssistantMessage("abcd"),
		llm.UserMessage("abcd"),
	}

	estimate := EstimateContextTokens(history)
	if estimate.LastUsageIndex != -1 || estimate.UsageTokens != 0 {
		t.Errorf("estimate = %+v, want no usage anchor", estimate)
	}
	if estimate.Tokens != 4 || estimate.TrailingTokens != 4 {
		t.Errorf("estimate = %+v, want 4 tokens", estimate)
	}
}

func TestEstimateContextTokens_ZeroTotalAnchors(t *testing.T) {
	t.Parallel()

	older := llm.AssistantMessage("first")
	older.Usage = &llm.Usage{TotalTokens: 900}
	zero := llm.AssistantMessage("abcd")
	zero.Usage = &llm.Usage{}

	history := []llm.Message{
		llm.UserMessage("abcdefgh"),
		older,
		llm.UserMessage("abcdefgh"),
		zero,
		llm.UserMessage("abcd"),
	}

	estimate := EstimateContextTokens(history)
	if estimate.LastUsageIndex != 3 || estimate.UsageTokens != 0 {
		t.Errorf("estimate = %+v, want the zero total at index 3 as the anchor", estimate)
	}
	if estimate.Tokens != 1 || estimate.TrailingTokens != 1 {
		t.Errorf("estimate = %+v, want 1 trailing token", estimate)
	}
}

func TestShouldCompact_Boundary(t *testing.T) {
	t.Parallel()

	settings := Settings{Enabled: true, ReserveTokens: 200}

	if ShouldCompact(800, 1000, settings) {
		t.Error("ShouldCompact(800) = true, want false")
	}
	if !ShouldCompact(801, 1000, settings) {
		t.Error("ShouldCompact(801) = false, want true")
	}
	for tokens := 0; tokens <= 2000; tokens++ {
		if got, want := ShouldCompact(tokens, 1000, settings), tokens > 800; got != want {
			t.Fatalf("ShouldCompact(%d) = %v, want %v", tokens, got, want)
		}
	}
}

func TestShouldCompact_Disabled(t *testing.T) {
	t.Parallel()

	if ShouldCompact(1_000_000, 1000, Settings{ReserveTokens: 200}) {
		t.Error("ShouldCompact with compaction disabled = true")
	}
}
