// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/bureau-foundation/agentwire/lib/llm"
)

// text returns a string that estimates to exactly tokens tokens.
func text(tokens int) string {
	return strings.Repeat("x", tokens*4)
}

func TestFindCutPoint_TextOnly(t *testing.T) {
	t.Parallel()

	history := []llm.Message{
		llm.UserMessage(text(10)),
		llm.AssistantMessage(text(10)),
		llm.UserMessage(text(10)),
		llm.AssistantMessage(text(10)),
		llm.UserMessage(text(10)),
		llm.AssistantMessage(text(10)),
	}

	if cut := FindCutPoint(history, 0, 20); cut != 4 {
		t.Errorf("FindCutPoint = %d, want 4", cut)
	}
	if cut := FindCutPoint(history, 0, 15); cut != 4 {
		t.Errorf("FindCutPoint(keep=15) = %d, want 4", cut)
	}
}

func TestFindCutPoint_KeepsEverythingUnderBudget(t *testing.T) {
	t.Parallel()

	history := []llm.Message{
		llm.UserMessage(text(10)),
		llm.AssistantMessage(text(10)),
	}
	if cut := FindCutPoint(history, 0, 1000); cut != 0 {
		t.Errorf("FindCutPoint = %d, want 0", cut)
	}
	if cut := FindCutPoint(history, 2, 10); cut != 2 {
		t.Errorf("FindCutPoint(start past end) = %d, want 2", cut)
	}
	if cut := FindCutPoint(nil, 0, 10); cut != 0 {
		t.Errorf("FindCutPoint(nil) = %d, want 0", cut)
	}
}

func TestFindCutPoint_WalksBackPastToolMessages(t *testing.T) {
	t.Parallel()

	history := []llm.Message{
		llm.UserMessage(text(10)),
		llm.AssistantMessage(text(10)),
		llm.UserMessage(text(10)),
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "a"}, llm.ToolCall{ID: "c2", Name: "b"}),
		llm.ToolMessage("c1", "a", text(10)),
		llm.ToolMessage("c2", "b", text(100)),
		llm.AssistantMessage("done"),
	}

	// The budget is reached at the second tool message; the cut moves
	// back to the assistant that issued the calls.
	cut := FindCutPoint(history, 0, 50)
	if cut != 3 {
		t.Fatalf("FindCutPoint = %d, want 3", cut)
	}
	if len(history[cut].Calls()) != 2 {
		t.Errorf("history[%d] is not the calling assistant: %+v", cut, history[cut])
	}
}

func TestFindCutPoint_AnthropicResultCarrier(t *testing.T) {
	t.Parallel()

	history := []llm.Message{
		llm.UserMessage(text(10)),
		llm.AssistantMessage(text(10)),
		llm.UserMessage(text(10)),
		{Role: llm.RoleAssistant, Content: llm.PartsContent(
			llm.ToolUsePart(llm.ToolCall{ID: "t1", Name: "a"}),
		)},
		llm.ToolResultMessage(llm.ToolResult{ToolCallID: "t1", Content: text(100)}),
		llm.AssistantMessage("done"),
	}

	cut := FindCutPoint(history, 0, 50)
	if cut != 3 {
		t.Errorf("FindCutPoint = %d, want 3", cut)
	}
}

func TestFindCutPoint_MovesForwardWhenNothingBefore(t *testing.T) {
	t.Parallel()

	history := []llm.Message{
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "a"}, llm.ToolCall{ID: "c2", Name: "b"}),
		llm.ToolMessage("c1", "a", text(100)),
		llm.ToolMessage("c2", "b", text(10)),
		llm.UserMessage(text(10)),
	}

	cut := FindCutPoint(history, 0, 50)
	if cut != 3 {
		t.Errorf("FindCutPoint = %d, want 3", cut)
	}
}

func TestFindCutPoint_HonorsStartIndex(t *testing.T) {
	t.Parallel()

	history := []llm.Message{
		SummaryMessage("before"),
		llm.UserMessage(text(10)),
		llm.AssistantMessage(text(10)),
		llm.UserMessage(text(10)),
	}
	if cut := FindCutPoint(history, 1, 10); cut != 3 {
		t.Errorf("FindCutPoint = %d, want 3", cut)
	}
	if cut := FindCutPoint(history, 3, 5); cut != 3 {
		t.Errorf("FindCutPoint(start at last) = %d, want 3", cut)
	}
}

// TestFindCutPoint_NeverCutsAtResults checks randomly generated tool
// conversations in both result shapes against every keep budget.
func TestFindCutPoint_NeverCutsAtResults(t *testing.T) {
	t.Parallel()

	random := rand.New(rand.NewSource(7))
	for iteration := 0; iteration < 300; iteration++ {
		history := randomToolConversation(random, iteration%2 == 0)
		total := EstimateMessagesTokens(history)
		for keep := 0; keep <= total+1; keep += 1 + random.Intn(7) {
			cut := FindCutPoint(history, 0, keep)
			if cut < 0 || cut > len(history) {
				t.Fatalf("iteration %d keep %d: cut %d out of range", iteration, keep, cut)
			}
			if cut == len(history) {
				continue
			}
			if history[cut].Role == llm.RoleTool || len(history[cut].Results()) > 0 {
				t.Fatalf("iteration %d keep %d: cut %d lands on results: %+v", iteration, keep, cut, history[cut])
			}
		}
	}
}

func randomToolConversation(random *rand.Rand, resultParts bool) []llm.Message {
	var history []llm.Message
	callNumber := 0
	turns := 1 + random.Intn(5)
	for turn := 0; turn < turns; turn++ {
		history = append(history, llm.UserMessage(text(1+random.Intn(30))))
		rounds := random.Intn(3)
		for round := 0; round < rounds; round++ {
			var calls []llm.ToolCall
			for count := 1 + random.Intn(3); count > 0; count-- {
				callNumber++
				calls = append(calls, llm.ToolCall{ID: fmt.Sprintf("c%d", callNumber), Name: "tool"})
			}
			history = append(history, llm.AssistantMessage(text(random.Intn(5)), calls...))
			if resultParts {
				var results []llm.ToolResult
				for _, call := range calls {
					results = append(results, llm.ToolResult{ToolCallID: call.ID, Content: text(random.Intn(60))})
				}
				history = append(history, llm.ToolResultMessage(results...))
				continue
			}
			for _, call := range calls {
				history = append(history, llm.ToolMessage(call.ID, call.Name, text(random.Intn(60))))
			}
		}
		history = append(history, llm.AssistantMessage(text(1+random.Intn(20))))
	}
	return history
}
