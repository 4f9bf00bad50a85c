// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repair

import (
	"fmt"

	"github.com/bureau-foundation/agentwire/lib/llm"
)

// Validate checks that history is protocol-valid for the dialect:
// roles are known, every tool call is immediately followed by exactly
// one result per call in call order, no result appears anywhere else,
// and (for Anthropic) system messages lead and user and assistant
// messages alternate starting with user. It returns the first
// violation found.
func Validate(history []llm.Message, dialect llm.Dialect) error {
	seenNonSystem := false
	var previous *llm.Message

	for index := 0; index < len(history); index++ {
		message := history[index]
		if !message.Role.Valid() {
			return fmt.Errorf("repair: message %d: invalid role %q", index, message.Role)
		}

		if dialect == llm.DialectAnthropic {
			if message.Role == llm.RoleTool {
				return fmt.Errorf("repair: message %d: role tool is not allowed in the anthropic dialect", index)
			}
			if message.Role == llm.RoleSystem {
				if seenNonSystem {
					return fmt.Errorf("repair: message %d: system message after conversation start", index)
				}
				continue
			}
			if !seenNonSystem && message.Role != llm.RoleUser {
				return fmt.Errorf("repair: message %d: conversation must start with a user message", index)
			}
			if previous != nil && previous.Role == message.Role {
				return fmt.Errorf("repair: message %d: consecutive %s messages", index, message.Role)
			}
		}
		if message.Role != llm.RoleSystem {
			seenNonSystem = true
		}

		switch message.Role {
		case llm.RoleTool:
			return fmt.Errorf("repair: message %d: tool result %q does not follow its call", index, message.ToolCallID)
		case llm.RoleUser:
			if results := message.Results(); len(results) > 0 {
				return fmt.Errorf("repair: message %d: tool result %q does not follow its call", index, results[0].ToolCallID)
			}
		case llm.RoleAssistant:
			consumed, err := validateResults(history, index, dialect)
			if err != nil {
				return err
			}
			if consumed > 0 {
				// The result messages have been checked; skip past them.
				previousIndex := index + consumed
				index = previousIndex
				previous = &history[previousIndex]
				continue
			}
		}
		previous = &history[index]
	}
	return nil
}

// validateResults checks the results following the assistant message
// at index and returns how many messages they occupy.
func validateResults(history []llm.Message, index int, dialect llm.Dialect) (int, error) {
	calls := history[index].Calls()
	if len(calls) == 0 {
		return 0, nil
	}

	ids := make(map[string]bool, len(calls))
	for _, call := range calls {
		if call.ID == "" {
			return 0, fmt.Errorf("repair: message %d: tool call %q has no id", index, call.Name)
		}
		if ids[call.ID] {
			return 0, fmt.Errorf("repair: message %d: duplicate tool call id %q", index, call.ID)
		}
		ids[call.ID] = true
	}

	if dialect == llm.DialectAnthropic {
		if index+1 >= len(history) || history[index+1].Role != llm.RoleUser {
			return 0, fmt.Errorf("repair: message %d: tool calls are not followed by a tool result message", index)
		}
		results := history[index+1].Results()
		if len(results) != len(calls) {
			return 0, fmt.Errorf("repair: message %d: %d tool calls but %d results", index, len(calls), len(results))
		}
		for position, call := range calls {
			if results[position].ToolCallID != call.ID {
				return 0, fmt.Errorf("repair: message %d: result %d answers %q, want %q",
					index+1, position, results[position].ToolCallID, call.ID)
			}
		}
		return 1, nil
	}

	for position, call := range calls {
		resultIndex := index + 1 + position
		if resultIndex >= len(history) || history[resultIndex].Role != llm.RoleTool {
			return 0, fmt.Errorf("repair: message %d: tool call %q has no result", index, call.ID)
		}
		if history[resultIndex].ToolCallID != call.ID {
			return 0, fmt.Errorf("repair: message %d: result answers %q, want %q",
				resultIndex, history[resultIndex].ToolCallID, call.ID)
		}
	}
	return len(calls), nil
}
