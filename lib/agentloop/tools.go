// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bureau-foundation/agentwire/lib/llm"
)

// ToolExecutor runs tools by name. Implementations return a
// JSON-serializable map even on failure; a returned error is converted
// to {"success": false, "error": ...} by the loop.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// ToolExecutorFunc adapts a function to [ToolExecutor].
type ToolExecutorFunc func(ctx context.Context, name string, args map[string]any) (map[string]any, error)

// ExecuteTool calls the function.
func (function ToolExecutorFunc) ExecuteTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return function(ctx, name, args)
}

// ToolFailure builds the result map for a failed tool call.
func ToolFailure(message string) map[string]any {
	return map[string]any{"success": false, "error": message}
}

// isFailure reports whether a result map declares failure.
func isFailure(result map[string]any) bool {
	success, ok := result["success"].(bool)
	return ok && !success
}

// encodeResult renders a result map as tool message content.
func encodeResult(result map[string]any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, "result is not JSON-serializable: "+err.Error())
	}
	return string(data)
}

// builtinTools returns the definitions of the tools the loop handles
// itself.
func builtinTools(subagents bool) []llm.ToolDefinition {
	tools := []llm.ToolDefinition{
		{
			Name:        ToolSetPlan,
			Description: "Declare the ordered steps you will take for the current task. Replaces any previous plan.",
			InputSchema: setPlanSchema,
		},
		{
			Name:        ToolUpdatePlanStep,
			Description: "Mark a plan step done or blocked.",
			InputSchema: updatePlanStepSchema,
		},
	}
	if subagents {
		tools = append(tools, llm.ToolDefinition{
			Name:        ToolSpawnSubagent,
			Description: "Delegate a self-contained task to a sub-agent with its own conversation. Returns the sub-agent's summary.",
			InputSchema: spawnSubagentSchema,
		})
	}
	return tools
}

// stringArg returns args[key] as a trimmed string.
func stringArg(args map[string]any, key string) string {
	switch value := args[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

// intArg returns args[key] as an int. Models send numbers as JSON
// numbers or as strings.
func intArg(args map[string]any, key string) (int, bool) {
	switch value := args[key].(type) {
	case float64:
		return int(value), value == float64(int(value))
	case int:
		return value, true
	case int64:
		return int(value), true
	case json.Number:
		parsed, err := strconv.Atoi(value.String())
		return parsed, err == nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		return parsed, err == nil
	}
	return 0, false
}

// stringListArg returns args[key] as a list of strings. A single
// string is split on newlines.
func stringListArg(args map[string]any, key string) []string {
	switch value := args[key].(type) {
	case []any:
		list := make([]string, 0, len(value))
		for _, item := range value {
			switch item := item.(type) {
			case string:
				list = append(list, item)
			case map[string]any:
				list = append(list, stringArg(item, "title"))
			default:
				list = append(list, fmt.Sprint(item))
			}
		}
		return list
	case []string:
		return value
	case string:
		return strings.Split(value, "\n")
	}
	return nil
}
