// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ToolCallExtractor recovers tool calls that a model wrote into its
// text output instead of the structured tool-call channel. Adapters
// consult it only when a response carries no structured calls.
type ToolCallExtractor interface {
	ExtractToolCalls(text string) []ToolCall
}

// ImplicitExtractor is the default [ToolCallExtractor]. It recognizes
// JSON objects shaped like tool calls inside <tool_call> tags, fenced
// code blocks, or bare text. Only names in Allowed (when non-empty)
// are accepted, so ordinary JSON in an answer is not mistaken for a
// call.
type ImplicitExtractor struct {
	// Allowed restricts extraction to these tool names. Empty means
	// any name.
	Allowed map[string]bool

	// NewID generates call IDs. Defaults to "call_" + a random UUID.
	NewID func() string
}

var (
	toolCallTagPattern = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	fencePattern       = regexp.MustCompile("(?s)```(?:json|tool_call)?\\s*\\n(.*?)```")
)

// NewCallID returns a fresh tool call ID.
func NewCallID() string {
	return "call_" + uuid.NewString()
}

// ExtractToolCalls returns the tool calls found in text, or nil.
func (extractor ImplicitExtractor) ExtractToolCalls(text string) (calls []ToolCall) {
	defer func() {
		if recover() != nil {
			calls = nil
		}
	}()

	if !strings.ContainsAny(text, "{[") {
		return nil
	}

	var regions []string
	for _, match := range toolCallTagPattern.FindAllStringSubmatch(text, -1) {
		regions = append(regions, match[1])
	}
	if len(regions) == 0 {
		for _, match := range fencePattern.FindAllStringSubmatch(text, -1) {
			regions = append(regions, match[1])
		}
	}
	if len(regions) == 0 {
		regions = []string{text}
	}

	seen := make(map[string]bool)
	for _, region := range regions {
		for _, span := range BalancedSpans(region) {
			var value any
			if err := json.Unmarshal([]byte(span), &value); err != nil {
				continue
			}
			for _, call := range extractor.interpret(value, 0) {
				key := call.Name + "\x00" + EncodeArgs(call.Args)
				if seen[key] {
					continue
				}
				seen[key] = true
				calls = append(calls, call)
			}
		}
	}
	return calls
}

// interpret converts one decoded JSON value into tool calls. Depth
// bounds recursion through wrapper objects.
func (extractor ImplicitExtractor) interpret(value any, depth int) []ToolCall {
	if depth > 3 {
		return nil
	}
	switch typed := value.(type) {
	case []any:
		var calls []ToolCall
		for _, element := range typed {
			calls = append(calls, extractor.interpret(element, depth+1)...)
		}
		return calls
	case map[string]any:
		for _, wrapper := range []string{"tool_calls", "tool_call", "function_call", "function"} {
			if inner, ok := typed[wrapper]; ok {
				if _, named := typed["name"]; !named || wrapper != "function" {
					return extractor.interpret(inner, depth+1)
				}
			}
		}
		name, _ := typed["name"].(string)
		if name == "" {
			name, _ = typed["tool"].(string)
		}
		if name == "" || (len(extractor.Allowed) > 0 && !extractor.Allowed[name]) {
			return nil
		}
		var rawArgs any
		for _, key := range []string{"arguments", "args", "parameters", "input"} {
			if candidate, ok := typed[key]; ok {
				rawArgs = candidate
				break
			}
		}
		id, _ := typed["id"].(string)
		if id == "" {
			id = extractor.newID()
		}
		return []ToolCall{{ID: id, Name: name, Args: ParseArgs(rawArgs)}}
	}
	return nil
}

func (extractor ImplicitExtractor) newID() string {
	if extractor.NewID != nil {
		return extractor.NewID()
	}
	return NewCallID()
}
