// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/jsonc"
)

// maxArgsNesting bounds how many times a JSON string holding JSON is
// unwrapped. Some models double-encode their arguments.
const maxArgsNesting = 2

// ParseArgs converts a model-produced tool argument payload into an
// argument map. It is total: it never fails and never panics, and
// returns an empty map when nothing usable is found.
//
// Strategies, in order: an existing map is returned as is; text is
// parsed as JSON; then as relaxed JSON (comments and trailing commas
// removed); then the first balanced {...} or [...] span in the text is
// parsed. A top-level array is wrapped as {"items": [...]}.
func ParseArgs(raw any) (args map[string]any) {
	defer func() {
		if recover() != nil {
			args = map[string]any{}
		}
	}()

	switch value := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return value
	case string:
		return parseArgsText(value, 0)
	case []byte:
		return parseArgsText(string(value), 0)
	case json.RawMessage:
		return parseArgsText(string(value), 0)
	case []any:
		return map[string]any{"items": value}
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return map[string]any{}
		}
		return parseArgsText(string(data), 0)
	}
}

func parseArgsText(text string, depth int) map[string]any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return map[string]any{}
	}
	if args, ok := decodeArgs([]byte(trimmed), depth); ok {
		return args
	}
	if args, ok := decodeArgs(jsonc.ToJSON([]byte(trimmed)), depth); ok {
		return args
	}
	if span, ok := firstBalancedSpan(trimmed); ok {
		if args, ok := decodeArgs([]byte(span), depth); ok {
			return args
		}
		if args, ok := decodeArgs(jsonc.ToJSON([]byte(span)), depth); ok {
			return args
		}
	}
	return map[string]any{}
}

func decodeArgs(data []byte, depth int) (map[string]any, bool) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false
	}
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case []any:
		return map[string]any{"items": typed}, true
	case string:
		if depth >= maxArgsNesting {
			return nil, false
		}
		args := parseArgsText(typed, depth+1)
		return args, len(args) > 0
	case nil:
		return map[string]any{}, true
	}
	return nil, false
}

// firstBalancedSpan returns the first substring of text that starts
// with '{' or '[' and ends at its matching closer.
func firstBalancedSpan(text string) (string, bool) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' && text[start] != '[' {
			continue
		}
		if end, ok := matchBracket(text, start); ok {
			return text[start : end+1], true
		}
	}
	return "", false
}

// BalancedSpans returns every top-level balanced {...} or [...] span
// in text, in order. Spans do not overlap.
func BalancedSpans(text string) []string {
	var spans []string
	for start := 0; start < len(text); start++ {
		if text[start] != '{' && text[start] != '[' {
			continue
		}
		end, ok := matchBracket(text, start)
		if !ok {
			continue
		}
		spans = append(spans, text[start:end+1])
		start = end
	}
	return spans
}

// matchBracket finds the index of the bracket closing the one at
// start. Brackets inside JSON strings are ignored. A mismatched
// closer fails the match.
func matchBracket(text string, start int) (int, bool) {
	var stack []byte
	inString := false
	escaped := false
	for index := start; index < len(text); index++ {
		character := text[index]
		if inString {
			switch {
			case escaped:
				escaped = false
			case character == '\\':
				escaped = true
			case character == '"':
				inString = false
			}
			continue
		}
		switch character {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != character {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return index, true
			}
		}
	}
	return 0, false
}

// EncodeArgs serializes an argument map as a JSON object string, as
// the OpenAI wire format expects. A nil map encodes as "{}".
func EncodeArgs(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
