// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import "strings"

// modelWindows maps model name prefixes to context window sizes in
// tokens. Lookups use the longest matching prefix, so dated snapshots
// ("claude-sonnet-4-5-20250929") resolve through their family entry.
// Values are from provider documentation as of early 2026.
var modelWindows = []struct {
	prefix string
	window int
}{
	{"claude-", 200_000},

	{"gpt-4o", 128_000},
	{"gpt-4-turbo", 128_000},
	{"gpt-4-32k", 32_768},
	{"gpt-4.1", 1_047_576},
	{"gpt-4", 8_192},
	{"gpt-5", 400_000},
	{"o1-mini", 128_000},
	{"o1", 200_000},
	{"o3", 200_000},
	{"o4-mini", 200_000},

	{"deepseek-", 64_000},
	{"qwen", 32_768},
	{"gemini-1.5-pro", 2_097_152},
	{"gemini-", 1_048_576},
	{"mistral-large", 128_000},
	{"mistral-small", 32_000},
	{"llama-3", 128_000},
}

// defaultContextWindow is used when no prefix matches. Configure an
// explicit window for models outside the table.
const defaultContextWindow = 128_000

// ContextWindowForModel returns the context window in tokens for
// model. A routing prefix such as "openrouter/anthropic/" is ignored.
// Unknown models get 128k.
func ContextWindowForModel(model string) int {
	if slash := strings.LastIndex(model, "/"); slash >= 0 {
		model = model[slash+1:]
	}
	model = strings.ToLower(model)

	best, window := -1, defaultContextWindow
	for _, entry := range modelWindows {
		if strings.HasPrefix(model, entry.prefix) && len(entry.prefix) > best {
			best, window = len(entry.prefix), entry.window
		}
	}
	return window
}
