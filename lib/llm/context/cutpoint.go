// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import "github.com/bureau-foundation/agentwire/lib/llm"

// FindCutPoint returns the index that splits history into a prefix to
// summarize (history[startIndex:cut]) and a suffix to preserve
// verbatim (history[cut:]).
//
// The walk runs backwards from the end, accumulating per-message
// estimates until keepRecentTokens is reached. If the message at that
// position carries tool results, the cut moves further back past the
// contiguous run of result carriers so the assistant message that
// issued the calls stays with its results. When that would leave
// nothing to summarize, the cut moves forward to the first message
// after the run instead.
//
// The returned index is never a tool-result carrier. A return value
// equal to startIndex means there is nothing to compact.
func FindCutPoint(history []llm.Message, startIndex, keepRecentTokens int) int {
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex >= len(history) {
		return len(history)
	}

	position := -1
	accumulated := 0
	for index := len(history) - 1; index >= startIndex; index-- {
		accumulated += EstimateMessageTokens(history[index])
		if accumulated >= keepRecentTokens {
			position = index
			break
		}
	}
	if position <= startIndex {
		return startIndex
	}
	if isCutPoint(history[position]) {
		return position
	}

	backward := position
	for backward > startIndex && !isCutPoint(history[backward]) {
		backward--
	}
	if backward > startIndex {
		return backward
	}

	for forward := position + 1; forward < len(history); forward++ {
		if isCutPoint(history[forward]) {
			return forward
		}
	}
	return startIndex
}

// isCutPoint reports whether the preserved suffix may begin at
// message. A suffix that begins with tool results would orphan them
// from the assistant message that issued the calls.
func isCutPoint(message llm.Message) bool {
	return !message.IsToolResultCarrier() && len(message.Results()) == 0
}
