// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package context keeps a conversation history within the model's
// context window by replacing its oldest part with a generated
// summary.
//
// [EstimateContextTokens] sizes a history. The most recent assistant
// message carrying provider usage anchors the estimate; only the
// messages after it are estimated with the character heuristic of
// [EstimateMessageTokens]. [ShouldCompact] compares the estimate with
// the limit minus a fixed reserve.
//
// [FindCutPoint] chooses where the summarized prefix ends. It walks
// back from the newest message until the preserved suffix holds
// roughly the requested number of tokens, and never lets the suffix
// begin with tool results, so an assistant message is never separated
// from the results of its tool calls.
//
// [Compactor] ties these together with a [Summarizer]. The summary
// becomes one system message tagged with [llm.MetaKindSummary]; later
// compactions fold earlier summaries into the new one.
package context
