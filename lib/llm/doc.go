// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm defines the canonical conversation model and the wire
// adapters that translate it to and from LLM provider APIs.
//
// A conversation is a slice of [Message]. Tool calls and tool results
// may appear in either of two shapes: OpenAI-style (ToolCalls on the
// assistant message, results as role:"tool" messages) or
// Anthropic-style (tool-use and tool-result parts inside message
// content). [Message.Calls] and [Message.Results] read both.
//
// An [Adapter] is a pure converter for one wire dialect: [OpenAI] for
// the Chat Completions format and [Anthropic] for the Messages API.
// [HTTPProvider] pairs an adapter with an [http.Client] and implements
// [Provider], with blocking [Provider.Complete] and streaming
// [Provider.Stream].
//
// Streaming uses Server-Sent Events parsed by [SSEScanner]. OpenAI
// streams are assembled by [DeltaAggregator]; both dialects deliver
// [StreamEvent] values through an [EventStream], with text fragments
// as they arrive and the finished [Response] on [EventDone].
//
// Tool arguments produced by models are often malformed. [ParseArgs]
// recovers an argument map from whatever the model sent, and an
// [ImplicitExtractor] recovers tool calls written into plain text.
package llm
