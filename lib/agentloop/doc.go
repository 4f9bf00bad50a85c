// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentloop runs the tool-calling conversation: send the
// history, execute the tools the model asks for, append their results,
// and send again until the model answers in plain text.
//
// A [Loop] holds the provider, tool executor and limits. A [Session]
// holds one conversation: its canonical history, the model's plan, the
// usage high-water mark and the number of sub-agents spawned. Each
// [Loop.Run] is one turn, bounded by a maximum number of provider
// requests so a model that keeps requesting tools still terminates.
//
// Every request goes through the retry controller in
// [github.com/bureau-foundation/agentwire/lib/llm/retry], which
// sanitizes a copy of the history for the provider's dialect and
// escalates repair when the provider rejects the tool sequence. Before
// each request the optional compactor replaces old history with a
// summary when the context window is nearly full.
//
// The loop handles three tools itself. set_plan and update_plan_step
// maintain the plan, which is rendered into the system prompt; until
// a plan exists the prompt asks the model to declare one before acting
// on the browser. spawn_subagent starts an independent loop on a
// private session; consecutive spawn calls run concurrently, up to a
// per-session cap, and each reports back through one subagent_complete
// event. All other tools run sequentially through the [ToolExecutor].
//
// Progress is reported as [Event] values to an [EventSink].
package agentloop
