// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentloop

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/agentwire/lib/llm"
)

// spawnSubagents runs a run of consecutive spawn_subagent calls. Each
// accepted call starts an independent loop on a private session; the
// sub-agents run concurrently, and their results are recorded in call
// order once all have finished. Calls beyond the session cap fail
// without starting anything.
func (loop *Loop) spawnSubagents(ctx context.Context, session *Session, step int, calls []llm.ToolCall) {
	type outcome struct {
		task    string
		summary string
		err     error
		started bool
		result  map[string]any
	}
	outcomes := make([]outcome, len(calls))

	var group errgroup.Group
	group.SetLimit(loop.maxSubagents)
	for index, call := range calls {
		loop.emit(session, Event{
			Type:       EventToolStart,
			Step:       step,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Args:       call.Args,
		})

		task := stringArg(call.Args, "task")
		switch {
		case task == "":
			outcomes[index].result = ToolFailure("task is required")
			continue
		case session.Subagents >= loop.maxSubagents:
			outcomes[index].result = ToolFailure(fmt.Sprintf("sub-agent limit reached (%d per session)", loop.maxSubagents))
			continue
		}

		session.Subagents++
		outcomes[index].task = task
		outcomes[index].started = true
		group.Go(func() error {
			summary, err := loop.runSubagent(ctx, session.ID, task)
			outcomes[index].summary = summary
			outcomes[index].err = err
			return nil
		})
	}
	group.Wait()

	for index, call := range calls {
		result := outcomes[index].result
		if outcomes[index].started {
			summary := outcomes[index].summary
			if err := outcomes[index].err; err != nil {
				if summary == "" {
					summary = "sub-agent failed: " + err.Error()
				}
				result = map[string]any{"success": false, "error": err.Error(), "summary": summary}
			} else {
				result = map[string]any{"success": true, "summary": summary}
			}
			loop.emit(session, Event{
				Type:       EventSubagentDone,
				Step:       step,
				ToolCallID: call.ID,
				Task:       outcomes[index].task,
				Summary:    summary,
				IsError:    outcomes[index].err != nil,
			})
		}
		loop.recordResult(session, step, call, result)
	}
}

// runSubagent runs task to completion on a fresh session and returns
// the sub-agent's final answer. The sub-agent shares the provider,
// executor and limits but emits no events and cannot spawn.
func (loop *Loop) runSubagent(ctx context.Context, parentID, task string) (string, error) {
	config := loop.config
	config.Sink = nil
	config.Preflight = nil
	config.MaxSubagents = -1
	config.Logger = loop.logger.With("parent_session", parentID)
	if config.SystemPrompt == "" {
		config.SystemPrompt = subagentPrompt
	} else {
		config.SystemPrompt += "\n\n" + subagentPrompt
	}

	child, err := New(config)
	if err != nil {
		return "", err
	}
	session := NewSession()
	config.Logger.Info("sub-agent started", "session", session.ID)
	err = child.Run(ctx, session, task)
	summary := session.LastAssistantText()
	if err == nil && summary == "" {
		summary = "(the sub-agent finished without a summary)"
	}
	config.Logger.Info("sub-agent finished", "session", session.ID, "error", err)
	return summary, err
}
