// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentloop

import (
	"github.com/google/uuid"

	"github.com/bureau-foundation/agentwire/lib/llm"
)

// Session is the state one conversation carries between turns. A
// session belongs to one running turn at a time; the loop mutates it
// only from the goroutine that called [Loop.Run].
type Session struct {
	ID string

	// History is the canonical conversation. It is appended to as the
	// turn progresses and replaced wholesale by compaction. Requests
	// are built from sanitized copies; History itself is never
	// repaired in place.
	History []llm.Message

	// Plan is the model's current plan, or nil before set_plan.
	Plan *Plan

	// HighWater is the largest provider-reported token total seen
	// since the last compaction.
	HighWater int64

	// Subagents is the number of sub-agents spawned so far.
	Subagents int
}

// NewSession creates an empty session with a random ID.
func NewSession() *Session {
	return &Session{ID: uuid.NewString()}
}

// LastAssistantText returns the text of the newest assistant message
// that has text, or "".
func (session *Session) LastAssistantText() string {
	for index := len(session.History) - 1; index >= 0; index-- {
		message := session.History[index]
		if message.Role == llm.RoleAssistant && message.HasText() {
			return message.Text()
		}
	}
	return ""
}
