// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/agentwire/lib/agentloop"
	"github.com/bureau-foundation/agentwire/lib/llm"
)

// maxArgsWidth truncates rendered tool arguments and results.
const maxArgsWidth = 160

// jsonRenderer writes each event as one JSON line.
type jsonRenderer struct {
	mutex   sync.Mutex
	encoder *json.Encoder
}

func newJSONRenderer(w io.Writer) *jsonRenderer {
	return &jsonRenderer{encoder: json.NewEncoder(w)}
}

func (renderer *jsonRenderer) Emit(event agentloop.Event) {
	renderer.mutex.Lock()
	defer renderer.mutex.Unlock()
	// Errors writing to stdout have nowhere better to go.
	_ = renderer.encoder.Encode(event)
}

// terminalRenderer prints events for a person watching the turn.
// Colors come from the lipgloss renderer bound to the output, so a
// redirected stdout gets plain text.
type terminalRenderer struct {
	mutex sync.Mutex
	out   io.Writer

	// streamed is set while the current step's text has been written
	// incrementally, so assistant_final does not print it again.
	streamed bool

	thinking lipgloss.Style
	tool     lipgloss.Style
	success  lipgloss.Style
	failure  lipgloss.Style
	notice   lipgloss.Style
	plan     lipgloss.Style
}

func newTerminalRenderer(w io.Writer) *terminalRenderer {
	styles := lipgloss.NewRenderer(w)
	return &terminalRenderer{
		out:      w,
		thinking: styles.NewStyle().Faint(true).Italic(true),
		tool:     styles.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		success:  styles.NewStyle().Foreground(lipgloss.Color("10")),
		failure:  styles.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		notice:   styles.NewStyle().Foreground(lipgloss.Color("11")),
		plan:     styles.NewStyle().Foreground(lipgloss.Color("14")),
	}
}

func (renderer *terminalRenderer) Emit(event agentloop.Event) {
	renderer.mutex.Lock()
	defer renderer.mutex.Unlock()

	switch event.Type {
	case agentloop.EventStreamStart:
		renderer.streamed = false

	case agentloop.EventStreamDelta:
		switch event.Channel {
		case agentloop.ChannelReasoning:
			renderer.println(renderer.thinking.Render(strings.TrimSpace(event.Content)))
		default:
			if event.Delta != "" {
				fmt.Fprint(renderer.out, event.Delta)
				renderer.streamed = true
			}
		}

	case agentloop.EventStreamStop:
		if renderer.streamed {
			fmt.Fprintln(renderer.out)
		}

	case agentloop.EventFinal:
		if !renderer.streamed {
			if event.Thinking != "" {
				renderer.println(renderer.thinking.Render(strings.TrimSpace(event.Thinking)))
			}
			if text := strings.TrimSpace(event.Content); text != "" {
				renderer.println(text)
			}
		}
		renderer.streamed = false

	case agentloop.EventCompacted:
		renderer.println(renderer.notice.Render(fmt.Sprintf(
			"[context compacted: %d messages summarized, %d kept]",
			event.TrimmedCount, event.PreservedCount)))

	case agentloop.EventToolStart:
		renderer.println(renderer.tool.Render("→ "+event.ToolName) + " " +
			truncate(llm.EncodeArgs(event.Args), maxArgsWidth))

	case agentloop.EventToolResult:
		status := renderer.success.Render("← " + event.ToolName)
		if event.IsError {
			status = renderer.failure.Render("← " + event.ToolName + " failed")
		}
		renderer.println(status + " " + truncate(encodeResult(event.Result), maxArgsWidth))

	case agentloop.EventSubagentDone:
		label := "sub-agent finished"
		if event.IsError {
			label = "sub-agent failed"
		}
		renderer.println(renderer.notice.Render(label+": ") + truncate(event.Task, maxArgsWidth))

	case agentloop.EventPlanUpdated:
		renderer.println(renderer.plan.Render(renderPlan(event.Plan)))

	case agentloop.EventError:
		renderer.println(renderer.failure.Render("error: ") + event.Content)
	}
}

func (renderer *terminalRenderer) println(text string) {
	fmt.Fprintln(renderer.out, text)
}

func renderPlan(plan *agentloop.Plan) string {
	if plan == nil {
		return "plan: (none)"
	}
	var builder strings.Builder
	builder.WriteString("plan:")
	for _, step := range plan.Steps {
		fmt.Fprintf(&builder, "\n  %d. [%s] %s", step.ID, step.Status, step.Title)
		if step.Note != "" {
			fmt.Fprintf(&builder, " (%s)", step.Note)
		}
	}
	return builder.String()
}

func encodeResult(result map[string]any) string {
	if result == nil {
		return "{}"
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(encoded)
}

func truncate(text string, width int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width-1]) + "…"
}
