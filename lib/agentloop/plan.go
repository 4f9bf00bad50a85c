// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StepStatus is the state of one plan step. Steps start pending; the
// first step that is neither done nor blocked is reported as running.
// A done step is final. A blocked step may later be marked done.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepBlocked StepStatus = "blocked"
)

// PlanStep is one step of a [Plan].
type PlanStep struct {
	// ID is the 1-based step number the model refers to.
	ID     int        `json:"id"`
	Title  string     `json:"title"`
	Status StepStatus `json:"status"`
	Note   string     `json:"note,omitempty"`
}

// Plan is the model's declared plan for the current task.
type Plan struct {
	Steps     []PlanStep `json:"steps"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewPlan creates a plan at now whose steps are all pending. Blank
// titles are skipped.
func NewPlan(titles []string, now time.Time) (*Plan, error) {
	now = now.UTC()
	plan := &Plan{CreatedAt: now, UpdatedAt: now}
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		plan.Steps = append(plan.Steps, PlanStep{ID: len(plan.Steps) + 1, Title: title, Status: StepPending})
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	plan.markRunning()
	return plan, nil
}

// Update sets the status of the 1-based step number at time now. Only
// done and blocked may be set explicitly.
func (plan *Plan) Update(step int, status StepStatus, note string, now time.Time) error {
	if step < 1 || step > len(plan.Steps) {
		return fmt.Errorf("step %d out of range (plan has %d steps)", step, len(plan.Steps))
	}
	if status != StepDone && status != StepBlocked {
		return fmt.Errorf("status must be %q or %q, got %q", StepDone, StepBlocked, status)
	}
	current := &plan.Steps[step-1]
	if current.Status == StepDone {
		return fmt.Errorf("step %d is already done", step)
	}
	current.Status = status
	if note != "" {
		current.Note = note
	}
	plan.UpdatedAt = now.UTC()
	plan.markRunning()
	return nil
}

// markRunning marks the first unfinished step running and any later
// running step pending again.
func (plan *Plan) markRunning() {
	found := false
	for index := range plan.Steps {
		step := &plan.Steps[index]
		switch step.Status {
		case StepDone, StepBlocked:
			continue
		}
		if !found {
			step.Status = StepRunning
			found = true
			continue
		}
		step.Status = StepPending
	}
}

// Complete reports whether every step is done or blocked.
func (plan *Plan) Complete() bool {
	for _, step := range plan.Steps {
		if step.Status != StepDone && step.Status != StepBlocked {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares nothing with plan.
func (plan *Plan) Clone() *Plan {
	if plan == nil {
		return nil
	}
	clone := *plan
	clone.Steps = append([]PlanStep(nil), plan.Steps...)
	return &clone
}

// Render formats the plan for the system prompt.
func (plan *Plan) Render() string {
	var builder strings.Builder
	builder.WriteString("Current plan:\n")
	for _, step := range plan.Steps {
		fmt.Fprintf(&builder, "%d. [%s] %s", step.ID, step.Status, step.Title)
		if step.Note != "" {
			fmt.Fprintf(&builder, " (%s)", step.Note)
		}
		builder.WriteString("\n")
	}
	if plan.Complete() {
		builder.WriteString("All steps are finished. Report the outcome to the user.")
	} else {
		builder.WriteString("Work on the running step. Call update_plan_step when a step is done or blocked.")
	}
	return builder.String()
}

// Plan tool names.
const (
	ToolSetPlan        = "set_plan"
	ToolUpdatePlanStep = "update_plan_step"
	ToolSpawnSubagent  = "spawn_subagent"
)

// planReminder is appended to the system prompt until a plan exists.
const planReminder = `Before calling any tool that acts on the browser, call set_plan with the ordered steps you intend to take.`

var setPlanSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "steps": {"type": "array", "items": {"type": "string"}, "description": "Ordered step titles."}
  },
  "required": ["steps"]
}`)

var updatePlanStepSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "step": {"type": "integer", "description": "1-based step number."},
    "status": {"type": "string", "enum": ["done", "blocked"]},
    "note": {"type": "string"}
  },
  "required": ["step", "status"]
}`)

var spawnSubagentSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "task": {"type": "string", "description": "Self-contained description of the work for the sub-agent."}
  },
  "required": ["task"]
}`)
