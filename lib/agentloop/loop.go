// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/agentwire/lib/clock"
	"github.com/bureau-foundation/agentwire/lib/llm"
	llmcontext "github.com/bureau-foundation/agentwire/lib/llm/context"
	"github.com/bureau-foundation/agentwire/lib/llm/retry"
)

// Defaults for [Config].
const (
	DefaultMaxSteps     = 25
	DefaultMaxSubagents = 10
	DefaultMaxTokens    = 4096
)

// ErrMaxSteps is returned when a turn reaches the step bound while the
// model is still requesting tools.
var ErrMaxSteps = errors.New("agentloop: step limit reached")

// subagentPrompt is appended to a sub-agent's system prompt.
const subagentPrompt = `You are a sub-agent working on one delegated task. You cannot spawn further sub-agents. When the task is finished, reply with a concise summary of what you did and found; that summary is all the parent agent will see.`

// Config holds the dependencies and limits of a [Loop].
type Config struct {
	// Provider is the LLM backend.
	Provider llm.Provider

	// Dialect selects history repair for the provider's wire protocol.
	// When empty it is taken from an [llm.HTTPProvider]'s adapter,
	// falling back to OpenAI.
	Dialect llm.Dialect

	Model        string
	SystemPrompt string

	// Tools are the executor's tool definitions. The loop adds the
	// plan tools and, when sub-agents are enabled, spawn_subagent.
	Tools    []llm.ToolDefinition
	Executor ToolExecutor

	MaxTokens   int
	Temperature *float64

	// Stream requests SSE responses and emits stream events.
	Stream bool

	// MaxSteps bounds provider requests per turn. Zero means
	// [DefaultMaxSteps].
	MaxSteps int

	// MaxSubagents caps sub-agents per session. Zero means
	// [DefaultMaxSubagents]; negative disables spawn_subagent.
	MaxSubagents int

	// Retry configures the retry controller. Its Dialect and Logger
	// are filled from this config when empty.
	Retry retry.Config

	// Compactor, when set, compacts history before each request.
	Compactor *llmcontext.Compactor

	// ContextWindow is the compaction limit in tokens. Zero looks the
	// model up with [llmcontext.ContextWindowForModel].
	ContextWindow int

	Policy *Policy

	// Preflight runs at the start of each turn, before any network
	// call. An error ends the turn as a *ConfigError.
	Preflight func() error

	// Clock stamps plans and times retry backoff. Nil means the wall
	// clock.
	Clock clock.Clock

	Sink   EventSink
	Logger *slog.Logger
}

// Loop runs turns of the tool-calling conversation. A Loop holds no
// per-conversation state and may run turns for several sessions
// concurrently.
type Loop struct {
	config        Config
	clock         clock.Clock
	retry         *retry.Controller
	tools         []llm.ToolDefinition
	sink          EventSink
	logger        *slog.Logger
	maxSteps      int
	maxSubagents  int
	contextWindow int
}

// New validates config and creates a loop.
func New(config Config) (*Loop, error) {
	if config.Provider == nil {
		return nil, fmt.Errorf("agentloop: provider is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("agentloop: model is required")
	}

	if config.Dialect == "" {
		config.Dialect = llm.DialectOpenAI
		if adapted, ok := config.Provider.(interface{ Adapter() llm.Adapter }); ok {
			config.Dialect = adapted.Adapter().Dialect()
		}
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}

	loop := &Loop{
		config:        config,
		clock:         clock.OrReal(config.Clock),
		sink:          config.Sink,
		logger:        config.Logger,
		maxSteps:      config.MaxSteps,
		maxSubagents:  config.MaxSubagents,
		contextWindow: config.ContextWindow,
	}
	if loop.sink == nil {
		loop.sink = discardSink{}
	}
	if loop.logger == nil {
		loop.logger = slog.New(slog.DiscardHandler)
	}
	if loop.maxSteps <= 0 {
		loop.maxSteps = DefaultMaxSteps
	}
	switch {
	case loop.maxSubagents == 0:
		loop.maxSubagents = DefaultMaxSubagents
	case loop.maxSubagents < 0:
		loop.maxSubagents = 0
	}
	if loop.contextWindow <= 0 {
		loop.contextWindow = llmcontext.ContextWindowForModel(config.Model)
	}

	retryConfig := config.Retry
	if retryConfig.Dialect == "" {
		retryConfig.Dialect = config.Dialect
	}
	if retryConfig.Logger == nil {
		retryConfig.Logger = loop.logger
	}
	if retryConfig.Clock == nil {
		retryConfig.Clock = loop.clock
	}
	loop.retry = retry.New(retryConfig)

	loop.tools = append(append([]llm.ToolDefinition{}, config.Tools...), builtinTools(loop.maxSubagents > 0)...)
	return loop, nil
}

// Run appends prompt to the session and runs one turn: send, execute
// any requested tools, and send again until the model answers without
// tool calls. On failure the error is emitted as an error event and
// returned; messages appended before the failure stay in the history.
func (loop *Loop) Run(ctx context.Context, session *Session, prompt string) error {
	session.History = append(session.History, llm.UserMessage(prompt))

	if loop.config.Preflight != nil {
		if err := loop.config.Preflight(); err != nil {
			return loop.fail(session, 0, asConfigError(err))
		}
	}

	for step := 0; step < loop.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return loop.fail(session, step, err)
		}

		loop.compact(ctx, session, step)

		loop.logger.Info("sending request",
			"session", session.ID,
			"step", step,
			"messages", len(session.History),
		)
		response, err := loop.send(ctx, session, step)
		if err != nil {
			return loop.fail(session, step, fmt.Errorf("agentloop: step %d: %w", step, err))
		}

		message := response.Message
		message.Role = llm.RoleAssistant
		if message.Usage == nil && response.Usage.Total() > 0 {
			usage := response.Usage
			message.Usage = &usage
		}
		session.History = append(session.History, message)
		if total := response.Usage.Total(); total > session.HighWater {
			session.HighWater = total
		}

		loop.emit(session, Event{
			Type:     EventFinal,
			Step:     step,
			Content:  message.Text(),
			Thinking: message.Thinking,
			Usage:    message.Usage,
			Messages: []llm.Message{message},
		})

		calls := message.Calls()
		if len(calls) == 0 {
			loop.logger.Info("turn complete",
				"session", session.ID,
				"steps", step+1,
				"stop_reason", response.StopReason,
			)
			return nil
		}

		loop.logger.Info("executing tool calls", "session", session.ID, "step", step, "count", len(calls))
		if err := loop.executeCalls(ctx, session, step, calls); err != nil {
			return loop.fail(session, step, err)
		}
	}

	return loop.fail(session, loop.maxSteps, fmt.Errorf("%w (%d steps)", ErrMaxSteps, loop.maxSteps))
}

// send builds the request for the current session state and sends it
// through the retry controller.
func (loop *Loop) send(ctx context.Context, session *Session, step int) (*llm.Response, error) {
	request := llm.Request{
		Model:       loop.config.Model,
		System:      loop.systemPrompt(session),
		Tools:       loop.tools,
		MaxTokens:   loop.config.MaxTokens,
		Temperature: loop.config.Temperature,
	}

	response, attempt, err := loop.retry.Send(ctx, session.History, func(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
		request.Messages = messages
		if !loop.config.Stream {
			return loop.config.Provider.Complete(ctx, request)
		}
		return loop.stream(ctx, session, step, request)
	})
	if attempt.Escalations > 0 || attempt.TransportRetries > 0 {
		loop.logger.Info("request needed retries",
			"session", session.ID,
			"sends", attempt.Sends,
			"escalation", attempt.Level.String(),
			"transport_retries", attempt.TransportRetries,
		)
	}
	return response, err
}

// stream sends one streaming request and relays its deltas as events.
func (loop *Loop) stream(ctx context.Context, session *Session, step int, request llm.Request) (*llm.Response, error) {
	stream, err := loop.config.Provider.Stream(ctx, request)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	loop.emit(session, Event{Type: EventStreamStart, Step: step})
	response, err := stream.Drain(func(event llm.StreamEvent) {
		switch event.Type {
		case llm.EventTextDelta:
			loop.emit(session, Event{
				Type:    EventStreamDelta,
				Step:    step,
				Channel: ChannelText,
				Content: event.Cumulative,
				Delta:   event.Text,
			})
		case llm.EventReasoningDelta:
			loop.emit(session, Event{
				Type:    EventStreamDelta,
				Step:    step,
				Channel: ChannelReasoning,
				Content: event.Text,
			})
		}
	})
	loop.emit(session, Event{Type: EventStreamStop, Step: step})
	return response, err
}

// compact runs the compactor when the history nears the context
// window. Failures are logged and the full history is kept.
func (loop *Loop) compact(ctx context.Context, session *Session, step int) {
	if loop.config.Compactor == nil {
		return
	}
	result, compacted, err := loop.config.Compactor.MaybeCompact(ctx, session.History, loop.contextWindow, session.HighWater)
	if err != nil {
		loop.logger.Warn("compaction failed, sending full history",
			"session", session.ID, "error", err)
		return
	}
	if !compacted {
		return
	}

	session.History = result.Messages
	session.HighWater = 0
	loop.emit(session, Event{
		Type:           EventCompacted,
		Step:           step,
		Summary:        result.Summary,
		TrimmedCount:   result.TrimmedCount,
		PreservedCount: result.PreservedCount,
		Messages:       llm.CloneHistory(result.Messages),
	})
}

// systemPrompt returns the configured prompt plus the plan state: the
// rendered plan once one exists, otherwise a reminder to set one.
func (loop *Loop) systemPrompt(session *Session) string {
	var sections []string
	if prompt := strings.TrimSpace(loop.config.SystemPrompt); prompt != "" {
		sections = append(sections, prompt)
	}
	switch {
	case session.Plan != nil:
		sections = append(sections, session.Plan.Render())
	case len(loop.config.Tools) > 0:
		sections = append(sections, planReminder)
	}
	return strings.Join(sections, "\n\n")
}

// executeCalls runs the calls of one assistant message in order and
// appends one result message per call. Consecutive spawn_subagent
// calls run concurrently.
func (loop *Loop) executeCalls(ctx context.Context, session *Session, step int, calls []llm.ToolCall) error {
	for index := 0; index < len(calls); {
		if calls[index].Name == ToolSpawnSubagent && loop.maxSubagents > 0 {
			end := index
			for end < len(calls) && calls[end].Name == ToolSpawnSubagent {
				end++
			}
			loop.spawnSubagents(ctx, session, step, calls[index:end])
			index = end
			continue
		}
		if err := loop.executeCall(ctx, session, step, calls[index]); err != nil {
			return err
		}
		index++
	}
	return nil
}

// executeCall runs one call. Only a policy violation is returned as an
// error; every other failure becomes the call's result.
func (loop *Loop) executeCall(ctx context.Context, session *Session, step int, call llm.ToolCall) error {
	switch call.Name {
	case ToolSetPlan, ToolUpdatePlanStep:
	default:
		if err := loop.config.Policy.Check(call.Name, call.Args); err != nil {
			return err
		}
	}

	loop.emit(session, Event{
		Type:       EventToolStart,
		Step:       step,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Args:       call.Args,
	})

	var result map[string]any
	switch {
	case ctx.Err() != nil:
		result = ToolFailure("execution cancelled")
	case call.Name == ToolSetPlan:
		result = loop.setPlan(session, step, call.Args)
	case call.Name == ToolUpdatePlanStep:
		result = loop.updatePlanStep(session, step, call.Args)
	case call.Name == ToolSpawnSubagent:
		result = ToolFailure("sub-agents are not available here")
	default:
		result = loop.runTool(ctx, session, call)
	}
	loop.recordResult(session, step, call, result)
	return nil
}

// runTool executes an external tool through the executor.
func (loop *Loop) runTool(ctx context.Context, session *Session, call llm.ToolCall) map[string]any {
	if loop.config.Executor == nil {
		return ToolFailure(fmt.Sprintf("no executor for tool %q", call.Name))
	}
	loop.logger.Info("executing tool", "session", session.ID, "name", call.Name, "id", call.ID)
	result, err := loop.config.Executor.ExecuteTool(ctx, call.Name, call.Args)
	if err != nil {
		loop.logger.Warn("tool failed", "session", session.ID, "name", call.Name, "error", err)
		return ToolFailure(err.Error())
	}
	if result == nil {
		result = map[string]any{"success": true}
	}
	return result
}

// recordResult appends the result message for call and emits the
// result event.
func (loop *Loop) recordResult(session *Session, step int, call llm.ToolCall, result map[string]any) {
	session.History = append(session.History, llm.ToolMessage(call.ID, call.Name, encodeResult(result)))
	loop.emit(session, Event{
		Type:       EventToolResult,
		Step:       step,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Result:     result,
		IsError:    isFailure(result),
	})
}

func (loop *Loop) setPlan(session *Session, step int, args map[string]any) map[string]any {
	plan, err := NewPlan(stringListArg(args, "steps"), loop.clock.Now())
	if err != nil {
		return ToolFailure(err.Error())
	}
	session.Plan = plan
	loop.emit(session, Event{Type: EventPlanUpdated, Step: step, Plan: plan.Clone()})
	return map[string]any{"success": true, "steps": len(plan.Steps)}
}

func (loop *Loop) updatePlanStep(session *Session, step int, args map[string]any) map[string]any {
	if session.Plan == nil {
		return ToolFailure("no plan is set; call set_plan first")
	}
	number, ok := intArg(args, "step")
	if !ok {
		return ToolFailure("step must be an integer")
	}
	status := StepStatus(strings.ToLower(stringArg(args, "status")))
	if err := session.Plan.Update(number, status, stringArg(args, "note"), loop.clock.Now()); err != nil {
		return ToolFailure(err.Error())
	}
	loop.emit(session, Event{Type: EventPlanUpdated, Step: step, Plan: session.Plan.Clone()})
	return map[string]any{"success": true, "complete": session.Plan.Complete()}
}

// fail emits err as an error event and returns it.
func (loop *Loop) fail(session *Session, step int, err error) error {
	loop.logger.Error("turn failed", "session", session.ID, "step", step, "error", err)
	loop.emit(session, Event{Type: EventError, Step: step, Content: err.Error()})
	return err
}

func (loop *Loop) emit(session *Session, event Event) {
	event.SessionID = session.ID
	loop.sink.Emit(event)
}

// asConfigError returns err as a *ConfigError, wrapping it if needed.
func asConfigError(err error) error {
	var configError *ConfigError
	if errors.As(err, &configError) {
		return err
	}
	return &ConfigError{Reason: err.Error()}
}
