// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry decides how to resend a conversation after a provider
// rejects it.
//
// Two failure classes are handled differently. Transport failures
// (network errors, timeouts, 5xx, 429) are resent unchanged a bounded
// number of times with a fixed backoff. Tool-ordering rejections (a 4xx
// whose body says the tool call/result sequence is malformed) escalate
// the repair applied to the history: first a strict re-sanitize from
// the canonical history, then an aggressive strip of all tool traffic,
// then the original error is returned.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bureau-foundation/agentwire/lib/clock"
	"github.com/bureau-foundation/agentwire/lib/llm"
	"github.com/bureau-foundation/agentwire/lib/llm/repair"
)

// Defaults for [Controller].
const (
	DefaultTransportRetries = 2
	DefaultBackoff          = time.Second
)

// DefaultSignatures are lowercase substrings of provider error bodies
// that identify a tool-ordering rejection. The first three are the
// documented markers; the rest are messages observed from Anthropic
// and OpenAI-compatible servers for the same fault.
var DefaultSignatures = []string{
	"tool call result does not follow tool call",
	"tool_call_id",
	"ids were found without `tool_result`",
	"unexpected `tool_use_id`",
	"messages with role 'tool' must be a response",
}

// Level is how far escalation has progressed.
type Level int

const (
	// LevelNone means no tool-ordering rejection occurred.
	LevelNone Level = iota

	// LevelResanitize resends a strict re-sanitize of the full history.
	LevelResanitize

	// LevelAggressive resends the history with all tool traffic removed.
	LevelAggressive

	// LevelGaveUp means both repairs were rejected.
	LevelGaveUp
)

func (level Level) String() string {
	switch level {
	case LevelNone:
		return "none"
	case LevelResanitize:
		return "resanitize"
	case LevelAggressive:
		return "aggressive"
	case LevelGaveUp:
		return "gave_up"
	}
	return "unknown"
}

// Attempt reports what one [Controller.Send] did.
type Attempt struct {
	// Sends is the number of requests handed to the send function.
	Sends int

	// Escalations is the number of repair escalations performed.
	Escalations int

	// Level is the highest escalation level reached.
	Level Level

	// TransportRetries is the number of transport-level resends.
	TransportRetries int

	// Messages is the history that was sent on the final attempt.
	Messages []llm.Message
}

// SendFunc sends one sanitized history to the provider.
type SendFunc func(ctx context.Context, messages []llm.Message) (*llm.Response, error)

// Controller runs the retry and escalation state machine. The zero
// value is not usable; create one with [New].
type Controller struct {
	dialect          llm.Dialect
	transportRetries int
	backoff          time.Duration
	signatures       []string
	clock            clock.Clock
	logger           *slog.Logger
}

// Config configures a [Controller].
type Config struct {
	Dialect llm.Dialect

	// TransportRetries bounds resends after transport failures.
	// Negative means zero; zero means [DefaultTransportRetries].
	TransportRetries int

	// Backoff is the fixed wait between transport resends. Zero
	// means [DefaultBackoff]; negative means no wait.
	Backoff time.Duration

	// Signatures overrides [DefaultSignatures]. Matching is
	// case-insensitive.
	Signatures []string

	// Clock times the backoff. Nil means the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// New creates a controller.
func New(config Config) *Controller {
	controller := &Controller{
		dialect:          config.Dialect,
		transportRetries: config.TransportRetries,
		backoff:          config.Backoff,
		signatures:       config.Signatures,
		clock:            clock.OrReal(config.Clock),
		logger:           config.Logger,
	}
	switch {
	case controller.transportRetries == 0:
		controller.transportRetries = DefaultTransportRetries
	case controller.transportRetries < 0:
		controller.transportRetries = 0
	}
	switch {
	case controller.backoff == 0:
		controller.backoff = DefaultBackoff
	case controller.backoff < 0:
		controller.backoff = 0
	}
	if controller.signatures == nil {
		controller.signatures = DefaultSignatures
	}
	if controller.logger == nil {
		controller.logger = slog.New(slog.DiscardHandler)
	}
	return controller
}

// Send sanitizes history, sends it, and handles failures. The
// canonical history is never modified; every repair starts from it.
// On success the response and the attempt record are returned. After
// escalation is exhausted the error from the first tool-ordering
// rejection is returned.
func (controller *Controller) Send(ctx context.Context, history []llm.Message, send SendFunc) (*llm.Response, Attempt, error) {
	var attempt Attempt
	var firstRejection error

	messages, report := repair.SanitizeWithReport(history, repair.Options{Dialect: controller.dialect})
	if report.Changed() {
		controller.logger.Debug("history repaired before send",
			"placeholders", report.Placeholders,
			"orphans_dropped", report.OrphansDropped,
			"merged", report.Merged,
			"dropped", report.Dropped,
			"renamed", report.Renamed,
		)
	}

	for {
		attempt.Messages = messages
		response, err := controller.sendWithTransportRetry(ctx, messages, send, &attempt)
		if err == nil {
			return response, attempt, nil
		}
		if !controller.IsToolOrderingError(err) {
			return nil, attempt, err
		}
		if firstRejection == nil {
			firstRejection = err
		}

		switch attempt.Level {
		case LevelNone:
			attempt.Level = LevelResanitize
			messages = repair.Sanitize(history, repair.Options{Dialect: controller.dialect, Strict: true})
			if validationErr := repair.Validate(messages, controller.dialect); validationErr != nil {
				controller.logger.Debug("strict sanitize left an invalid history", "error", validationErr)
			}
		case LevelResanitize:
			attempt.Level = LevelAggressive
			messages = repair.Aggressive(history, repair.Options{Dialect: controller.dialect})
		default:
			attempt.Level = LevelGaveUp
			controller.logger.Warn("provider rejected every repair of the tool sequence",
				"sends", attempt.Sends, "error", firstRejection)
			return nil, attempt, firstRejection
		}
		attempt.Escalations++
		controller.logger.Info("provider rejected tool sequence, escalating repair",
			"level", attempt.Level.String(), "error", err)
	}
}

// sendWithTransportRetry sends once, resending after transport
// failures up to the configured bound.
func (controller *Controller) sendWithTransportRetry(ctx context.Context, messages []llm.Message, send SendFunc, attempt *Attempt) (*llm.Response, error) {
	retries := 0
	for {
		attempt.Sends++
		response, err := send(ctx, messages)
		if err == nil {
			return response, nil
		}
		if !IsTransportError(err) || retries >= controller.transportRetries || ctx.Err() != nil {
			return nil, err
		}
		retries++
		attempt.TransportRetries++
		controller.logger.Warn("transport failure, retrying",
			"retry", retries, "max", controller.transportRetries, "error", err)
		if err := controller.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// wait pauses for the backoff or until ctx is done.
func (controller *Controller) wait(ctx context.Context) error {
	if controller.backoff <= 0 {
		return ctx.Err()
	}
	select {
	case <-controller.clock.After(controller.backoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTransportError reports whether err should be retried unchanged:
// network failures, timeouts, 5xx, 529 overload and 429 rate limits.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if llm.IsTransport(err) {
		return true
	}
	var providerError *llm.ProviderError
	if errors.As(err, &providerError) {
		return providerError.IsServerError() || providerError.IsRateLimited()
	}
	return false
}

// IsToolOrderingError reports whether err is a 4xx rejection whose
// body matches one of the controller's signatures, or the generic
// "invalid_request_error" marker alongside a mention of tools.
func (controller *Controller) IsToolOrderingError(err error) bool {
	return matchesToolOrdering(err, controller.signatures)
}

// IsToolOrderingError is [Controller.IsToolOrderingError] with
// [DefaultSignatures].
func IsToolOrderingError(err error) bool {
	return matchesToolOrdering(err, DefaultSignatures)
}

func matchesToolOrdering(err error, signatures []string) bool {
	var providerError *llm.ProviderError
	if !errors.As(err, &providerError) {
		return false
	}
	if providerError.StatusCode < 400 || providerError.StatusCode >= 500 || providerError.IsRateLimited() {
		return false
	}

	body := strings.ToLower(providerError.Body + " " + providerError.Type + " " + providerError.Message)
	for _, signature := range signatures {
		if strings.Contains(body, strings.ToLower(signature)) {
			return true
		}
	}
	return strings.Contains(body, "invalid_request_error") && strings.Contains(body, "tool")
}
