// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/agentwire/lib/clock"
	"github.com/bureau-foundation/agentwire/lib/llm"
)

func orderingError() error {
	return &llm.ProviderError{
		StatusCode: 400,
		Type:       "invalid_request_error",
		Message:    "An assistant message with 'tool_calls' must be followed by tool messages responding to each 'tool_call_id'.",
		Body:       `{"error":{"message":"An assistant message with 'tool_calls' must be followed by tool messages responding to each 'tool_call_id'.","type":"invalid_request_error"}}`,
	}
}

func toolHistory() []llm.Message {
	return []llm.Message{
		llm.UserMessage("go"),
		llm.AssistantMessage("calling", llm.ToolCall{ID: "c1", Name: "a", Args: map[string]any{}}),
		llm.ToolMessage("c1", "a", "ok"),
		llm.UserMessage("and then?"),
	}
}

func okResponse() *llm.Response {
	return &llm.Response{Message: llm.AssistantMessage("fine")}
}

func TestSendRejectsTwiceThenSucceeds(t *testing.T) {
	t.Parallel()

	controller := New(Config{Dialect: llm.DialectOpenAI, Backoff: -1})

	var sent [][]llm.Message
	send := func(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
		sent = append(sent, messages)
		if len(sent) <= 2 {
			return nil, orderingError()
		}
		return okResponse(), nil
	}

	response, attempt, err := controller.Send(context.Background(), toolHistory(), send)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if response.Text() != "fine" {
		t.Errorf("response = %q", response.Text())
	}
	if attempt.Sends != 3 || len(sent) != 3 {
		t.Errorf("sends = %d (%d recorded), want 3", attempt.Sends, len(sent))
	}
	if attempt.Escalations != 2 || attempt.Level != LevelAggressive {
		t.Errorf("escalations = %d, level = %s, want 2 and aggressive", attempt.Escalations, attempt.Level)
	}

	// The final send carries no tool traffic.
	for _, message := range sent[2] {
		if len(message.Calls()) > 0 || message.Role == llm.RoleTool {
			t.Errorf("aggressive send still has tool traffic: %+v", message)
		}
	}
	// The second send still carries the tool exchange.
	if len(sent[1][1].Calls()) != 1 {
		t.Errorf("resanitized send lost the tool call: %+v", sent[1])
	}
}

func TestSendGivesUpWithOriginalError(t *testing.T) {
	t.Parallel()

	controller := New(Config{Dialect: llm.DialectAnthropic, Backoff: -1})
	first := orderingError()
	calls := 0
	send := func(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
		calls++
		if calls == 1 {
			return nil, first
		}
		return nil, orderingError()
	}

	_, attempt, err := controller.Send(context.Background(), toolHistory(), send)
	if err != first {
		t.Errorf("err = %v, want the first rejection", err)
	}
	if attempt.Sends != 3 || attempt.Level != LevelGaveUp {
		t.Errorf("attempt = %+v, want 3 sends and gave_up", attempt)
	}
}

func TestSendTransportRetries(t *testing.T) {
	t.Parallel()

	controller := New(Config{Dialect: llm.DialectOpenAI, Backoff: -1})
	calls := 0
	send := func(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
		calls++
		if calls <= 2 {
			return nil, &llm.ProviderError{StatusCode: 503, Message: "unavailable"}
		}
		return okResponse(), nil
	}

	_, attempt, err := controller.Send(context.Background(), toolHistory(), send)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if attempt.Sends != 3 || attempt.TransportRetries != 2 || attempt.Escalations != 0 {
		t.Errorf("attempt = %+v, want 3 sends, 2 transport retries, no escalation", attempt)
	}
}

func TestSendTransportBoundExceeded(t *testing.T) {
	t.Parallel()

	controller := New(Config{Dialect: llm.DialectOpenAI, Backoff: -1})
	networkError := &llm.TransportError{Op: "llm/openai: sending request", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}
	calls := 0
	send := func(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
		calls++
		return nil, networkError
	}

	_, attempt, err := controller.Send(context.Background(), toolHistory(), send)
	if !errors.Is(err, networkError) {
		t.Errorf("err = %v, want the transport error", err)
	}
	if calls != 3 || attempt.TransportRetries != 2 {
		t.Errorf("calls = %d, retries = %d, want 3 and 2", calls, attempt.TransportRetries)
	}
}

func TestSendTerminalClientError(t *testing.T) {
	t.Parallel()

	controller := New(Config{Dialect: llm.DialectOpenAI, Backoff: -1})
	calls := 0
	send := func(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
		calls++
		return nil, &llm.ProviderError{StatusCode: 401, Type: "authentication_error", Message: "invalid x-api-key"}
	}

	_, _, err := controller.Send(context.Background(), toolHistory(), send)
	if err == nil || calls != 1 {
		t.Errorf("err = %v, calls = %d, want one terminal failure", err, calls)
	}
}

func TestSendBackoffHonorsCancellation(t *testing.T) {
	t.Parallel()

	controller := New(Config{Dialect: llm.DialectOpenAI, Backoff: time.Hour, Clock: clock.Fake(time.Unix(0, 0))})
	ctx, cancel := context.WithCancel(context.Background())
	send := func(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
		cancel()
		return nil, &llm.ProviderError{StatusCode: 500, Message: "boom"}
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := controller.Send(ctx, toolHistory(), send)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Send succeeded after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}
}

func TestSendTransportBackoffWaitsDefault(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	controller := New(Config{Dialect: llm.DialectOpenAI, Clock: fake})

	var mutex sync.Mutex
	var sentAt []time.Time
	send := func(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
		mutex.Lock()
		defer mutex.Unlock()
		sentAt = append(sentAt, fake.Now())
		if len(sentAt) == 1 {
			return nil, &llm.ProviderError{StatusCode: 503, Message: "unavailable"}
		}
		return okResponse(), nil
	}
	sends := func() int {
		mutex.Lock()
		defer mutex.Unlock()
		return len(sentAt)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := controller.Send(context.Background(), toolHistory(), send)
		done <- err
	}()

	fake.WaitForTimers(1)
	fake.Advance(DefaultBackoff - time.Millisecond)
	if sends() != 1 || fake.PendingCount() != 1 {
		t.Fatalf("resent before the backoff elapsed: sends = %d, pending = %d", sends(), fake.PendingCount())
	}
	fake.Advance(time.Millisecond)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not resend after the backoff")
	}
	if gap := sentAt[1].Sub(sentAt[0]); gap != time.Second {
		t.Errorf("resend came %v after the failure, want 1s", gap)
	}
}

func TestIsToolOrderingError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"openai tool_call_id", orderingError(), true},
		{"anthropic tool_use without result", &llm.ProviderError{StatusCode: 400, Body: "messages.2: `tool_use` ids were found without `tool_result` blocks immediately after"}, true},
		{"legacy signature", &llm.ProviderError{StatusCode: 400, Body: "tool call result does not follow tool call"}, true},
		{"invalid request mentioning tools", &llm.ProviderError{StatusCode: 422, Type: "invalid_request_error", Message: "bad tool sequence"}, true},
		{"invalid request without tools", &llm.ProviderError{StatusCode: 400, Type: "invalid_request_error", Message: "max_tokens too large"}, false},
		{"server error with signature", &llm.ProviderError{StatusCode: 500, Body: "tool_call_id"}, false},
		{"rate limit", &llm.ProviderError{StatusCode: 429, Body: "tool_call_id"}, false},
		{"not a provider error", errors.New("tool_call_id"), false},
	}
	for _, test := range tests {
		if got := IsToolOrderingError(test.err); got != test.want {
			t.Errorf("%s: IsToolOrderingError = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestIsTransportError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"transport", &llm.TransportError{Op: "send", Err: errors.New("reset")}, true},
		{"502", &llm.ProviderError{StatusCode: 502}, true},
		{"529", &llm.ProviderError{StatusCode: 529}, true},
		{"429", &llm.ProviderError{StatusCode: 429}, true},
		{"400", &llm.ProviderError{StatusCode: 400}, false},
		{"plain", errors.New("x"), false},
	}
	for _, test := range tests {
		if got := IsTransportError(test.err); got != test.want {
			t.Errorf("%s: IsTransportError = %v, want %v", test.name, got, test.want)
		}
	}
}
