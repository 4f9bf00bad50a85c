// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds a single provider call when the caller does
// not configure one.
const DefaultTimeout = 60 * time.Second

// Provider is the interface for LLM API backends.
type Provider interface {
	// Complete sends a request and blocks until the full response
	// is available.
	Complete(ctx context.Context, request Request) (*Response, error)

	// Stream sends a request and returns an [EventStream] that yields
	// events as they arrive. The caller must call [EventStream.Close]
	// when done, even if iteration ended early.
	Stream(ctx context.Context, request Request) (*EventStream, error)
}

// Adapter converts between the canonical model and one vendor's wire
// format. Adapters are pure: they never perform I/O. [HTTPProvider]
// pairs an adapter with an HTTP client.
type Adapter interface {
	// Dialect identifies the wire protocol for history sanitizing.
	Dialect() Dialect

	// ToWire encodes a request body. When stream is true the body
	// asks the provider for an SSE response.
	ToWire(request Request, stream bool) ([]byte, error)

	// FromWire decodes a non-streaming response body.
	FromWire(body []byte) (*Response, error)

	// Endpoint returns the full URL requests are POSTed to.
	Endpoint() string

	// Headers returns the protocol and authentication headers.
	Headers() map[string]string

	// NewEventStream wraps an SSE response body.
	NewEventStream(body io.ReadCloser) *EventStream
}

// HTTPProvider implements [Provider] by sending an [Adapter]'s wire
// requests over HTTP.
type HTTPProvider struct {
	adapter    Adapter
	httpClient *http.Client
	timeout    time.Duration
}

// NewProvider creates a provider. A nil httpClient uses
// [http.DefaultClient]; a zero timeout uses [DefaultTimeout].
func NewProvider(adapter Adapter, httpClient *http.Client, timeout time.Duration) *HTTPProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPProvider{adapter: adapter, httpClient: httpClient, timeout: timeout}
}

// Adapter returns the provider's wire adapter.
func (provider *HTTPProvider) Adapter() Adapter {
	return provider.adapter
}

// Complete sends a non-streaming request.
func (provider *HTTPProvider) Complete(ctx context.Context, request Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.timeout)
	defer cancel()

	prefix := "llm/" + string(provider.adapter.Dialect())
	body, err := provider.adapter.ToWire(request, false)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", prefix, err)
	}

	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.adapter.Endpoint(),
		provider.adapter.Headers(), body, prefix, false)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, &TransportError{Op: prefix + ": reading response", Err: err}
	}
	return provider.adapter.FromWire(responseBody)
}

// Stream sends a streaming request. The provider timeout covers the
// whole stream; closing the stream releases it.
func (provider *HTTPProvider) Stream(ctx context.Context, request Request) (*EventStream, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.timeout)

	prefix := "llm/" + string(provider.adapter.Dialect())
	body, err := provider.adapter.ToWire(request, true)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: encoding request: %w", prefix, err)
	}

	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.adapter.Endpoint(),
		provider.adapter.Headers(), body, prefix, true)
	if err != nil {
		cancel()
		return nil, err
	}

	stream := provider.adapter.NewEventStream(httpResponse.Body)
	stream.cancel = cancel
	return stream, nil
}

// nextFunc is the iteration function for an EventStream. Returns
// io.EOF when the stream is complete.
type nextFunc func() (StreamEvent, error)

// EventStream reads streaming events from an LLM response. It yields
// [StreamEvent] values via [EventStream.Next] and keeps the final
// [Response] carried by [EventDone].
//
// EventStream is not safe for concurrent use by multiple readers.
type EventStream struct {
	next     nextFunc
	closer   io.Closer
	cancel   context.CancelFunc
	response Response
	mutex    sync.Mutex
	done     bool
}

// NewEventStream creates an EventStream from an iteration function
// and an io.Closer for the underlying resource.
func NewEventStream(next nextFunc, closer io.Closer) *EventStream {
	return &EventStream{next: next, closer: closer}
}

// Next returns the next event from the stream, or io.EOF when the
// stream is complete.
func (stream *EventStream) Next() (StreamEvent, error) {
	if stream.done {
		return StreamEvent{}, io.EOF
	}

	event, err := stream.next()
	if err != nil {
		if err == io.EOF {
			stream.done = true
		}
		return event, err
	}

	if event.Type == EventDone && event.Response != nil {
		stream.mutex.Lock()
		stream.response = *event.Response
		stream.mutex.Unlock()
	}
	return event, nil
}

// Response returns the final response. Only complete after
// [EventStream.Next] has returned [EventDone].
func (stream *EventStream) Response() Response {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	return stream.response
}

// Events drains the stream into a channel. The channel is closed after
// EventDone, after an EventError, or when ctx is cancelled. Read
// failures are delivered as an EventError.
func (stream *EventStream) Events(ctx context.Context) <-chan StreamEvent {
	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		for {
			event, err := stream.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				event = StreamEvent{Type: EventError, Error: err}
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
			if event.Type == EventError {
				return
			}
		}
	}()
	return events
}

// Drain reads the stream to completion and returns the final response.
// onEvent, when non-nil, sees every event before EventDone.
func (stream *EventStream) Drain(onEvent func(StreamEvent)) (*Response, error) {
	for {
		event, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if event.Type == EventError {
			return nil, event.Error
		}
		if onEvent != nil {
			onEvent(event)
		}
	}
	response := stream.Response()
	return &response, nil
}

// Close releases the underlying response body and the request context.
func (stream *EventStream) Close() error {
	var err error
	if stream.closer != nil {
		err = stream.closer.Close()
	}
	if stream.cancel != nil {
		stream.cancel()
	}
	return err
}

// ProviderError is returned when the LLM API responds with a non-2xx
// status.
type ProviderError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Type is the provider-specific error type string
	// (e.g., "invalid_request_error", "rate_limit_error").
	Type string

	// Message is the human-readable error description.
	Message string

	// Body is the raw (truncated) response body, kept for error
	// classification against OpenAI-compatible proxies that do not
	// use the standard error envelope.
	Body string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited returns true if the error is a rate limit response (HTTP 429).
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == http.StatusTooManyRequests
}

// IsServerError returns true for 5xx responses.
func (err *ProviderError) IsServerError() bool {
	return err.StatusCode >= 500
}

// TransportError wraps a failure to reach the provider or to read its
// response: connection refused, DNS failure, timeouts, and truncated
// bodies.
type TransportError struct {
	Op  string
	Err error
}

func (err *TransportError) Error() string {
	return err.Op + ": " + err.Err.Error()
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// IsTransport reports whether err is a transport failure or a
// timeout.
func IsTransport(err error) bool {
	var transportError *TransportError
	if errors.As(err, &transportError) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// doProviderRequest POSTs body to endpoint and returns the HTTP
// response. Returns a ProviderError for non-2xx status codes and a
// TransportError when the request could not be sent.
//
// On success the caller is responsible for closing the response body.
// On error the body is already closed.
func doProviderRequest(ctx context.Context, httpClient *http.Client, endpoint string, headers map[string]string, body []byte, prefix string, streaming bool) (*http.Response, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", prefix, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if streaming {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}
	for key, value := range headers {
		httpRequest.Header.Set(key, value)
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, &TransportError{Op: prefix + ": sending request", Err: err}
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}

	return httpResponse, nil
}

// wireResponse is implemented by pointer-to-struct types that can
// convert themselves from JSON wire format to the common Response.
type wireResponse[T any] interface {
	*T
	toResponse(extractor ToolCallExtractor) *Response
}

// decodeResponse decodes a provider-specific JSON body and converts it
// to the common Response.
func decodeResponse[T any, P wireResponse[T]](body []byte, prefix string, extractor ToolCallExtractor) (*Response, error) {
	wireResp := P(new(T))
	if err := json.Unmarshal(body, wireResp); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", prefix, err)
	}
	return wireResp.toResponse(extractor), nil
}

// readProviderError parses an error response body in the common provider
// error format used by Anthropic, OpenAI, and compatible APIs:
// {"error":{"type":"...","message":"..."}}. Bodies that do not match
// keep the raw text as the message.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 8192))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       wireError.Error.Type,
			Message:    wireError.Error.Message,
			Body:       string(body),
		}
	}

	return &ProviderError{
		StatusCode: httpResponse.StatusCode,
		Message:    string(body),
		Body:       string(body),
	}
}
