// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolrpc is an HTTP client for a tool execution service. The
// service lists its tools at GET {endpoint}/tools and runs one at
// POST {endpoint}/tools/{name} with the JSON arguments as the body,
// answering with a JSON object.
//
// [Client] implements agentloop.ToolExecutor. Execution never fails
// past this boundary: transport errors, HTTP errors and malformed
// bodies all become {"success": false, "error": ...} result maps so the
// model sees the failure as a tool result.
package toolrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/agentwire/lib/clock"
	"github.com/bureau-foundation/agentwire/lib/llm"
)

// DefaultTimeout bounds each tool request.
const DefaultTimeout = 60 * time.Second

// maxResponseSize bounds response body reads. Tool outputs are
// returned to the model, so anything near this size is already
// unusable.
const maxResponseSize int64 = 16 << 20

// maxErrorBody bounds how much of an error body is quoted back.
const maxErrorBody = 2048

// Config configures a [Client].
type Config struct {
	// Endpoint is the service base URL, without the /tools suffix.
	Endpoint string

	// Token, when set, is sent as a bearer token.
	Token string

	// HTTPClient defaults to a client with no timeout of its own;
	// requests are bounded by Timeout instead.
	HTTPClient *http.Client

	// Timeout bounds each request. Zero means [DefaultTimeout].
	Timeout time.Duration

	// Clock times requests for logging. Nil means the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Client calls a tool execution service.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	clock      clock.Clock
	logger     *slog.Logger
}

// New creates a client.
func New(config Config) (*Client, error) {
	endpoint := strings.TrimRight(config.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("toolrpc: endpoint is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("toolrpc: invalid endpoint %q: %w", endpoint, err)
	}
	client := &Client{
		endpoint:   endpoint,
		token:      config.Token,
		httpClient: config.HTTPClient,
		timeout:    config.Timeout,
		clock:      clock.OrReal(config.Clock),
		logger:     config.Logger,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}
	if client.timeout <= 0 {
		client.timeout = DefaultTimeout
	}
	if client.logger == nil {
		client.logger = slog.New(slog.DiscardHandler)
	}
	return client, nil
}

// wireTool is one entry of the tool listing.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Tools fetches the service's tool definitions. The listing may be a
// bare array or an object with a "tools" array; "parameters" is
// accepted in place of "input_schema".
func (client *Client) Tools(ctx context.Context) ([]llm.ToolDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.endpoint+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("toolrpc: creating request: %w", err)
	}
	client.authorize(request)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("toolrpc: listing tools: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("toolrpc: reading tool listing: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("toolrpc: listing tools: HTTP %d: %s", response.StatusCode, truncate(string(body)))
	}

	var tools []wireTool
	if err := json.Unmarshal(body, &tools); err != nil {
		var wrapped struct {
			Tools []wireTool `json:"tools"`
		}
		if wrappedErr := json.Unmarshal(body, &wrapped); wrappedErr != nil {
			return nil, fmt.Errorf("toolrpc: decoding tool listing: %w", err)
		}
		tools = wrapped.Tools
	}

	definitions := make([]llm.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = tool.Parameters
		}
		definitions = append(definitions, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	client.logger.Info("tool catalog fetched", "endpoint", client.endpoint, "tools", len(definitions))
	return definitions, nil
}

// ExecuteTool runs one tool. The returned error is always nil;
// failures are reported in the result map.
func (client *Client) ExecuteTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	result, err := client.execute(ctx, name, args)
	if err != nil {
		client.logger.Warn("tool request failed", "tool", name, "error", err)
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	return result, nil
}

func (client *Client) execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %s: %w", name, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		client.endpoint+"/tools/"+url.PathEscape(name), bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", name, err)
	}
	request.Header.Set("Content-Type", "application/json")
	client.authorize(request)

	started := client.clock.Now()
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", name, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", name, err)
	}
	client.logger.Debug("tool request complete",
		"tool", name,
		"status", response.StatusCode,
		"bytes", len(body),
		"duration", client.clock.Now().Sub(started),
	)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: HTTP %d: %s", name, response.StatusCode, truncate(strings.TrimSpace(string(body))))
	}
	return decodeResult(body), nil
}

// decodeResult turns a 2xx body into a result map. Objects are used
// as-is; any other JSON value is wrapped under "result", and non-JSON
// text under "output".
func decodeResult(body []byte) map[string]any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return map[string]any{"success": true}
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return map[string]any{"success": true, "output": string(trimmed)}
	}
	if object, ok := value.(map[string]any); ok {
		return object
	}
	return map[string]any{"success": true, "result": value}
}

func (client *Client) authorize(request *http.Request) {
	if client.token != "" {
		request.Header.Set("Authorization", "Bearer "+client.token)
	}
}

func truncate(text string) string {
	if len(text) <= maxErrorBody {
		return text
	}
	return text[:maxErrorBody] + "..."
}
