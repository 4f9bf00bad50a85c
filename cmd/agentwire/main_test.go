// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bureau-foundation/agentwire/lib/config"
)

// fakeModel is an OpenAI-compatible endpoint. It asks for the click
// tool after a user message and answers with text after a tool result.
type fakeModel struct {
	mutex        sync.Mutex
	requests     [][]map[string]any
	sawAuthValue string
}

func (model *fakeModel) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	model.mutex.Lock()
	model.requests = append(model.requests, body.Messages)
	model.sawAuthValue = request.Header.Get("Authorization")
	model.mutex.Unlock()

	last := body.Messages[len(body.Messages)-1]
	var message string
	if last["role"] == "tool" {
		message = `{"role":"assistant","content":"done"}`
	} else {
		message = `{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function",` +
			`"function":{"name":"click","arguments":"{\"x\":1}"}}]}`
	}
	fmt.Fprintf(writer, `{"id":"r","model":"test-model","choices":[{"index":0,"message":%s,"finish_reason":"stop"}],`+
		`"usage":{"prompt_tokens":50,"completion_tokens":5,"total_tokens":55}}`, message)
}

func (model *fakeModel) authorization() string {
	model.mutex.Lock()
	defer model.mutex.Unlock()
	return model.sawAuthValue
}

func (model *fakeModel) messageCounts() []int {
	model.mutex.Lock()
	defer model.mutex.Unlock()
	counts := make([]int, len(model.requests))
	for index, messages := range model.requests {
		counts[index] = len(messages)
	}
	return counts
}

// newToolServer serves a single click tool and returns a function
// reporting how many times it ran.
func newToolServer(t *testing.T) (*httptest.Server, func() int) {
	t.Helper()
	var mutex sync.Mutex
	var clicks int
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch {
		case request.Method == http.MethodGet && request.URL.Path == "/tools":
			writer.Write([]byte(`[{"name":"click","description":"Click a point.","input_schema":{"type":"object"}}]`))
		case request.Method == http.MethodPost && request.URL.Path == "/tools/click":
			mutex.Lock()
			clicks++
			mutex.Unlock()
			writer.Write([]byte(`{"success":true}`))
		default:
			http.NotFound(writer, request)
		}
	}))
	t.Cleanup(server.Close)
	return server, func() int {
		mutex.Lock()
		defer mutex.Unlock()
		return clicks
	}
}

func writeTestConfig(t *testing.T, modelURL, toolURL, checkpoints string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentwire.yaml")
	content := fmt.Sprintf(`
provider:
  dialect: openai
  endpoint: %s
  model: test-model
  timeout: 5s
retry:
  backoff: 1ms
tools:
  endpoint: %s
checkpoint:
  directory: %s
`, modelURL, toolURL, checkpoints)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func decodeEvents(t *testing.T, output []byte) []map[string]any {
	t.Helper()
	var events []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var event map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("stdout line %q is not JSON: %v", scanner.Text(), err)
		}
		events = append(events, event)
	}
	return events
}

func eventTypes(events []map[string]any) []string {
	types := make([]string, len(events))
	for index, event := range events {
		types[index], _ = event["type"].(string)
	}
	return types
}

func TestRunTurnAndResume(t *testing.T) {
	t.Setenv(config.APIKeyEnvVar, "sk-test")

	model := &fakeModel{}
	modelServer := httptest.NewServer(model)
	t.Cleanup(modelServer.Close)
	toolServer, clicks := newToolServer(t)
	checkpoints := t.TempDir()
	configPath := writeTestConfig(t, modelServer.URL, toolServer.URL, checkpoints)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"--config", configPath, "--json", "click", "the", "button"},
		strings.NewReader(""), &stdout, &stderr)
	if err != nil {
		t.Fatalf("run: %v\nstderr:\n%s", err, stderr.String())
	}

	types := strings.Join(eventTypes(decodeEvents(t, stdout.Bytes())), ",")
	want := "assistant_final,tool_execution_start,tool_execution_result,assistant_final"
	if types != want {
		t.Errorf("events = %s, want %s", types, want)
	}
	if clicks() != 1 {
		t.Errorf("tool server saw %d clicks, want 1", clicks())
	}
	if auth := model.authorization(); auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}

	entries, err := os.ReadDir(checkpoints)
	if err != nil || len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), checkpointSuffix) {
		t.Fatalf("checkpoint directory = %v, %v", entries, err)
	}

	stdout.Reset()
	err = run(context.Background(), []string{"--config", configPath, "--json", "--resume", "latest", "again"},
		strings.NewReader(""), &stdout, &stderr)
	if err != nil {
		t.Fatalf("resumed run: %v\nstderr:\n%s", err, stderr.String())
	}

	counts := model.messageCounts()
	if len(counts) != 4 {
		t.Fatalf("model saw %d requests, want 4", len(counts))
	}
	// The resumed turn's first request carries the earlier user,
	// assistant, tool and assistant messages plus the new prompt.
	if counts[2] != counts[0]+4 {
		t.Errorf("resumed request has %d messages, want %d", counts[2], counts[0]+4)
	}
}

func TestRunReadsPromptsFromStdin(t *testing.T) {
	t.Setenv(config.APIKeyEnvVar, "sk-test")

	model := &fakeModel{}
	modelServer := httptest.NewServer(model)
	t.Cleanup(modelServer.Close)
	toolServer, clicks := newToolServer(t)
	configPath := writeTestConfig(t, modelServer.URL, toolServer.URL, t.TempDir())

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"--config", configPath, "--json"},
		strings.NewReader("first\n\nsecond\n"), &stdout, &stderr)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if clicks() != 2 {
		t.Errorf("clicks = %d, want one per prompt", clicks())
	}
	finals := 0
	for _, eventType := range eventTypes(decodeEvents(t, stdout.Bytes())) {
		if eventType == "assistant_final" {
			finals++
		}
	}
	if finals != 4 {
		t.Errorf("assistant_final events = %d, want 4", finals)
	}
}

func TestRunMissingAPIKeyIsReportedPerTurn(t *testing.T) {
	t.Setenv(config.APIKeyEnvVar, "")

	model := &fakeModel{}
	modelServer := httptest.NewServer(model)
	t.Cleanup(modelServer.Close)
	toolServer, _ := newToolServer(t)
	configPath := writeTestConfig(t, modelServer.URL, toolServer.URL, t.TempDir())

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"--config", configPath, "--json", "hello"},
		strings.NewReader(""), &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "no API key") {
		t.Fatalf("run = %v, want a missing key error", err)
	}
	if len(model.messageCounts()) != 0 {
		t.Error("a request was sent without an API key")
	}
	types := eventTypes(decodeEvents(t, stdout.Bytes()))
	if len(types) != 1 || types[0] != "error" {
		t.Errorf("events = %v, want a single error", types)
	}
}

func TestRunFlagsAndConfigErrors(t *testing.T) {
	t.Setenv(config.ConfigEnvVar, "")

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, strings.NewReader(""), &stdout, &stderr); err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "agentwire ") {
		t.Errorf("--version output = %q", stdout.String())
	}

	stderr.Reset()
	if err := run(context.Background(), []string{"--help"}, strings.NewReader(""), &stdout, &stderr); err != nil {
		t.Fatalf("--help: %v", err)
	}
	if !strings.Contains(stderr.String(), "--resume") {
		t.Errorf("--help output missing flags:\n%s", stderr.String())
	}

	if err := run(context.Background(), []string{"--bogus"}, strings.NewReader(""), &stdout, &stderr); err == nil {
		t.Error("unknown flag accepted")
	}
	if err := run(context.Background(), nil, strings.NewReader(""), &stdout, &stderr); err == nil ||
		!strings.Contains(err.Error(), config.ConfigEnvVar) {
		t.Errorf("run without config = %v", err)
	}

	invalid := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(invalid, []byte("provider:\n  dialect: gemini\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	err := run(context.Background(), []string{"--config", invalid}, strings.NewReader(""), &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("run with invalid config = %v", err)
	}
}

func TestOpenSessionErrors(t *testing.T) {
	t.Parallel()

	application := &app{directory: t.TempDir()}
	if _, err := application.openSession("latest"); err == nil {
		t.Error("resumed latest from an empty directory")
	}
	if _, err := application.openSession("../escape"); err == nil {
		t.Error("accepted a session ID containing a path separator")
	}
	if _, err := application.openSession("missing"); err == nil {
		t.Error("resumed a session with no checkpoint")
	}

	session, err := application.openSession("")
	if err != nil || session.ID == "" {
		t.Errorf("new session = %+v, %v", session, err)
	}
}
