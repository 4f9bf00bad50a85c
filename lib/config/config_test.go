// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/agentwire/lib/llm"
	"github.com/bureau-foundation/agentwire/lib/sealed"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentwire.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	t.Parallel()

	config := Default()
	if config.Environment != Development {
		t.Errorf("Environment = %s, want development", config.Environment)
	}
	if config.Provider.Dialect != llm.DialectOpenAI {
		t.Errorf("Dialect = %s, want openai", config.Provider.Dialect)
	}
	if !config.Compaction.Enabled || config.Compaction.ReserveTokens != 16384 || config.Compaction.KeepRecentTokens != 20000 {
		t.Errorf("Compaction = %+v", config.Compaction.Settings)
	}
	if !config.Provider.RequireAPIKey || !config.Provider.ImplicitToolCalls {
		t.Errorf("Provider = %+v", config.Provider)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
provider:
  dialect: anthropic
  endpoint: https://api.anthropic.com
  model: claude-sonnet-4
  timeout: 90s
  stream: true
  temperature: 0.3
retry:
  transport_retries: 4
  backoff: 250ms
  signatures: ["tool_use ids"]
compaction:
  enabled: false
  reserve_tokens: 1000
  keep_recent_tokens: 2000
  context_window: 50000
loop:
  max_steps: 7
tools:
  endpoint: http://localhost:9000
policy:
  blocked_tools: [run_shell]
  allowed_domains: [example.com]
checkpoint:
  compression: lz4
`)
	config, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if config.Provider.Dialect != llm.DialectAnthropic || config.Provider.Model != "claude-sonnet-4" {
		t.Errorf("Provider = %+v", config.Provider)
	}
	if config.Provider.Timeout != 90*time.Second || !config.Provider.Stream {
		t.Errorf("Provider timing = %v stream=%v", config.Provider.Timeout, config.Provider.Stream)
	}
	if config.Provider.Temperature == nil || *config.Provider.Temperature != 0.3 {
		t.Errorf("Temperature = %v", config.Provider.Temperature)
	}
	if config.Provider.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want the default kept", config.Provider.MaxTokens)
	}

	retrySettings := config.RetrySettings()
	if retrySettings.TransportRetries != 4 || retrySettings.Backoff != 250*time.Millisecond ||
		retrySettings.Dialect != llm.DialectAnthropic || len(retrySettings.Signatures) != 1 {
		t.Errorf("RetrySettings = %+v", retrySettings)
	}

	if config.Compaction.Enabled || config.Compaction.ReserveTokens != 1000 || config.Compaction.KeepRecentTokens != 2000 {
		t.Errorf("Compaction = %+v", config.Compaction)
	}
	if config.ContextWindow() != 50000 {
		t.Errorf("ContextWindow = %d", config.ContextWindow())
	}
	if config.Loop.MaxSteps != 7 || config.Loop.MaxSubagents != 10 {
		t.Errorf("Loop = %+v", config.Loop)
	}
	if len(config.Policy.BlockedTools) != 1 || len(config.Policy.AllowedDomains) != 1 {
		t.Errorf("Policy = %+v", config.Policy)
	}
	if config.Checkpoint.Compression != "lz4" {
		t.Errorf("Checkpoint = %+v", config.Checkpoint)
	}
}

func TestContextWindowFromRegistry(t *testing.T) {
	t.Parallel()

	config := Default()
	config.Provider.Model = "some-unknown-model"
	if config.ContextWindow() != 128000 {
		t.Errorf("ContextWindow = %d, want the registry default", config.ContextWindow())
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
environment: production
provider:
  endpoint: http://localhost:8080/v1
  model: small
  stream: true
tools:
  endpoint: http://localhost:9000
production:
  provider:
    endpoint: https://api.openai.com/v1
    model: large
  tools:
    timeout: 5s
development:
  provider:
    model: never-applied
`)
	config, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if config.Provider.Endpoint != "https://api.openai.com/v1" || config.Provider.Model != "large" {
		t.Errorf("Provider = %+v", config.Provider)
	}
	if !config.Provider.Stream || !config.Provider.RequireAPIKey {
		t.Error("booleans absent from the override section were changed")
	}
	if config.Tools.Endpoint != "http://localhost:9000" || config.Tools.Timeout != 5*time.Second {
		t.Errorf("Tools = %+v", config.Tools)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestOverrideBooleans(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
provider:
  model: m
development:
  provider:
    require_api_key: false
    stream: true
`)
	config, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if config.Provider.RequireAPIKey || !config.Provider.Stream || !config.Provider.ImplicitToolCalls {
		t.Errorf("Provider = %+v", config.Provider)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"environment", func(config *Config) { config.Environment = "staging" }, "invalid environment"},
		{"dialect", func(config *Config) { config.Provider.Dialect = "gemini" }, "provider.dialect"},
		{"model", func(config *Config) { config.Provider.Model = "" }, "provider.model"},
		{"endpoint", func(config *Config) { config.Provider.Endpoint = "not a url" }, "provider.endpoint"},
		{"production http", func(config *Config) {
			config.Environment = Production
			config.Provider.Endpoint = "http://api.example.com/v1"
		}, "https in production"},
		{"key file alone", func(config *Config) { config.Provider.APIKeyFile = "/key.age" }, "set together"},
		{"timeout", func(config *Config) { config.Provider.Timeout = 0 }, "provider.timeout"},
		{"tools endpoint", func(config *Config) { config.Tools.Endpoint = "localhost" }, "tools.endpoint"},
		{"compression", func(config *Config) { config.Checkpoint.Compression = "gzip" }, "checkpoint.compression"},
		{"negative budget", func(config *Config) { config.Compaction.ReserveTokens = -1 }, "compaction"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			config := Default()
			config.Provider.Model = "gpt-4o"
			test.mutate(config)
			err := config.Validate()
			if test.want == "" {
				if err != nil {
					t.Errorf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("Validate = %v, want error containing %q", err, test.want)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	config := Default()
	config.Provider.Dialect = "gemini"
	config.Provider.Timeout = 0
	err := config.Validate()
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}
	for _, want := range []string{"provider.dialect", "provider.model", "provider.timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadRequiresConfigEnv(t *testing.T) {
	t.Setenv(ConfigEnvVar, "")

	_, err := Load()
	if err == nil || !strings.HasPrefix(err.Error(), ConfigEnvVar+" environment variable not set") {
		t.Errorf("Load = %v", err)
	}
}

func TestLoadFromConfigEnv(t *testing.T) {
	path := writeConfig(t, "provider:\n  model: from-env\n")
	t.Setenv(ConfigEnvVar, path)

	config, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if config.Provider.Model != "from-env" {
		t.Errorf("Model = %q", config.Provider.Model)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("AGENTWIRE_TEST_DIR", "/srv/agentwire")

	tests := []struct {
		input string
		want  string
	}{
		{"${AGENTWIRE_TEST_DIR}/key.age", "/srv/agentwire/key.age"},
		{"${AGENTWIRE_TEST_UNSET:-/fallback}/key.age", "/fallback/key.age"},
		{"${AGENTWIRE_TEST_UNSET}/key.age", "/key.age"},
		{"/plain/path", "/plain/path"},
	}
	for _, test := range tests {
		if got := expandVars(test.input); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestAPIKey(t *testing.T) {
	directory := t.TempDir()
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	identityPath := filepath.Join(directory, "identity.txt")
	if err := os.WriteFile(identityPath, []byte(keypair.Identity), 0o600); err != nil {
		t.Fatalf("writing identity: %v", err)
	}
	keyPath := filepath.Join(directory, "key.age")
	if err := sealed.WriteKey(keyPath, "sk-sealed", keypair.Recipient); err != nil {
		t.Fatalf("WriteKey: %v", err)
	}

	config := Default()
	config.Provider.APIKeyFile = keyPath
	config.Provider.IdentityFile = identityPath

	t.Setenv(APIKeyEnvVar, "")
	key, err := config.APIKey()
	if err != nil || key != "sk-sealed" {
		t.Errorf("APIKey from file = %q, %v", key, err)
	}

	t.Setenv(APIKeyEnvVar, "sk-env")
	key, err = config.APIKey()
	if err != nil || key != "sk-env" {
		t.Errorf("APIKey from env = %q, %v", key, err)
	}
}

func TestCheckAPIKey(t *testing.T) {
	t.Parallel()

	config := Default()
	if err := config.CheckAPIKey(""); err == nil {
		t.Error("missing key accepted while required")
	}
	if err := config.CheckAPIKey("sk"); err != nil {
		t.Errorf("CheckAPIKey(sk) = %v", err)
	}
	config.Provider.RequireAPIKey = false
	if err := config.CheckAPIKey(""); err != nil {
		t.Errorf("CheckAPIKey with key optional = %v", err)
	}
}
