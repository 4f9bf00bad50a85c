// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads agentwire configuration.
//
// Configuration comes from a single YAML file named by the --config
// flag ([LoadFile]) or the AGENTWIRE_CONFIG environment variable
// ([Load]). There is no automatic discovery. The file may contain
// development and production sections that override base values when
// the environment matches.
//
// The one environment override is the provider API key:
// AGENTWIRE_API_KEY, when set, wins over a sealed key file so that
// secrets never have to be written into the config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/agentwire/lib/agentloop"
	"github.com/bureau-foundation/agentwire/lib/checkpoint"
	"github.com/bureau-foundation/agentwire/lib/llm"
	llmcontext "github.com/bureau-foundation/agentwire/lib/llm/context"
	"github.com/bureau-foundation/agentwire/lib/llm/retry"
	"github.com/bureau-foundation/agentwire/lib/sealed"
)

// Environment variables read by this package.
const (
	ConfigEnvVar = "AGENTWIRE_CONFIG"
	APIKeyEnvVar = "AGENTWIRE_API_KEY"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the complete agentwire configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Provider   ProviderConfig   `yaml:"provider"`
	Retry      RetryConfig      `yaml:"retry"`
	Compaction CompactionConfig `yaml:"compaction"`
	Loop       LoopConfig       `yaml:"loop"`
	Tools      ToolsConfig      `yaml:"tools"`
	Policy     agentloop.Policy `yaml:"policy"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Per-environment overrides, applied after the base values.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the fields an environment section may replace.
// Empty fields leave the base value alone.
type Overrides struct {
	Provider   *ProviderOverrides `yaml:"provider,omitempty"`
	Tools      *ToolsConfig       `yaml:"tools,omitempty"`
	Loop       *LoopConfig        `yaml:"loop,omitempty"`
	Checkpoint *CheckpointConfig  `yaml:"checkpoint,omitempty"`
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	// Dialect is "openai" or "anthropic".
	Dialect llm.Dialect `yaml:"dialect"`

	// Endpoint is the API base URL. For OpenAI-compatible servers it
	// includes the version segment (https://api.openai.com/v1).
	Endpoint string `yaml:"endpoint"`

	Model string `yaml:"model"`

	// APIKeyFile is an age-sealed key file, decrypted with
	// IdentityFile. Ignored when AGENTWIRE_API_KEY is set.
	APIKeyFile   string `yaml:"api_key_file"`
	IdentityFile string `yaml:"identity_file"`

	// RequireAPIKey makes a missing key a configuration error at the
	// start of every turn. Local OpenAI-compatible servers usually
	// run without one.
	RequireAPIKey bool `yaml:"require_api_key"`

	// Timeout bounds each provider request.
	Timeout time.Duration `yaml:"timeout"`

	// Stream selects streaming requests.
	Stream bool `yaml:"stream"`

	// ImplicitToolCalls enables recovery of tool calls that a model
	// wrote into its text instead of the structured field.
	ImplicitToolCalls bool `yaml:"implicit_tool_calls"`

	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// ProviderOverrides is [ProviderConfig] with optional booleans, so an
// environment section can leave them unset.
type ProviderOverrides struct {
	Dialect           llm.Dialect   `yaml:"dialect"`
	Endpoint          string        `yaml:"endpoint"`
	Model             string        `yaml:"model"`
	APIKeyFile        string        `yaml:"api_key_file"`
	IdentityFile      string        `yaml:"identity_file"`
	RequireAPIKey     *bool         `yaml:"require_api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	Stream            *bool         `yaml:"stream"`
	ImplicitToolCalls *bool         `yaml:"implicit_tool_calls"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       *float64      `yaml:"temperature,omitempty"`
}

// RetryConfig configures the retry/escalation controller.
type RetryConfig struct {
	TransportRetries int           `yaml:"transport_retries"`
	Backoff          time.Duration `yaml:"backoff"`

	// Signatures replaces the built-in list of error-body substrings
	// that identify a tool ordering rejection.
	Signatures []string `yaml:"signatures,omitempty"`
}

// CompactionConfig configures context compaction.
type CompactionConfig struct {
	llmcontext.Settings `yaml:",inline"`

	// ContextWindow is the model's context size in tokens. Zero looks
	// the model up in the built-in registry.
	ContextWindow int `yaml:"context_window"`

	// SummaryModel is the model used for summaries. Empty means the
	// conversation model.
	SummaryModel string `yaml:"summary_model"`
}

// LoopConfig configures the orchestration loop.
type LoopConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	MaxSteps     int    `yaml:"max_steps"`
	MaxSubagents int    `yaml:"max_subagents"`
}

// ToolsConfig points at the tool execution service.
type ToolsConfig struct {
	// Endpoint is the service base URL. Empty runs without tools.
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CheckpointConfig configures session checkpoints.
type CheckpointConfig struct {
	// Directory holds one checkpoint file per session. Empty disables
	// checkpointing.
	Directory string `yaml:"directory"`

	// Compression is zstd, lz4, or none.
	Compression string `yaml:"compression"`
}

// Default returns the base configuration the file is merged into.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Environment: Development,
		Provider: ProviderConfig{
			Dialect:           llm.DialectOpenAI,
			Endpoint:          "https://api.openai.com/v1",
			RequireAPIKey:     true,
			Timeout:           120 * time.Second,
			ImplicitToolCalls: true,
			MaxTokens:         agentloop.DefaultMaxTokens,
		},
		Retry: RetryConfig{
			TransportRetries: retry.DefaultTransportRetries,
			Backoff:          retry.DefaultBackoff,
		},
		Compaction: CompactionConfig{
			Settings: llmcontext.DefaultSettings(),
		},
		Loop: LoopConfig{
			MaxSteps:     agentloop.DefaultMaxSteps,
			MaxSubagents: agentloop.DefaultMaxSubagents,
		},
		Tools: ToolsConfig{
			Timeout: 60 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Directory:   filepath.Join(homeDir, ".local", "state", "agentwire", "sessions"),
			Compression: "zstd",
		},
	}
}

// Load loads the file named by AGENTWIRE_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(ConfigEnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your agentwire.yaml, or use --config", ConfigEnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, applies the matching
// environment section, and expands ${VAR} references in file paths.
func LoadFile(path string) (*Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	config.applyEnvironmentOverrides()
	config.expandVariables()
	return config, nil
}

func (config *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch config.Environment {
	case Development:
		overrides = config.Development
	case Production:
		overrides = config.Production
	}
	if overrides == nil {
		return
	}

	if provider := overrides.Provider; provider != nil {
		if provider.Dialect != "" {
			config.Provider.Dialect = provider.Dialect
		}
		if provider.Endpoint != "" {
			config.Provider.Endpoint = provider.Endpoint
		}
		if provider.Model != "" {
			config.Provider.Model = provider.Model
		}
		if provider.APIKeyFile != "" {
			config.Provider.APIKeyFile = provider.APIKeyFile
		}
		if provider.IdentityFile != "" {
			config.Provider.IdentityFile = provider.IdentityFile
		}
		if provider.Timeout != 0 {
			config.Provider.Timeout = provider.Timeout
		}
		if provider.MaxTokens != 0 {
			config.Provider.MaxTokens = provider.MaxTokens
		}
		if provider.Temperature != nil {
			config.Provider.Temperature = provider.Temperature
		}
		if provider.Stream != nil {
			config.Provider.Stream = *provider.Stream
		}
		if provider.RequireAPIKey != nil {
			config.Provider.RequireAPIKey = *provider.RequireAPIKey
		}
		if provider.ImplicitToolCalls != nil {
			config.Provider.ImplicitToolCalls = *provider.ImplicitToolCalls
		}
	}

	if tools := overrides.Tools; tools != nil {
		if tools.Endpoint != "" {
			config.Tools.Endpoint = tools.Endpoint
		}
		if tools.Token != "" {
			config.Tools.Token = tools.Token
		}
		if tools.Timeout != 0 {
			config.Tools.Timeout = tools.Timeout
		}
	}

	if loop := overrides.Loop; loop != nil {
		if loop.SystemPrompt != "" {
			config.Loop.SystemPrompt = loop.SystemPrompt
		}
		if loop.MaxSteps != 0 {
			config.Loop.MaxSteps = loop.MaxSteps
		}
		if loop.MaxSubagents != 0 {
			config.Loop.MaxSubagents = loop.MaxSubagents
		}
	}

	if saved := overrides.Checkpoint; saved != nil {
		if saved.Directory != "" {
			config.Checkpoint.Directory = saved.Directory
		}
		if saved.Compression != "" {
			config.Checkpoint.Compression = saved.Compression
		}
	}
}

func (config *Config) expandVariables() {
	config.Provider.APIKeyFile = expandVars(config.Provider.APIKeyFile)
	config.Provider.IdentityFile = expandVars(config.Provider.IdentityFile)
	config.Checkpoint.Directory = expandVars(config.Checkpoint.Directory)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the process
// environment.
func expandVars(text string) string {
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration, reporting every problem at once.
func (config *Config) Validate() error {
	var errs []error

	if config.Environment != Development && config.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", config.Environment))
	}

	switch config.Provider.Dialect {
	case llm.DialectOpenAI, llm.DialectAnthropic:
	default:
		errs = append(errs, fmt.Errorf("provider.dialect must be openai or anthropic, got %q", config.Provider.Dialect))
	}
	if config.Provider.Model == "" {
		errs = append(errs, fmt.Errorf("provider.model is required"))
	}
	if endpoint, err := url.Parse(config.Provider.Endpoint); err != nil || endpoint.Host == "" {
		errs = append(errs, fmt.Errorf("provider.endpoint %q is not an absolute URL", config.Provider.Endpoint))
	} else if config.Environment == Production && endpoint.Scheme != "https" {
		errs = append(errs, fmt.Errorf("provider.endpoint must use https in production"))
	}
	if (config.Provider.APIKeyFile == "") != (config.Provider.IdentityFile == "") {
		errs = append(errs, fmt.Errorf("provider.api_key_file and provider.identity_file must be set together"))
	}
	if config.Provider.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("provider.timeout must be positive"))
	}
	if config.Provider.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("provider.max_tokens must not be negative"))
	}

	if config.Retry.TransportRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.transport_retries must not be negative"))
	}
	if config.Compaction.ReserveTokens < 0 || config.Compaction.KeepRecentTokens < 0 {
		errs = append(errs, fmt.Errorf("compaction token budgets must not be negative"))
	}
	if config.Compaction.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("compaction.context_window must not be negative"))
	}
	if config.Loop.MaxSteps < 0 || config.Loop.MaxSubagents < 0 {
		errs = append(errs, fmt.Errorf("loop limits must not be negative"))
	}
	if config.Tools.Endpoint != "" {
		if endpoint, err := url.Parse(config.Tools.Endpoint); err != nil || endpoint.Host == "" {
			errs = append(errs, fmt.Errorf("tools.endpoint %q is not an absolute URL", config.Tools.Endpoint))
		}
	}
	if _, err := checkpoint.ParseCompression(config.Checkpoint.Compression); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint.compression: %w", err))
	}

	return errors.Join(errs...)
}

// ContextWindow returns the configured context window, or the
// registry value for the model when none is configured.
func (config *Config) ContextWindow() int {
	if config.Compaction.ContextWindow > 0 {
		return config.Compaction.ContextWindow
	}
	return llmcontext.ContextWindowForModel(config.Provider.Model)
}

// APIKey resolves the provider API key: AGENTWIRE_API_KEY first, then
// the sealed key file. It returns "" without error when neither is
// configured; [Config.CheckAPIKey] decides whether that is allowed.
func (config *Config) APIKey() (string, error) {
	if key := strings.TrimSpace(os.Getenv(APIKeyEnvVar)); key != "" {
		return key, nil
	}
	if config.Provider.APIKeyFile == "" {
		return "", nil
	}
	key, err := sealed.ReadKey(config.Provider.APIKeyFile, config.Provider.IdentityFile)
	if err != nil {
		return "", fmt.Errorf("config: reading API key: %w", err)
	}
	return key, nil
}

// CheckAPIKey reports a missing key when one is required.
func (config *Config) CheckAPIKey(key string) error {
	if key == "" && config.Provider.RequireAPIKey {
		return fmt.Errorf("no API key: set %s or provider.api_key_file", APIKeyEnvVar)
	}
	return nil
}

// RetrySettings returns the retry controller configuration.
func (config *Config) RetrySettings() retry.Config {
	return retry.Config{
		Dialect:          config.Provider.Dialect,
		TransportRetries: config.Retry.TransportRetries,
		Backoff:          config.Retry.Backoff,
		Signatures:       config.Retry.Signatures,
	}
}
