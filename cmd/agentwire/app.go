// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/agentwire/lib/agentloop"
	"github.com/bureau-foundation/agentwire/lib/checkpoint"
	"github.com/bureau-foundation/agentwire/lib/clock"
	"github.com/bureau-foundation/agentwire/lib/config"
	"github.com/bureau-foundation/agentwire/lib/llm"
	llmcontext "github.com/bureau-foundation/agentwire/lib/llm/context"
	"github.com/bureau-foundation/agentwire/lib/toolrpc"
)

// checkpointSuffix names session checkpoint files: {id}.ckpt.
const checkpointSuffix = ".ckpt"

// app holds everything built from configuration.
type app struct {
	loop        *agentloop.Loop
	clock       clock.Clock
	directory   string
	compression checkpoint.Compression
	logger      *slog.Logger
}

func newApp(ctx context.Context, loaded *config.Config, sink agentloop.EventSink, logger *slog.Logger) (*app, error) {
	apiKey, err := loaded.APIKey()
	if err != nil {
		return nil, err
	}
	clk := clock.Real()

	var tools []llm.ToolDefinition
	var executor agentloop.ToolExecutor
	if loaded.Tools.Endpoint != "" {
		client, err := toolrpc.New(toolrpc.Config{
			Endpoint: loaded.Tools.Endpoint,
			Token:    loaded.Tools.Token,
			Timeout:  loaded.Tools.Timeout,
			Clock:    clk,
			Logger:   logger.With("component", "toolrpc"),
		})
		if err != nil {
			return nil, err
		}
		tools, err = client.Tools(ctx)
		if err != nil {
			return nil, err
		}
		executor = client
	}

	provider := llm.NewProvider(newAdapter(loaded, apiKey, tools), &http.Client{}, loaded.Provider.Timeout)

	var compactor *llmcontext.Compactor
	if loaded.Compaction.Enabled {
		summaryModel := loaded.Compaction.SummaryModel
		if summaryModel == "" {
			summaryModel = loaded.Provider.Model
		}
		compactor = llmcontext.NewCompactor(
			llmcontext.NewProviderSummarizer(provider, summaryModel),
			loaded.Compaction.Settings,
			logger.With("component", "compaction"),
		)
	}

	compression, err := checkpoint.ParseCompression(loaded.Checkpoint.Compression)
	if err != nil {
		return nil, err
	}

	loop, err := agentloop.New(agentloop.Config{
		Provider:      provider,
		Dialect:       loaded.Provider.Dialect,
		Model:         loaded.Provider.Model,
		SystemPrompt:  loaded.Loop.SystemPrompt,
		Tools:         tools,
		Executor:      executor,
		MaxTokens:     loaded.Provider.MaxTokens,
		Temperature:   loaded.Provider.Temperature,
		Stream:        loaded.Provider.Stream,
		MaxSteps:      loaded.Loop.MaxSteps,
		MaxSubagents:  loaded.Loop.MaxSubagents,
		Retry:         loaded.RetrySettings(),
		Compactor:     compactor,
		ContextWindow: loaded.ContextWindow(),
		Policy:        &loaded.Policy,
		Preflight:     func() error { return loaded.CheckAPIKey(apiKey) },
		Clock:         clk,
		Sink:          sink,
		Logger:        logger.With("component", "agentloop"),
	})
	if err != nil {
		return nil, err
	}

	return &app{
		loop:        loop,
		clock:       clk,
		directory:   loaded.Checkpoint.Directory,
		compression: compression,
		logger:      logger,
	}, nil
}

// newAdapter builds the wire adapter for the configured dialect. The
// implicit extractor only accepts names the model could legitimately
// call.
func newAdapter(loaded *config.Config, apiKey string, tools []llm.ToolDefinition) llm.Adapter {
	var extractor llm.ToolCallExtractor
	if loaded.Provider.ImplicitToolCalls {
		allowed := map[string]bool{
			agentloop.ToolSetPlan:        true,
			agentloop.ToolUpdatePlanStep: true,
			agentloop.ToolSpawnSubagent:  true,
		}
		for _, tool := range tools {
			allowed[tool.Name] = true
		}
		extractor = llm.ImplicitExtractor{Allowed: allowed}
	}
	if loaded.Provider.Dialect == llm.DialectAnthropic {
		return llm.NewAnthropic(loaded.Provider.Endpoint, apiKey, extractor)
	}
	return llm.NewOpenAI(loaded.Provider.Endpoint, apiKey, extractor)
}

// openSession resumes the named session ("latest" picks the most
// recently saved one) or starts a new one when resume is empty.
func (application *app) openSession(resume string) (*agentloop.Session, error) {
	if resume == "" {
		return agentloop.NewSession(), nil
	}
	if application.directory == "" {
		return nil, fmt.Errorf("--resume needs checkpoint.directory to be configured")
	}
	if resume == "latest" {
		latest, err := latestCheckpoint(application.directory)
		if err != nil {
			return nil, err
		}
		resume = latest
	}
	if strings.ContainsAny(resume, `/\`) {
		return nil, fmt.Errorf("invalid session ID %q", resume)
	}
	snapshot, err := checkpoint.Load(filepath.Join(application.directory, resume+checkpointSuffix))
	if err != nil {
		return nil, err
	}
	application.logger.Info("resumed session",
		"session", snapshot.SessionID,
		"messages", len(snapshot.History),
		"saved_at", snapshot.SavedAt,
	)
	return snapshot.Session(), nil
}

// turn runs one prompt and checkpoints the session afterwards,
// whether or not the turn succeeded. Checkpoint failures are logged,
// never fatal.
func (application *app) turn(ctx context.Context, session *agentloop.Session, prompt string) error {
	turnErr := application.loop.Run(ctx, session, prompt)
	if application.directory != "" {
		path := filepath.Join(application.directory, session.ID+checkpointSuffix)
		if err := checkpoint.Save(path, checkpoint.Capture(session, application.clock), application.compression); err != nil {
			application.logger.Warn("checkpoint failed", "session", session.ID, "error", err)
		}
	}
	return turnErr
}

// latestCheckpoint returns the session ID of the newest checkpoint in
// directory.
func latestCheckpoint(directory string) (string, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return "", fmt.Errorf("listing checkpoints: %w", err)
	}
	var newest string
	var newestTime int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), checkpointSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if modified := info.ModTime().UnixNano(); newest == "" || modified > newestTime {
			newest, newestTime = strings.TrimSuffix(entry.Name(), checkpointSuffix), modified
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no checkpoints in %s", directory)
	}
	return newest, nil
}
