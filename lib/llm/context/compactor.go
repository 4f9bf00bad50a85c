// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/agentwire/lib/llm"
)

// Defaults for [Settings].
const (
	DefaultReserveTokens    = 16_384
	DefaultKeepRecentTokens = 20_000
)

// ErrNothingToCompact is returned by [Compactor.Compact] when no valid
// cut point leaves a non-empty prefix to summarize.
var ErrNothingToCompact = errors.New("context: nothing to compact")

// Settings controls when and how much history is compacted.
type Settings struct {
	Enabled bool `yaml:"enabled"`

	// ReserveTokens is the headroom kept free below the context
	// limit. Compaction triggers once the estimate exceeds
	// limit - ReserveTokens.
	ReserveTokens int `yaml:"reserve_tokens"`

	// KeepRecentTokens is roughly how much of the newest history is
	// preserved verbatim.
	KeepRecentTokens int `yaml:"keep_recent_tokens"`
}

// DefaultSettings returns enabled settings with the default reserve
// and keep-recent budgets.
func DefaultSettings() Settings {
	return Settings{
		Enabled:          true,
		ReserveTokens:    DefaultReserveTokens,
		KeepRecentTokens: DefaultKeepRecentTokens,
	}
}

// ShouldCompact reports whether tokens exceed limit minus the reserve.
// This is a fixed headroom rather than a percentage of limit.
func ShouldCompact(tokens, limit int, settings Settings) bool {
	if !settings.Enabled {
		return false
	}
	return tokens > limit-settings.ReserveTokens
}

// Summarizer condenses a prefix of conversation history into plain
// text. The prefix may itself begin with earlier summary messages,
// which the summarizer folds into the new summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) (string, error)
}

// SummarizerFunc adapts a function to [Summarizer].
type SummarizerFunc func(ctx context.Context, messages []llm.Message) (string, error)

// Summarize calls the function.
func (function SummarizerFunc) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	return function(ctx, messages)
}

// Result describes one compaction.
type Result struct {
	// Summary is the text of the new summary message.
	Summary string

	// Messages is the compacted history: the summary message followed
	// by the preserved suffix.
	Messages []llm.Message

	// TrimmedCount is the number of messages replaced by the summary.
	TrimmedCount int

	// PreservedCount is the number of messages kept verbatim.
	PreservedCount int

	// TokensBefore is the token count that triggered compaction, or zero
	// for an explicit [Compactor.Compact] call.
	TokensBefore int
}

// Compactor replaces old history with a generated summary.
type Compactor struct {
	summarizer Summarizer
	settings   Settings
	logger     *slog.Logger
}

// NewCompactor creates a compactor. Zero budgets in settings take the
// package defaults. A nil logger discards.
func NewCompactor(summarizer Summarizer, settings Settings, logger *slog.Logger) *Compactor {
	if settings.ReserveTokens <= 0 {
		settings.ReserveTokens = DefaultReserveTokens
	}
	if settings.KeepRecentTokens <= 0 {
		settings.KeepRecentTokens = DefaultKeepRecentTokens
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compactor{summarizer: summarizer, settings: settings, logger: logger}
}

// Settings returns the effective settings.
func (compactor *Compactor) Settings() Settings {
	return compactor.settings
}

// MaybeCompact estimates history and compacts it when the estimate
// crosses the headroom below limit. highWater is the largest token
// total the provider has reported since the last compaction; the
// trigger uses the larger of it and the estimate. It reports whether
// compaction happened. History is never modified; the compacted copy
// is in the result.
func (compactor *Compactor) MaybeCompact(ctx context.Context, history []llm.Message, limit int, highWater int64) (Result, bool, error) {
	estimate := EstimateContextTokens(history)
	tokens := max(estimate.Tokens, int(highWater))
	if !ShouldCompact(tokens, limit, compactor.settings) {
		return Result{}, false, nil
	}

	compactor.logger.Info("context over budget, compacting",
		"tokens", tokens,
		"estimated_tokens", estimate.Tokens,
		"usage_tokens", estimate.UsageTokens,
		"high_water", highWater,
		"limit", limit,
		"reserve", compactor.settings.ReserveTokens,
	)
	result, err := compactor.Compact(ctx, history)
	if errors.Is(err, ErrNothingToCompact) {
		compactor.logger.Warn("context over budget but no safe cut point",
			"tokens", tokens, "messages", len(history))
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	result.TokensBefore = tokens
	return result, true, nil
}

// Compact summarizes everything before the cut point and returns the
// new history. The summary is a system message tagged with
// [llm.MetaKindSummary]. Preserved messages lose their usage records.
func (compactor *Compactor) Compact(ctx context.Context, history []llm.Message) (Result, error) {
	cut := FindCutPoint(history, 0, compactor.settings.KeepRecentTokens)
	if cut <= 0 {
		return Result{}, ErrNothingToCompact
	}

	prefix := llm.CloneHistory(history[:cut])
	summary, err := compactor.summarizer.Summarize(ctx, prefix)
	if err != nil {
		return Result{}, fmt.Errorf("context: summarizing %d messages: %w", cut, err)
	}
	if summary == "" {
		return Result{}, fmt.Errorf("context: summarizer returned an empty summary for %d messages", cut)
	}

	messages := make([]llm.Message, 0, len(history)-cut+1)
	messages = append(messages, SummaryMessage(summary))
	for _, message := range history[cut:] {
		// Provider usage on preserved messages counted the summarized
		// prefix and would anchor the next estimate too high.
		message = message.Clone()
		message.Usage = nil
		messages = append(messages, message)
	}

	compactor.logger.Info("context compacted",
		"trimmed", cut,
		"preserved", len(history)-cut,
		"summary_length", len(summary),
	)
	return Result{
		Summary:        summary,
		Messages:       messages,
		TrimmedCount:   cut,
		PreservedCount: len(history) - cut,
	}, nil
}

// SummaryMessage creates the system message that stands in for a
// summarized prefix.
func SummaryMessage(summary string) llm.Message {
	message := llm.SystemMessage("Summary of the earlier conversation:\n\n" + summary)
	message.Meta = map[string]string{llm.MetaKind: llm.MetaKindSummary}
	return message
}
