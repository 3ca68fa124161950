package context

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kbotlog"
	"github.com/kynetic/kbot/internal/memory"
)

// SummaryProvider summarizes the archived (unselected) turn prefix into a
// short prose recap. Implementations may call out to an LLM; any error is
// treated as non-fatal by ContextRestorer (spec.md §4.5 AC-6).
type SummaryProvider interface {
	Summarize(ctx context.Context, archived []memory.Turn) (string, error)
}

// RestorerConfig tunes prompt assembly.
type RestorerConfig struct {
	MaxTurnChars int
}

// DefaultRestorerConfig matches spec.md §4.5's default.
func DefaultRestorerConfig() RestorerConfig {
	return RestorerConfig{MaxTurnChars: 40000}
}

// RestoreResult is ContextRestorer's output.
type RestoreResult struct {
	Skipped       bool
	Prompt        string
	SummaryFailed bool
}

// ContextRestorer composes the single text prompt injected into a freshly
// rotated agent session so it can pick up a conversation without replaying
// the full event log (spec.md §4.5).
type ContextRestorer struct {
	cfg         RestorerConfig
	conversations *memory.ConversationStore
	selector    *TurnSelector
	summarizer  *ToolSummarizer
	summaries   SummaryProvider
	baseDir     string
	logger      *kbotlog.Logger
}

// NewContextRestorer constructs a ContextRestorer. summaries may be nil, in
// which case the summary-of-earlier-conversation section is simply omitted
// (the archived-history pointer section is always written).
func NewContextRestorer(
	cfg RestorerConfig,
	conversations *memory.ConversationStore,
	selector *TurnSelector,
	summarizer *ToolSummarizer,
	summaries SummaryProvider,
	baseDir string,
	log *kbotlog.Logger,
) *ContextRestorer {
	if summarizer == nil {
		summarizer = NewToolSummarizer()
	}
	if log == nil {
		log = kbotlog.Default()
	}
	return &ContextRestorer{
		cfg:           cfg,
		conversations: conversations,
		selector:      selector,
		summarizer:    summarizer,
		summaries:     summaries,
		baseDir:       baseDir,
		logger:        log.WithFields(zap.String("component", "context-restorer")),
	}
}

// Restore builds the resume prompt for sessionID/conversationID.
func (r *ContextRestorer) Restore(ctx context.Context, sessionID, conversationID string) (RestoreResult, error) {
	turns, err := r.conversations.ReadTurns(conversationID)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read turns for restoration: %w", err)
	}
	if len(turns) == 0 {
		return RestoreResult{Skipped: true}, nil
	}

	selection, err := r.selector.Select(ctx, sessionID, turns)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("select turns for restoration: %w", err)
	}
	archived := turns[:selection.ExcludedCount]

	var recent strings.Builder
	for _, st := range selection.Selected {
		content := st.Content
		if len(content) > r.cfg.MaxTurnChars {
			content = content[:r.cfg.MaxTurnChars] + "[truncated]"
		}
		fmt.Fprintf(&recent, "\n[%s]: %s\n", st.Turn.Role, content)
	}

	var summary string
	summaryFailed := false
	if len(archived) > 0 && r.summaries != nil {
		s, serr := r.summaries.Summarize(ctx, archived)
		if serr != nil {
			r.logger.Warn("archive summarization failed, continuing with recent turns only", zap.Error(serr))
			summaryFailed = true
		} else {
			summary = s
		}
	}

	var b strings.Builder
	b.WriteString("## Session Context\n")
	if summary != "" {
		b.WriteString("\n### Summary of Earlier Conversation\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	b.WriteString("\n### Recent Conversation History\n")
	b.WriteString("---\n")
	b.WriteString(recent.String())
	b.WriteString("---\n")
	b.WriteString("\n### Archived History\n")
	fmt.Fprintf(&b, "Earlier turns are preserved at `%s/conversations/%s/turns.jsonl`.\n", r.baseDir, conversationID)
	b.WriteString("\nContinue the conversation naturally, taking the above context into account.\n")

	return RestoreResult{Prompt: b.String(), SummaryFailed: summaryFailed}, nil
}
