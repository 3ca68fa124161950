package context

import (
	"context"
	"math"

	"github.com/kynetic/kbot/internal/memory"
)

// TurnSelectorConfig tunes the token-budget walk.
type TurnSelectorConfig struct {
	MaxContextTokens int
	BudgetFraction   float64
	MarginFraction   float64
	CharsPerToken    int
}

// DefaultTurnSelectorConfig matches spec.md §4.5's defaults.
func DefaultTurnSelectorConfig() TurnSelectorConfig {
	return TurnSelectorConfig{
		MaxContextTokens: 200000,
		BudgetFraction:   0.30,
		MarginFraction:   0.05,
		CharsPerToken:    4,
	}
}

func (c TurnSelectorConfig) budget() int {
	return int(float64(c.MaxContextTokens) * c.BudgetFraction)
}

func (c TurnSelectorConfig) margin(budget int) int {
	return int(float64(budget) * c.MarginFraction)
}

func (c TurnSelectorConfig) estimateTokens(text string) int {
	chars := c.CharsPerToken
	if chars <= 0 {
		chars = 4
	}
	return int(math.Ceil(float64(len(text)) / float64(chars)))
}

// SelectedTurn is one chosen turn plus its reconstructed/summarized content.
type SelectedTurn struct {
	Turn    memory.Turn
	Content string
	Tokens  int
}

// SelectionResult is TurnSelector's output.
type SelectionResult struct {
	Selected      []SelectedTurn // chronological order
	TotalTokens   int
	ExcludedCount int
	WithinBudget  bool
}

// TurnSelector walks a conversation's turns newest-to-oldest, selecting as
// many as fit within the token budget, summarizing tool-call turns via
// ToolSummarizer so only their compacted length counts toward the budget
// (spec.md §4.5).
type TurnSelector struct {
	cfg           TurnSelectorConfig
	reconstructor *memory.TurnReconstructor
	summarizer    *ToolSummarizer
}

// NewTurnSelector constructs a TurnSelector.
func NewTurnSelector(cfg TurnSelectorConfig, reconstructor *memory.TurnReconstructor, summarizer *ToolSummarizer) *TurnSelector {
	if summarizer == nil {
		summarizer = NewToolSummarizer()
	}
	return &TurnSelector{cfg: cfg, reconstructor: reconstructor, summarizer: summarizer}
}

// Select walks turns (assumed chronological, oldest-first as returned by
// ConversationStore.ReadTurns) from newest to oldest, stopping at the
// first one that would exceed budget+margin.
func (s *TurnSelector) Select(ctx context.Context, sessionID string, turns []memory.Turn) (SelectionResult, error) {
	budget := s.cfg.budget()
	margin := s.cfg.margin(budget)
	limit := budget + margin

	selected := make([]SelectedTurn, 0, len(turns))
	total := 0
	excluded := 0

	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]

		rc, err := s.reconstructor.Reconstruct(ctx, sessionID, t)
		if err != nil {
			return SelectionResult{}, err
		}

		content := rc.Text
		if s.summarizer.IsToolCall(content) {
			content = s.summarizer.Summarize(content)
		}
		tokens := s.cfg.estimateTokens(content)

		if total+tokens > limit {
			excluded = i + 1
			break
		}

		selected = append(selected, SelectedTurn{Turn: t, Content: content, Tokens: tokens})
		total += tokens
	}

	// selected was built newest-first; reverse to chronological order.
	for l, r := 0, len(selected)-1; l < r; l, r = l+1, r-1 {
		selected[l], selected[r] = selected[r], selected[l]
	}

	return SelectionResult{
		Selected:      selected,
		TotalTokens:   total,
		ExcludedCount: excluded,
		WithinBudget:  total <= budget,
	}, nil
}
