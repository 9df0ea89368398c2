package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/knowledge"
	"github.com/chat-sentinel/backend/pkg/logger"
)

// HistoryReader supplies recent conversation turns for a session, newest
// first.
type HistoryReader interface {
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]string, error)
}

// ContextBundle is the grounded prompt context handed to the orchestrator
// and to response validation.
type ContextBundle struct {
	Snippets        []knowledge.Snippet
	History         []string
	Profile         string
	FactCheckPoints []string
	ContextLevel    string
	TokensUsed      int
}

type contextItem struct {
	text      string
	relevance float64
	snippet   *knowledge.Snippet
}

// Grounder assembles prompt context under a token budget. When over
// budget, the lowest-relevance items are dropped first; truncation is
// deterministic, never random.
type Grounder struct {
	searcher     knowledge.Searcher
	history      HistoryReader
	tokenBudget  int
	maxSnippets  int
	historyDepth int
}

func NewGrounder(searcher knowledge.Searcher, history HistoryReader, tokenBudget, maxSnippets, historyDepth int) *Grounder {
	if tokenBudget <= 0 {
		tokenBudget = 2000
	}
	if maxSnippets <= 0 {
		maxSnippets = 5
	}
	if historyDepth <= 0 {
		historyDepth = 10
	}
	return &Grounder{
		searcher:     searcher,
		history:      history,
		tokenBudget:  tokenBudget,
		maxSnippets:  maxSnippets,
		historyDepth: historyDepth,
	}
}

func (g *Grounder) Build(ctx context.Context, query Query, classification Classification) ContextBundle {
	bundle := ContextBundle{
		ContextLevel: contextLevel(classification),
	}

	if !classification.RequiresContext && !classification.RequiresFacts {
		return bundle
	}

	var items []contextItem

	if g.searcher != nil && classification.RequiresFacts {
		snippets, err := g.searcher.Search(ctx, query.Sanitized, g.maxSnippets)
		if err != nil {
			// Grounding degrades gracefully: an empty context is better
			// than a failed request.
			logger.Warn("Knowledge search failed", zap.Error(err))
		}
		for i := range snippets {
			items = append(items, contextItem{
				text:      snippets[i].Content,
				relevance: snippets[i].Relevance,
				snippet:   &snippets[i],
			})
		}
	}

	if g.history != nil && classification.RequiresContext {
		turns, err := g.history.RecentMessages(ctx, query.SessionID, g.historyDepth)
		if err != nil {
			logger.Warn("History fetch failed", zap.Error(err))
		}
		// Newer turns rank higher; all history ranks below a direct
		// knowledge match.
		for i, turn := range turns {
			items = append(items, contextItem{
				text:      turn,
				relevance: 0.4 - float64(i)*0.02,
			})
		}
	}

	items = truncateToBudget(items, g.tokenBudget)

	for _, item := range items {
		if item.snippet != nil {
			bundle.Snippets = append(bundle.Snippets, *item.snippet)
			bundle.FactCheckPoints = append(bundle.FactCheckPoints, item.snippet.Content)
		} else {
			bundle.History = append(bundle.History, item.text)
		}
		bundle.TokensUsed += estimateTokens(item.text)
	}

	logger.Debug("Context grounded",
		zap.String("query_id", query.ID),
		zap.Int("snippets", len(bundle.Snippets)),
		zap.Int("history_turns", len(bundle.History)),
		zap.Int("tokens_used", bundle.TokensUsed),
	)

	return bundle
}

// SystemPrompt renders the grounded context into the provider system
// prompt for the classified response strategy.
func (g *Grounder) SystemPrompt(classification Classification, bundle ContextBundle) string {
	var b strings.Builder

	b.WriteString("You are a careful assistant. ")
	switch classification.ResponseStrategy {
	case "cite_sources":
		b.WriteString("Answer factually and only from the provided context; say so when the context is insufficient.")
	case "step_by_step":
		b.WriteString("Diagnose the problem and answer with numbered, actionable steps.")
	case "open_ended":
		b.WriteString("Respond creatively; no sources required.")
	case "explain_then_check":
		b.WriteString("Explain the concept clearly, then end with one short comprehension question.")
	default:
		b.WriteString("Answer helpfully and concisely.")
	}

	if bundle.Profile != "" {
		b.WriteString("\n\nUser profile:\n")
		b.WriteString(bundle.Profile)
	}

	if len(bundle.Snippets) > 0 {
		b.WriteString("\n\nVerified context:\n")
		for i, snip := range bundle.Snippets {
			b.WriteString(fmt.Sprintf("[%d] %s (source: %s, reliability: %.2f)\n", i+1, snip.Content, snip.Source, snip.Reliability))
		}
	}

	if len(bundle.History) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, turn := range bundle.History {
			b.WriteString("- " + turn + "\n")
		}
	}

	return b.String()
}

func contextLevel(classification Classification) string {
	switch {
	case classification.RequiresFacts:
		return "facts"
	case classification.RequiresContext:
		return "session"
	default:
		return "none"
	}
}

func truncateToBudget(items []contextItem, budget int) []contextItem {
	total := 0
	for _, item := range items {
		total += estimateTokens(item.text)
	}
	if total <= budget {
		return items
	}

	// Drop lowest relevance first. Stable sort keeps insertion order for
	// equal relevance so truncation stays deterministic.
	sorted := make([]contextItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].relevance > sorted[j].relevance
	})

	var kept []contextItem
	used := 0
	for _, item := range sorted {
		cost := estimateTokens(item.text)
		if used+cost > budget {
			continue
		}
		kept = append(kept, item)
		used += cost
	}
	return kept
}

func estimateTokens(text string) int {
	// Rough heuristic: a token is about four characters of English text.
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
