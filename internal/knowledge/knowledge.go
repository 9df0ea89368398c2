package knowledge

import (
	"context"
	"sort"
	"strings"
)

// Snippet is one ranked knowledge-base result with a source reliability
// score. Relevance is filled per query by the searcher.
type Snippet struct {
	ID          string  `json:"id"`
	Topic       string  `json:"topic"`
	Content     string  `json:"content"`
	Source      string  `json:"source"`
	Reliability float64 `json:"reliability"`
	Relevance   float64 `json:"relevance"`
}

// Searcher is the knowledge-base collaborator consumed by context
// grounding. Treated as a black box returning ranked snippets.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Snippet, error)
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "is": {}, "the": {}, "of": {},
	"to": {}, "in": {}, "on": {}, "for": {}, "what": {}, "which": {},
	"who": {}, "how": {}, "why": {}, "do": {}, "does": {}, "can": {},
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if f == "" {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// rank scores candidates by token overlap weighted by source reliability
// and sorts them best first. Deterministic for a given input order.
func rank(candidates []Snippet, queryTokens []string) []Snippet {
	for i := range candidates {
		overlap := 0
		haystack := strings.ToLower(candidates[i].Topic + " " + candidates[i].Content)
		for _, token := range queryTokens {
			if strings.Contains(haystack, token) {
				overlap++
			}
		}
		score := 0.0
		if len(queryTokens) > 0 {
			score = float64(overlap) / float64(len(queryTokens))
		}
		candidates[i].Relevance = score * (0.5 + 0.5*candidates[i].Reliability)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Relevance > candidates[j].Relevance
	})

	return candidates
}
