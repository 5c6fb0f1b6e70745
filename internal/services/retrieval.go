package services

import (
	"context"
	"sort"
	"strings"

	"github.com/penguinhealth/chartflow/internal/models"
)

// retrievePassages loads the rule's knowledge base and keeps the
// passages most relevant to the question.
func (f *EngineFunction) retrievePassages(ctx context.Context, orgID, base, query string) ([]models.Passage, error) {
	passages, err := f.configs.ListPassages(ctx, orgID, base)
	if err != nil {
		return nil, err
	}
	k := f.config.RAGPassages
	if k <= 0 {
		k = 3
	}
	return RankPassages(passages, query, k), nil
}

// RankPassages returns the k passages sharing the most terms with the
// query. Passages with no overlap are excluded; ties keep the original
// knowledge-base order.
func RankPassages(passages []models.Passage, query string, k int) []models.Passage {
	queryTerms := make(map[string]bool)
	for _, t := range tokenize(query) {
		queryTerms[t] = true
	}
	if len(queryTerms) == 0 || len(passages) == 0 {
		return nil
	}

	type scored struct {
		passage models.Passage
		score   int
		index   int
	}
	ranked := make([]scored, 0, len(passages))
	for i, p := range passages {
		seen := make(map[string]bool)
		score := 0
		for _, t := range tokenize(p.Text) {
			if queryTerms[t] && !seen[t] {
				seen[t] = true
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{passage: p, score: score, index: i})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].index < ranked[j].index
	})

	if k > len(ranked) {
		k = len(ranked)
	}
	top := make([]models.Passage, 0, k)
	for _, s := range ranked[:k] {
		top = append(top, s.passage)
	}
	return top
}

// tokenize lowercases and splits on non-alphanumeric runs, dropping
// short stopword-ish tokens.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
