package answer

import (
	"context"
	"fmt"

	"docqa/internal/embed"
	"docqa/internal/text"
)

// ExcerptGenerator answers without a language model by quoting the excerpt
// sentence that shares the most content words with the question. It is
// deterministic and is used when no model is configured and in tests.
type ExcerptGenerator struct{}

func (ExcerptGenerator) Model() string { return "excerpt" }

func (ExcerptGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	terms := make(map[string]bool)
	for _, tok := range embed.Tokenize(p.Question) {
		if !embed.IsStopword(tok) {
			terms[tok] = true
		}
	}

	best, bestN, bestScore := "", 0, 0
	for _, e := range p.Excerpts {
		for _, sent := range text.Sentences(e.Passage.Text) {
			seen := make(map[string]bool)
			score := 0
			for _, tok := range embed.Tokenize(sent) {
				if terms[tok] && !seen[tok] {
					seen[tok] = true
					score++
				}
			}
			if score > bestScore {
				best, bestN, bestScore = sent, e.N, score
			}
		}
	}
	if bestScore == 0 {
		return RefusalText, nil
	}
	return fmt.Sprintf("%s [%d]", best, bestN), nil
}
