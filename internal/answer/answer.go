// Package answer turns retrieved passages into an answer that cites only
// the passages it was given.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"docqa/internal/retrieval"
	"docqa/internal/retry"
)

// RefusalText is what the generator must reply when the excerpts do not
// contain the answer.
const RefusalText = "Answer not found in provided documents."

var ErrGenerationUnavailable = errors.New("generation capability unavailable")

type Status string

const (
	StatusAnswered            Status = "answered"
	StatusInsufficientContext Status = "insufficient_context"
)

type Citation struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Page       int    `json:"page"`
	Pages      []int  `json:"pages"`
	ChunkID    string `json:"chunk_id"`
}

type Answer struct {
	Status    Status     `json:"status"`
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
	Model     string     `json:"model,omitempty"`
}

// Insufficient is the answer given when no usable context exists.
func Insufficient() *Answer {
	return &Answer{Status: StatusInsufficientContext, Text: RefusalText, Citations: []Citation{}}
}

// Generator is the external text generation capability.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
	Model() string
}

type Options struct {
	// BudgetChars caps the characters of excerpt text sent to the generator.
	BudgetChars int
	Retry       retry.Policy
}

type Answerer struct {
	gen  Generator
	opts Options
}

func NewAnswerer(gen Generator, opts Options) *Answerer {
	if opts.BudgetChars <= 0 {
		opts.BudgetChars = 16000
	}
	return &Answerer{gen: gen, opts: opts}
}

func (a *Answerer) Answer(ctx context.Context, question string, passages []retrieval.Passage) (*Answer, error) {
	if len(passages) == 0 {
		return Insufficient(), nil
	}

	excerpts := selectExcerpts(passages, a.opts.BudgetChars)
	p := Prompt{System: SystemInstruction, Excerpts: excerpts, Question: question}

	var reply string
	err := retry.Do(ctx, a.opts.Retry, "generate", func() error {
		var gerr error
		reply, gerr = a.gen.Generate(ctx, p)
		return gerr
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" || IsRefusal(reply) {
		ans := Insufficient()
		ans.Model = a.gen.Model()
		return ans, nil
	}

	cited := citedExcerpts(reply, len(excerpts))
	citations := make([]Citation, 0, len(cited))
	for _, n := range cited {
		e := excerpts[n-1]
		citations = append(citations, Citation{
			DocumentID: e.Passage.DocumentID,
			Filename:   e.Passage.Filename,
			Page:       e.Passage.Page,
			Pages:      e.Passage.Pages,
			ChunkID:    e.Passage.ChunkID,
		})
	}
	slog.InfoContext(ctx, "question answered", "excerpts", len(excerpts), "citations", len(citations), "model", a.gen.Model())
	return &Answer{Status: StatusAnswered, Text: reply, Citations: citations, Model: a.gen.Model()}, nil
}

// IsRefusal reports whether a generator reply is the refusal sentence,
// allowing for case and surrounding punctuation.
func IsRefusal(reply string) bool {
	norm := strings.ToLower(strings.Trim(strings.TrimSpace(reply), `"'.`))
	return strings.HasPrefix(norm, strings.ToLower(strings.TrimSuffix(RefusalText, ".")))
}

// selectExcerpts orders passages by descending score and adds them until
// the budget runs out. The first passage that does not fit ends the fill;
// a top passage larger than the whole budget is cut to fit.
func selectExcerpts(passages []retrieval.Passage, budget int) []Excerpt {
	sorted := append([]retrieval.Passage(nil), passages...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	var out []Excerpt
	used := 0
	for _, p := range sorted {
		n := len([]rune(p.Text))
		if used+n > budget {
			if len(out) == 0 {
				p.Text = string([]rune(p.Text)[:budget])
				out = append(out, Excerpt{N: 1, Passage: p})
			}
			break
		}
		used += n
		out = append(out, Excerpt{N: len(out) + 1, Passage: p})
	}
	return out
}
