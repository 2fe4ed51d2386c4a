package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docqa/internal/answer"
	"docqa/internal/index"
	"docqa/internal/middleware"
	"docqa/internal/retrieval"
)

var ErrInvalidQuery = errors.New("invalid query")

const maxQuestionChars = 2000

type Query struct {
	Question    string   `json:"question"`
	TopK        int      `json:"top_k,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int, filter index.Filter) ([]retrieval.Passage, error)
}

type Answerer interface {
	Answer(ctx context.Context, question string, passages []retrieval.Passage) (*answer.Answer, error)
}

type Service struct {
	retriever Retriever
	answerer  Answerer
	timeout   time.Duration
	log       *Log
}

// NewService builds the query service. A nil log disables the question log.
func NewService(r Retriever, a Answerer, timeout time.Duration, log *Log) *Service {
	return &Service{retriever: r, answerer: a, timeout: timeout, log: log}
}

// Ask answers a question from the indexed documents only. With nothing to
// go on it returns an insufficient-context answer rather than an error.
// Every call, failed or not, is written to the question log.
func (s *Service) Ask(ctx context.Context, q Query) (*answer.Answer, error) {
	start := time.Now()
	q.Question = strings.TrimSpace(q.Question)
	passages := 0
	ans, err := s.ask(ctx, q, &passages)

	rec := LogRecord{
		Question:      q.Question,
		DocumentIDs:   q.DocumentIDs,
		Passages:      passages,
		Outcome:       Outcome(ans, err),
		Success:       err == nil,
		LatencyMs:     time.Since(start).Milliseconds(),
		CorrelationID: middleware.GetCorrelationID(ctx),
	}
	if ans != nil {
		rec.Citations = len(ans.Citations)
		rec.Answer = ans.Text
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.log.Write(rec)
	return ans, err
}

func (s *Service) ask(ctx context.Context, q Query, found *int) (*answer.Answer, error) {
	if q.Question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidQuery)
	}
	if len([]rune(q.Question)) > maxQuestionChars {
		return nil, fmt.Errorf("%w: question exceeds %d characters", ErrInvalidQuery, maxQuestionChars)
	}
	if q.TopK < 0 {
		return nil, fmt.Errorf("%w: top_k must not be negative", ErrInvalidQuery)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	passages, err := s.retriever.Retrieve(ctx, q.Question, q.TopK, index.Filter{DocumentIDs: q.DocumentIDs})
	if err != nil {
		return nil, err
	}
	*found = len(passages)
	if len(passages) == 0 {
		slog.InfoContext(ctx, "no passages for question", "filter_documents", len(q.DocumentIDs))
		return answer.Insufficient(), nil
	}
	return s.answerer.Answer(ctx, q.Question, passages)
}
