package query

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"docqa/internal/answer"
	"docqa/internal/embed"
	"docqa/internal/index"
)

// Outcomes recorded for every question, answered or not.
const (
	OutcomeAnswered              = "answered"
	OutcomeInsufficientContext   = "insufficient_context"
	OutcomeInvalidQuery          = "invalid_query"
	OutcomeEmbeddingUnavailable  = "embedding_unavailable"
	OutcomeGenerationUnavailable = "generation_unavailable"
	OutcomeConfigurationError    = "configuration_error"
	OutcomeTimeout               = "timeout"
	OutcomeError                 = "error"
)

// LogRecord is one line of the question log.
type LogRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Question      string    `json:"question"`
	DocumentIDs   []string  `json:"document_ids,omitempty"`
	Passages      int       `json:"passages"`
	Outcome       string    `json:"outcome"`
	Success       bool      `json:"success"`
	Citations     int       `json:"citations"`
	Answer        string    `json:"answer,omitempty"`
	Error         string    `json:"error,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	CorrelationID string    `json:"correlation_id"`
}

// Log appends question records as JSON lines.
type Log struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLog(w io.Writer) *Log {
	return &Log{w: w}
}

// OpenLog appends to the file at path, creating it and its directory.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		return nil, err
	}
	return NewLog(f), nil
}

func (l *Log) Write(rec LogRecord) {
	if l == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.w).Encode(rec); err != nil {
		slog.Error("failed to write question log record", "error", err)
	}
}

// Outcome classifies the result of Ask.
func Outcome(ans *answer.Answer, err error) string {
	switch {
	case err == nil && ans != nil && ans.Status == answer.StatusAnswered:
		return OutcomeAnswered
	case err == nil:
		return OutcomeInsufficientContext
	case errors.Is(err, ErrInvalidQuery):
		return OutcomeInvalidQuery
	case errors.Is(err, embed.ErrDimensionMismatch), errors.Is(err, index.ErrDimensionMismatch):
		return OutcomeConfigurationError
	case errors.Is(err, embed.ErrEmbeddingUnavailable):
		return OutcomeEmbeddingUnavailable
	case errors.Is(err, answer.ErrGenerationUnavailable):
		return OutcomeGenerationUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
