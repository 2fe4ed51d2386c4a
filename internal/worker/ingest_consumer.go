package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nsqio/go-nsq"

	"docqa/internal/middleware"
)

type IngestConsumer struct {
	runner Runner
}

func NewIngestConsumer(r Runner) *IngestConsumer {
	return &IngestConsumer{runner: r}
}

func (h *IngestConsumer) HandleMessage(m *nsq.Message) error {
	return h.Handle(context.Background(), m.Body)
}

// Handle decodes an IngestTask and runs it. Malformed tasks are dropped.
func (h *IngestConsumer) Handle(ctx context.Context, body []byte) error {
	if len(body) == 0 {
		return nil
	}

	var task IngestTask
	if err := json.Unmarshal(body, &task); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.ErrorContext(ctx, "poison pill: invalid json", "error", err)
		return nil
	}
	if task.DocumentID == "" {
		slog.ErrorContext(ctx, "poison pill: ingest task without document id")
		return nil
	}

	if task.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, task.CorrelationID)
	}
	ctx = middleware.WithDocumentID(ctx, task.DocumentID)

	if err := h.runner.Run(ctx, task.DocumentID); err != nil {
		slog.ErrorContext(ctx, "ingestion attempt failed, requeueing", "error", err)
		return err
	}
	return nil
}
