package ingest

import (
	"context"
	"errors"
	"log/slog"

	"docqa/features/document"
)

type ResumeStore interface {
	List(ctx context.Context) ([]document.Document, error)
	UpdateStatus(ctx context.Context, id string, to document.Status, reason string) error
	Reindex(ctx context.Context, id string) error
}

// Resume queues again every document whose ingestion did not finish before
// the process stopped. A document left extracting is first failed as
// interrupted. It must run before workers start.
func Resume(ctx context.Context, store ResumeStore) (int, error) {
	docs, err := store.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, d := range docs {
		switch d.Status {
		case document.StatusExtracting:
			if err := store.UpdateStatus(ctx, d.ID, document.StatusFailed, ReasonInterrupted); err != nil {
				slog.WarnContext(ctx, "failed to mark interrupted document", "error", err, "document_id", d.ID)
				continue
			}
		case document.StatusPending:
		default:
			continue
		}

		if err := store.Reindex(ctx, d.ID); err != nil {
			if errors.Is(err, document.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		slog.InfoContext(ctx, "resumed unfinished ingestions", "count", n)
	}
	return n, nil
}
