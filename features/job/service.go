package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docqa/features/document"
)

var ErrDocumentGone = errors.New("document no longer exists")

// Reindexer queues a document for ingestion again.
type Reindexer interface {
	Reindex(ctx context.Context, documentID string) error
}

type Service struct {
	repo    Repository
	docs    Reindexer
	timeout time.Duration
}

func NewService(repo Repository, docs Reindexer) *Service {
	return &Service{repo: repo, docs: docs, timeout: 5 * time.Second}
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

// Record stores a failed ingestion. An earlier record for the same document
// is replaced and its retry count carried forward.
func (s *Service) Record(ctx context.Context, documentID, stage string, cause error) error {
	j := &Job{DocumentID: documentID, Stage: stage}
	if cause != nil {
		j.Error = cause.Error()
	}

	prev, err := s.repo.LatestForDocument(ctx, documentID)
	switch {
	case err == nil:
		j.Retries = prev.Retries + 1
		if err := s.repo.DeleteByDocument(ctx, documentID); err != nil {
			return err
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	if err := s.repo.Save(ctx, j); err != nil {
		return fmt.Errorf("save failed job: %w", err)
	}
	slog.WarnContext(ctx, "ingestion failure recorded", "document_id", documentID, "stage", stage, "retries", j.Retries)
	return nil
}

// Retry queues the job's document for ingestion again and drops the job.
func (s *Service) Retry(ctx context.Context, id string) (*Job, error) {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.docs.Reindex(rctx, j.DocumentID)
	if errors.Is(err, document.ErrNotFound) {
		if derr := s.repo.Delete(ctx, id); derr != nil {
			slog.WarnContext(ctx, "failed to drop orphaned job", "error", derr, "job_id", id)
		}
		return nil, fmt.Errorf("%w: %s", ErrDocumentGone, j.DocumentID)
	}
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timeout waiting for reindex of %s: %w", j.DocumentID, err)
		}
		return nil, err
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return nil, err
	}
	return j, nil
}

// DeleteByDocument drops every job recorded for a document.
func (s *Service) DeleteByDocument(ctx context.Context, documentID string) error {
	return s.repo.DeleteByDocument(ctx, documentID)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
