package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"docqa/internal/config"
	"docqa/internal/middleware"
	"docqa/internal/worker"
)

type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// IndexRemover drops a document's vector index entries.
type IndexRemover interface {
	DeleteByDocument(ctx context.Context, documentID string) (int, error)
}

// JobRemover drops the failure records kept for a document.
type JobRemover interface {
	DeleteByDocument(ctx context.Context, documentID string) error
}

// Canceller stops a running ingestion and waits for it to finish.
type Canceller interface {
	Cancel(documentID string) bool
}

type Service struct {
	repo   Repository
	blobs  BlobStore
	pub    EventPublisher
	index  IndexRemover
	cancel Canceller
	jobs   JobRemover
}

func NewService(repo Repository, blobs BlobStore, pub EventPublisher, index IndexRemover) *Service {
	return &Service{repo: repo, blobs: blobs, pub: pub, index: index}
}

// SetCanceller wires the ingestion pipeline, which itself depends on the
// service.
func (s *Service) SetCanceller(c Canceller) {
	s.cancel = c
}

// SetJobs wires the job records removed together with a document.
func (s *Service) SetJobs(j JobRemover) {
	s.jobs = j
}

// Create records a new pending document.
func (s *Service) Create(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.Status = StatusPending
	doc.Reason = ""
	return s.repo.Create(ctx, doc)
}

// Upload stores the PDF bytes, creates a pending document and queues its
// ingestion. It does not wait for ingestion.
func (s *Service) Upload(ctx context.Context, filename string, data []byte) (*Document, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	existing, err := s.repo.FindByHash(ctx, hash)
	if err == nil {
		if existing.Status == StatusFailed {
			return existing, fmt.Errorf("%w: same content as failed document %s, retry it with POST /documents/%s/reindex",
				ErrDuplicate, existing.ID, existing.ID)
		}
		return existing, fmt.Errorf("%w: same content as document %s", ErrDuplicate, existing.ID)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	doc := &Document{ID: uuid.New().String(), Filename: filename, ContentHash: hash}
	doc.BlobKey = doc.ID + ".pdf"
	if err := s.blobs.Put(ctx, doc.BlobKey, data); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if err := s.Create(ctx, doc); err != nil {
		if delErr := s.blobs.Delete(ctx, doc.BlobKey); delErr != nil {
			slog.WarnContext(ctx, "failed to clean up uploaded file", "error", delErr, "key", doc.BlobKey)
		}
		return nil, err
	}

	if err := s.enqueue(ctx, doc.ID); err != nil {
		reason := "enqueue failed: " + err.Error()
		if uerr := s.repo.UpdateStatus(ctx, doc.ID, StatusPending, StatusFailed, reason); uerr != nil {
			slog.ErrorContext(ctx, "failed to mark document failed", "error", uerr, "document_id", doc.ID)
		}
		return nil, err
	}
	slog.InfoContext(ctx, "document uploaded", "document_id", doc.ID, "filename", filename, "bytes", len(data))
	return doc, nil
}

func (s *Service) enqueue(ctx context.Context, id string) error {
	payload, err := json.Marshal(worker.IngestTask{
		DocumentID:    id,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}
	if err := s.pub.Publish(config.TopicIngestDocument, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish ingest task", "error", err, "document_id", id)
		return fmt.Errorf("publish ingest task: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetMany(ctx context.Context, ids []string) (map[string]*Document, error) {
	return s.repo.GetMany(ctx, ids)
}

func (s *Service) List(ctx context.Context) ([]Document, error) {
	return s.repo.List(ctx)
}

func (s *Service) ListChunks(ctx context.Context, id string) ([]Chunk, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListChunks(ctx, id)
}

func (s *Service) GetChunks(ctx context.Context, ids []string) ([]Chunk, error) {
	return s.repo.GetChunks(ctx, ids)
}

func (s *Service) ListChunkRefs(ctx context.Context) ([]ChunkRef, error) {
	return s.repo.ListChunkRefs(ctx)
}

func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return s.repo.CountByStatus(ctx)
}

// UpdateStatus advances a document through its lifecycle. The write only
// lands if the status has not changed since it was read.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status, reason string) error {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(doc.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.Status, to)
	}
	return s.repo.UpdateStatus(ctx, id, doc.Status, to, reason)
}

// Release hands a claimed document back to pending without recording a
// failure.
func (s *Service) Release(ctx context.Context, id string) error {
	return s.repo.UpdateStatus(ctx, id, StatusExtracting, StatusPending, "")
}

func (s *Service) SetPageCount(ctx context.Context, id string, n int) error {
	return s.repo.SetPageCount(ctx, id, n)
}

func (s *Service) SaveChunks(ctx context.Context, chunks []Chunk) error {
	return s.repo.SaveChunks(ctx, chunks)
}

func (s *Service) DeleteChunks(ctx context.Context, id string) error {
	return s.repo.DeleteChunks(ctx, id)
}

// Content returns the stored PDF bytes of a document.
func (s *Service) Content(ctx context.Context, doc *Document) ([]byte, error) {
	return s.blobs.Get(ctx, doc.BlobKey)
}

func (s *Service) stopIngestion(ctx context.Context, id string) {
	if s.cancel != nil && s.cancel.Cancel(id) {
		slog.InfoContext(ctx, "cancelled in-flight ingestion", "document_id", id)
	}
}

// Delete removes a document with its index entries, chunks, job records and
// stored bytes.
func (s *Service) Delete(ctx context.Context, id string) error {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	s.stopIngestion(ctx, id)

	n, err := s.index.DeleteByDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("delete index entries: %w", err)
	}
	if s.jobs != nil {
		if err := s.jobs.DeleteByDocument(ctx, id); err != nil {
			return fmt.Errorf("delete job records: %w", err)
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if doc.BlobKey != "" {
		if err := s.blobs.Delete(ctx, doc.BlobKey); err != nil {
			slog.WarnContext(ctx, "failed to delete stored file", "error", err, "document_id", id)
		}
	}
	slog.InfoContext(ctx, "document deleted", "document_id", id, "entries_removed", n)
	return nil
}

// Reindex discards a document's chunks and entries and queues it again.
func (s *Service) Reindex(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	s.stopIngestion(ctx, id)

	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status == StatusExtracting {
		return fmt.Errorf("%w: ingestion of %s is still running", ErrInvalidTransition, id)
	}

	if _, err := s.index.DeleteByDocument(ctx, id); err != nil {
		return fmt.Errorf("delete index entries: %w", err)
	}
	if err := s.repo.DeleteChunks(ctx, id); err != nil {
		return err
	}
	if doc.Status != StatusPending {
		if err := s.repo.UpdateStatus(ctx, id, doc.Status, StatusPending, ""); err != nil {
			return err
		}
	}
	slog.InfoContext(ctx, "document queued for reindex", "document_id", id, "previous_status", string(doc.Status))
	return s.enqueue(ctx, id)
}
