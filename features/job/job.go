package job

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("job not found")

// Stages an ingestion can fail in.
const (
	StageExtract = "extract"
	StageChunk   = "chunk"
	StageEmbed   = "embed"
	StageIndex   = "index"
	StageStore   = "store"
	StageCancel  = "cancel"
)

// Job is a failed ingestion attempt kept for inspection and manual retry.
type Job struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage"`
	Error      string    `json:"error"`
	Retries    int       `json:"retries"`
	CreatedAt  time.Time `json:"created_at"`
}

type Repository interface {
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context) ([]Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// LatestForDocument returns the newest job recorded for a document.
	LatestForDocument(ctx context.Context, documentID string) (*Job, error)
	Delete(ctx context.Context, id string) error
	DeleteByDocument(ctx context.Context, documentID string) error
	Count(ctx context.Context) (int, error)
}
