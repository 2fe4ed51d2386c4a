package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicate         = errors.New("duplicate document")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusExtracting Status = "extracting"
	StatusIndexed    Status = "indexed"
	StatusFailed     Status = "failed"
)

// CanTransition reports whether the lifecycle allows moving from one status
// to another. Resetting a finished document to pending is only done by
// Reindex.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusExtracting || to == StatusFailed
	case StatusExtracting:
		return to == StatusIndexed || to == StatusFailed
	}
	return false
}

type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Status      Status    `json:"status"`
	PageCount   int       `json:"page_count"`
	Reason      string    `json:"reason,omitempty"`
	ContentHash string    `json:"-"`
	BlobKey     string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Chunk is an immutable span of a document's text. StartOffset is a rune
// offset into StartPage; EndOffset is an exclusive rune offset into EndPage.
type Chunk struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	Ordinal     int    `json:"ordinal"`
	Pages       []int  `json:"pages"`
	StartPage   int    `json:"start_page"`
	EndPage     int    `json:"end_page"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Text        string `json:"text"`
}

// ChunkRef ties a stored chunk to its document's status.
type ChunkRef struct {
	ChunkID    string
	DocumentID string
	Status     Status
}

var chunkNamespace = uuid.MustParse("8c1f5d0e-2b7a-4f4e-9a53-6f1d2c0b7e41")

// ChunkID derives a stable chunk id from its position in the document.
func ChunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%d", documentID, ordinal))).String()
}

type Repository interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	GetMany(ctx context.Context, ids []string) (map[string]*Document, error)
	FindByHash(ctx context.Context, hash string) (*Document, error)
	List(ctx context.Context) ([]Document, error)
	// UpdateStatus moves a document from one status to another only if it
	// is still in from.
	UpdateStatus(ctx context.Context, id string, from, to Status, reason string) error
	SetPageCount(ctx context.Context, id string, n int) error
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[Status]int, error)

	SaveChunks(ctx context.Context, chunks []Chunk) error
	ListChunks(ctx context.Context, documentID string) ([]Chunk, error)
	GetChunks(ctx context.Context, ids []string) ([]Chunk, error)
	DeleteChunks(ctx context.Context, documentID string) error
	ListChunkRefs(ctx context.Context) ([]ChunkRef, error)
}
