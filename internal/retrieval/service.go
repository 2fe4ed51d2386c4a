package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"docqa/features/document"
	"docqa/internal/index"
	"docqa/internal/settings"
)

const defaultTopK = 5

// Passage is a retrieved chunk with the text the answerer works from.
type Passage struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Page       int     `json:"page"`
	Pages      []int   `json:"pages"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorIndex interface {
	Search(ctx context.Context, query []float32, k int, f index.Filter) ([]index.Result, error)
	MaxK() int
}

// DocumentStore resolves index hits back to documents and chunk text.
type DocumentStore interface {
	GetMany(ctx context.Context, ids []string) (map[string]*document.Document, error)
	GetChunks(ctx context.Context, ids []string) ([]document.Chunk, error)
}

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Service struct {
	embedder Embedder
	index    VectorIndex
	docs     DocumentStore
	settings SettingsProvider
}

func NewService(e Embedder, ix VectorIndex, docs DocumentStore, set SettingsProvider) *Service {
	return &Service{embedder: e, index: ix, docs: docs, settings: set}
}

// Retrieve returns up to topK passages from indexed documents, best first.
// topK <= 0 uses the configured default. An empty result is not an error.
func (s *Service) Retrieve(ctx context.Context, question string, topK int, filter index.Filter) ([]Passage, error) {
	if strings.TrimSpace(question) == "" {
		return []Passage{}, nil
	}

	minScore := float32(0)
	if cfg, serr := s.settings.Get(ctx); serr != nil {
		slog.WarnContext(ctx, "failed to load search settings, using defaults", "error", serr)
	} else {
		if topK <= 0 {
			topK = cfg.SearchTopK
		}
		minScore = cfg.MinScore
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	topK = min(topK, s.index.MaxK())

	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	// Fetch extra candidates so that hits dropped below still leave topK.
	hits, err := s.index.Search(ctx, vec, min(topK*2, s.index.MaxK()), filter)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	if len(hits) == 0 {
		return []Passage{}, nil
	}
	return s.resolve(ctx, hits, topK, minScore)
}

func (s *Service) resolve(ctx context.Context, hits []index.Result, topK int, minScore float32) ([]Passage, error) {
	docIDs := make([]string, 0, len(hits))
	chunkIDs := make([]string, 0, len(hits))
	seenDoc := make(map[string]bool)
	for _, h := range hits {
		chunkIDs = append(chunkIDs, h.ChunkID)
		if !seenDoc[h.DocumentID] {
			seenDoc[h.DocumentID] = true
			docIDs = append(docIDs, h.DocumentID)
		}
	}

	docs, err := s.docs.GetMany(ctx, docIDs)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	chunks, err := s.docs.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	byID := make(map[string]document.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	out := make([]Passage, 0, topK)
	dropped := 0
	for _, h := range hits {
		if len(out) == topK {
			break
		}
		doc, ok := docs[h.DocumentID]
		if !ok || doc.Status != document.StatusIndexed {
			dropped++
			continue
		}
		c, ok := byID[h.ChunkID]
		if !ok {
			dropped++
			continue
		}
		if minScore > 0 && h.Score < minScore {
			continue
		}
		out = append(out, Passage{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Filename:   doc.Filename,
			Page:       c.StartPage,
			Pages:      c.Pages,
			Text:       c.Text,
			Score:      h.Score,
		})
	}
	if dropped > 0 {
		slog.DebugContext(ctx, "dropped hits from documents not indexed", "count", dropped)
	}
	return out, nil
}
