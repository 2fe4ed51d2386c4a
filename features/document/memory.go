package document

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-process Repository used when no database is
// configured and in tests.
type MemoryRepo struct {
	mu     sync.RWMutex
	docs   map[string]*Document
	chunks map[string]Chunk
	byDoc  map[string][]string
	now    func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		docs:   make(map[string]*Document),
		chunks: make(map[string]Chunk),
		byDoc:  make(map[string][]string),
		now:    time.Now,
	}
}

func (r *MemoryRepo) Create(ctx context.Context, doc *Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	now := r.now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	cp := *doc
	r.docs[doc.ID] = &cp
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryRepo) GetMany(ctx context.Context, ids []string) (map[string]*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Document, len(ids))
	for _, id := range ids {
		if d, ok := r.docs[id]; ok {
			cp := *d
			out[id] = &cp
		}
	}
	return out, nil
}

func (r *MemoryRepo) FindByHash(ctx context.Context, hash string) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Document
	for _, d := range r.docs {
		if d.ContentHash == hash && (found == nil || d.CreatedAt.Before(found.CreatedAt)) {
			found = d
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *MemoryRepo) List(ctx context.Context) ([]Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, id string, from, to Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != from {
		return fmt.Errorf("%w: document %s is no longer %s", ErrInvalidTransition, id, from)
	}
	d.Status = to
	d.Reason = reason
	d.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepo) SetPageCount(ctx context.Context, id string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[id]; ok {
		d.PageCount = n
		d.UpdatedAt = r.now()
	}
	return nil
}

func (r *MemoryRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return ErrNotFound
	}
	delete(r.docs, id)
	r.deleteChunksLocked(id)
	return nil
}

func (r *MemoryRepo) CountByStatus(ctx context.Context) (map[Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]int)
	for _, d := range r.docs {
		out[d.Status]++
	}
	return out, nil
}

func (r *MemoryRepo) SaveChunks(ctx context.Context, chunks []Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		if _, ok := r.docs[c.DocumentID]; !ok {
			return fmt.Errorf("chunk %d: %w", c.Ordinal, ErrNotFound)
		}
		if _, ok := r.chunks[c.ID]; ok {
			return fmt.Errorf("chunk %s already exists", c.ID)
		}
	}
	for _, c := range chunks {
		c.Pages = append([]int(nil), c.Pages...)
		r.chunks[c.ID] = c
		r.byDoc[c.DocumentID] = append(r.byDoc[c.DocumentID], c.ID)
	}
	return nil
}

func (r *MemoryRepo) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Chunk, 0, len(r.byDoc[documentID]))
	for _, id := range r.byDoc[documentID] {
		out = append(out, r.chunks[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (r *MemoryRepo) GetChunks(ctx context.Context, ids []string) ([]Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Chunk
	for _, id := range ids {
		if c, ok := r.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepo) DeleteChunks(ctx context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteChunksLocked(documentID)
	return nil
}

func (r *MemoryRepo) deleteChunksLocked(documentID string) {
	for _, id := range r.byDoc[documentID] {
		delete(r.chunks, id)
	}
	delete(r.byDoc, documentID)
}

func (r *MemoryRepo) ListChunkRefs(ctx context.Context) ([]ChunkRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ChunkRef
	for docID, ids := range r.byDoc {
		status := r.docs[docID].Status
		for _, id := range ids {
			out = append(out, ChunkRef{ChunkID: id, DocumentID: docID, Status: status})
		}
	}
	return out, nil
}
