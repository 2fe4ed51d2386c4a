// Package index is the in-process vector index over chunk embeddings.
//
// Writes go to a persistent Mirror first and are then published in memory
// under a write lock, so searches see either the state before or after a
// whole Insert or DeleteByDocument. Writes for the same document are
// serialized by a per-document lock.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrInvalidEntry      = errors.New("invalid index entry")
)

type Kind string

const (
	KindFlat Kind = "flat"
	KindHNSW Kind = "hnsw"
)

type Entry struct {
	ChunkID    string
	DocumentID string
	Page       int
	Vector     []float32
}

type Result struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Page       int     `json:"page"`
	Score      float32 `json:"score"`
}

// Ref identifies an entry without its vector.
type Ref struct {
	ChunkID    string
	DocumentID string
}

// Filter restricts a search to a set of documents. The zero value matches
// everything.
type Filter struct {
	DocumentIDs []string
}

// Mirror persists entries outside the process.
type Mirror interface {
	Upsert(ctx context.Context, entries []Entry) error
	DeleteByDocument(ctx context.Context, documentID string) error
	Delete(ctx context.Context, chunkIDs []string) error
	Scan(ctx context.Context, fn func(Entry) error) error
}

const syncBatchSize = 100

type Options struct {
	Dimension int
	MaxK      int
	Kind      Kind
	HNSW      HNSWParams
	Mirror    Mirror
}

type record struct {
	entry Entry
	seq   uint64
}

type Index struct {
	opts    Options
	mu      sync.RWMutex
	records map[string]*record
	byDoc   map[string]map[string]struct{}
	nextSeq uint64
	graph   *hnswGraph
	locks   *keyedMutex
}

func New(opts Options) (*Index, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", opts.Dimension)
	}
	if opts.MaxK <= 0 {
		opts.MaxK = 50
	}
	ix := &Index{
		opts:    opts,
		records: make(map[string]*record),
		byDoc:   make(map[string]map[string]struct{}),
		locks:   newKeyedMutex(),
	}
	switch opts.Kind {
	case KindFlat, "":
	case KindHNSW:
		ix.graph = newHNSW(opts.HNSW)
	default:
		return nil, fmt.Errorf("unknown index kind %q", opts.Kind)
	}
	return ix, nil
}

func (ix *Index) Dimension() int { return ix.opts.Dimension }

func (ix *Index) MaxK() int { return ix.opts.MaxK }

// Insert adds or replaces entries keyed by chunk id. A replaced entry keeps
// its original insertion position for tie-breaking.
func (ix *Index) Insert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]string, 0, 1)
	for _, e := range entries {
		if e.ChunkID == "" || e.DocumentID == "" {
			return fmt.Errorf("%w: chunk and document ids are required", ErrInvalidEntry)
		}
		if len(e.Vector) != ix.opts.Dimension {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(e.Vector), ix.opts.Dimension)
		}
		docs = append(docs, e.DocumentID)
	}

	unlock := ix.locks.lockAll(docs)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if ix.opts.Mirror != nil {
		if err := ix.opts.Mirror.Upsert(ctx, entries); err != nil {
			return fmt.Errorf("mirror upsert: %w", err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range entries {
		ix.apply(e)
	}
	ix.maybeRebuild()
	return nil
}

func (ix *Index) apply(e Entry) {
	e.Vector = normalized(e.Vector)
	if old, ok := ix.records[e.ChunkID]; ok {
		if old.entry.DocumentID != e.DocumentID {
			ix.unlinkDoc(old.entry.DocumentID, e.ChunkID)
		}
		old.entry = e
	} else {
		ix.records[e.ChunkID] = &record{entry: e, seq: ix.nextSeq}
		ix.nextSeq++
	}
	set, ok := ix.byDoc[e.DocumentID]
	if !ok {
		set = make(map[string]struct{})
		ix.byDoc[e.DocumentID] = set
	}
	set[e.ChunkID] = struct{}{}
	if ix.graph != nil {
		ix.graph.add(e.ChunkID, e.Vector)
	}
}

func (ix *Index) unlinkDoc(docID, chunkID string) {
	if set, ok := ix.byDoc[docID]; ok {
		delete(set, chunkID)
		if len(set) == 0 {
			delete(ix.byDoc, docID)
		}
	}
}

func (ix *Index) removeLocked(chunkID string) bool {
	rec, ok := ix.records[chunkID]
	if !ok {
		return false
	}
	delete(ix.records, chunkID)
	ix.unlinkDoc(rec.entry.DocumentID, chunkID)
	if ix.graph != nil {
		ix.graph.remove(chunkID)
	}
	return true
}

func (ix *Index) maybeRebuild() {
	if ix.graph != nil && ix.graph.needsRebuild() {
		ix.graph.rebuild()
	}
}

// DeleteByDocument removes every entry of a document and returns how many
// were removed.
func (ix *Index) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	unlock := ix.locks.lock(documentID)
	defer unlock()

	if ix.opts.Mirror != nil {
		if err := ix.opts.Mirror.DeleteByDocument(ctx, documentID); err != nil {
			return 0, fmt.Errorf("mirror delete: %w", err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for chunkID := range ix.byDoc[documentID] {
		if ix.removeLocked(chunkID) {
			n++
		}
	}
	ix.maybeRebuild()
	return n, nil
}

// DeleteChunks removes individual entries; unknown ids are ignored.
func (ix *Index) DeleteChunks(ctx context.Context, chunkIDs []string) (int, error) {
	if len(chunkIDs) == 0 {
		return 0, nil
	}
	ix.mu.RLock()
	var docs []string
	for _, id := range chunkIDs {
		if rec, ok := ix.records[id]; ok {
			docs = append(docs, rec.entry.DocumentID)
		}
	}
	ix.mu.RUnlock()

	unlock := ix.locks.lockAll(docs)
	defer unlock()

	if ix.opts.Mirror != nil {
		if err := ix.opts.Mirror.Delete(ctx, chunkIDs); err != nil {
			return 0, fmt.Errorf("mirror delete: %w", err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for _, id := range chunkIDs {
		if ix.removeLocked(id) {
			n++
		}
	}
	ix.maybeRebuild()
	return n, nil
}

// Search returns up to k entries by descending cosine similarity, ties
// broken by insertion order. k is clamped to MaxK.
func (ix *Index) Search(ctx context.Context, query []float32, k int, f Filter) ([]Result, error) {
	if len(query) != ix.opts.Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), ix.opts.Dimension)
	}
	if k <= 0 {
		return []Result{}, nil
	}
	k = min(k, ix.opts.MaxK)
	q := normalized(query)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var cands []*record
	switch {
	case len(f.DocumentIDs) > 0:
		for _, docID := range f.DocumentIDs {
			for chunkID := range ix.byDoc[docID] {
				cands = append(cands, ix.records[chunkID])
			}
		}
	case ix.graph != nil && len(ix.records) > ix.graph.params.EfSearch:
		for _, id := range ix.graph.search(q, k) {
			if rec, ok := ix.records[id]; ok {
				cands = append(cands, rec)
			}
		}
	default:
		cands = make([]*record, 0, len(ix.records))
		for _, rec := range ix.records {
			cands = append(cands, rec)
		}
	}

	type scored struct {
		rec   *record
		score float32
	}
	seen := make(map[string]struct{}, len(cands))
	all := make([]scored, 0, len(cands))
	for _, rec := range cands {
		if _, dup := seen[rec.entry.ChunkID]; dup {
			continue
		}
		seen[rec.entry.ChunkID] = struct{}{}
		all = append(all, scored{rec, dot(q, rec.entry.Vector)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].rec.seq < all[j].rec.seq
	})
	if len(all) > k {
		all = all[:k]
	}

	out := make([]Result, len(all))
	for i, s := range all {
		out[i] = Result{
			ChunkID:    s.rec.entry.ChunkID,
			DocumentID: s.rec.entry.DocumentID,
			Page:       s.rec.entry.Page,
			Score:      s.score,
		}
	}
	return out, nil
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.records)
}

func (ix *Index) CountByDocument(documentID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byDoc[documentID])
}

// Snapshot lists all entries in insertion order.
func (ix *Index) Snapshot() []Ref {
	ix.mu.RLock()
	recs := make([]*record, 0, len(ix.records))
	for _, r := range ix.records {
		recs = append(recs, r)
	}
	ix.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]Ref, len(recs))
	for i, r := range recs {
		out[i] = Ref{ChunkID: r.entry.ChunkID, DocumentID: r.entry.DocumentID}
	}
	return out
}

// Has reports which of the given chunk ids have an entry.
func (ix *Index) Has(chunkIDs []string) map[string]bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		_, out[id] = ix.records[id]
	}
	return out
}

// SyncMirror makes the mirror match memory: mirrored entries memory does
// not hold are deleted and every in-memory entry is upserted again.
func (ix *Index) SyncMirror(ctx context.Context) (removed, written int, err error) {
	if ix.opts.Mirror == nil {
		return 0, 0, nil
	}
	var candidates []Entry
	err = ix.opts.Mirror.Scan(ctx, func(e Entry) error {
		ix.mu.RLock()
		_, ok := ix.records[e.ChunkID]
		ix.mu.RUnlock()
		if !ok {
			candidates = append(candidates, Entry{ChunkID: e.ChunkID, DocumentID: e.DocumentID})
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("mirror scan: %w", err)
	}

	ix.mu.RLock()
	docs := make([]string, 0, len(ix.byDoc)+len(candidates))
	for d := range ix.byDoc {
		docs = append(docs, d)
	}
	ix.mu.RUnlock()
	for _, c := range candidates {
		docs = append(docs, c.DocumentID)
	}
	unlock := ix.locks.lockAll(docs)
	defer unlock()

	// An insert may have landed between the scan and the locks.
	ix.mu.RLock()
	var stale []string
	for _, c := range candidates {
		if _, ok := ix.records[c.ChunkID]; !ok {
			stale = append(stale, c.ChunkID)
		}
	}
	entries := make([]Entry, 0, len(ix.records))
	for _, r := range ix.records {
		entries = append(entries, r.entry)
	}
	ix.mu.RUnlock()

	if len(stale) > 0 {
		if err := ix.opts.Mirror.Delete(ctx, stale); err != nil {
			return 0, 0, fmt.Errorf("mirror delete: %w", err)
		}
	}
	for start := 0; start < len(entries); start += syncBatchSize {
		end := min(start+syncBatchSize, len(entries))
		if err := ix.opts.Mirror.Upsert(ctx, entries[start:end]); err != nil {
			return len(stale), start, fmt.Errorf("mirror upsert: %w", err)
		}
	}
	slog.WarnContext(ctx, "vector mirror resynced", "removed", len(stale), "written", len(entries))
	return len(stale), len(entries), nil
}

// Hydrate loads every mirrored entry into memory without writing back.
func (ix *Index) Hydrate(ctx context.Context) (int, error) {
	if ix.opts.Mirror == nil {
		return 0, nil
	}
	var loaded []Entry
	err := ix.opts.Mirror.Scan(ctx, func(e Entry) error {
		if len(e.Vector) != ix.opts.Dimension {
			return fmt.Errorf("%w: mirrored chunk %s has %d dimensions, want %d",
				ErrDimensionMismatch, e.ChunkID, len(e.Vector), ix.opts.Dimension)
		}
		loaded = append(loaded, e)
		return nil
	})
	if err != nil {
		return 0, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range loaded {
		ix.apply(e)
	}
	ix.maybeRebuild()
	slog.InfoContext(ctx, "vector index hydrated", "entries", len(loaded), "kind", string(ix.opts.Kind))
	return len(loaded), nil
}
