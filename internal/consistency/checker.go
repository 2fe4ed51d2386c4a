// Package consistency detects and repairs drift between the document store
// and the vector index.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"docqa/features/document"
	"docqa/internal/index"
)

var ErrIndexInconsistency = errors.New("index inconsistency")

type Store interface {
	ListChunkRefs(ctx context.Context) ([]document.ChunkRef, error)
	Reindex(ctx context.Context, id string) error
}

type Index interface {
	Snapshot() []index.Ref
	Has(chunkIDs []string) map[string]bool
	DeleteChunks(ctx context.Context, chunkIDs []string) (int, error)
	SyncMirror(ctx context.Context) (removed, written int, err error)
}

// MirrorCounter reports how many entries the persistent mirror holds.
type MirrorCounter interface {
	Count(ctx context.Context) (int, error)
}

type Report struct {
	CheckedAt time.Time `json:"checked_at"`
	Entries   int       `json:"entries"`
	Chunks    int       `json:"chunks"`
	// Orphans are entries whose chunk is gone or whose document is neither
	// indexed nor being ingested.
	Orphans []index.Ref `json:"orphans"`
	// Missing are chunks of indexed documents without an entry.
	Missing []document.ChunkRef `json:"missing"`
	// MirrorEntries is the mirror's entry count, nil without a mirror.
	MirrorEntries *int `json:"mirror_entries,omitempty"`
	MirrorDrift   bool `json:"mirror_drift"`
}

func (r *Report) Consistent() bool {
	return len(r.Orphans) == 0 && len(r.Missing) == 0 && !r.MirrorDrift
}

// Documents lists the documents with missing entries, sorted.
func (r *Report) Documents() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.Missing {
		if !seen[m.DocumentID] {
			seen[m.DocumentID] = true
			out = append(out, m.DocumentID)
		}
	}
	sort.Strings(out)
	return out
}

type RepairResult struct {
	OrphansRemoved int      `json:"orphans_removed"`
	Reindexed      []string `json:"reindexed"`
	Skipped        []string `json:"skipped"`
	MirrorRemoved  int      `json:"mirror_removed"`
	MirrorWritten  int      `json:"mirror_written"`
}

type Checker struct {
	store  Store
	index  Index
	mirror MirrorCounter
	now    func() time.Time
}

func NewChecker(store Store, ix Index) *Checker {
	return &Checker{store: store, index: ix, now: time.Now}
}

// SetMirror makes every scan compare the in-memory entry count with the
// mirror's.
func (c *Checker) SetMirror(m MirrorCounter) {
	c.mirror = m
}

// Check compares both sides twice and reports only drift seen both times,
// so entries written or removed by a running ingestion are not flagged.
// A non-consistent report is returned together with ErrIndexInconsistency.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	first, err := c.scan(ctx)
	if err != nil {
		return nil, err
	}
	if first.Consistent() {
		return first, nil
	}

	second, err := c.scan(ctx)
	if err != nil {
		return nil, err
	}
	rep := intersect(first, second)
	if rep.Consistent() {
		return rep, nil
	}

	slog.ErrorContext(ctx, "index inconsistency detected",
		"orphan_entries", len(rep.Orphans), "missing_entries", len(rep.Missing), "documents", rep.Documents(),
		"mirror_drift", rep.MirrorDrift)
	if rep.MirrorDrift {
		return rep, fmt.Errorf("%w: %d orphan entries, %d missing entries, mirror holds %d entries but memory holds %d",
			ErrIndexInconsistency, len(rep.Orphans), len(rep.Missing), *rep.MirrorEntries, rep.Entries)
	}
	return rep, fmt.Errorf("%w: %d orphan entries, %d missing entries", ErrIndexInconsistency, len(rep.Orphans), len(rep.Missing))
}

func (c *Checker) scan(ctx context.Context) (*Report, error) {
	refs, err := c.store.ListChunkRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	entries := c.index.Snapshot()
	var mirrored *int
	if c.mirror != nil {
		n, err := c.mirror.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("count mirror: %w", err)
		}
		mirrored = &n
	}

	byChunk := make(map[string]document.ChunkRef, len(refs))
	ids := make([]string, len(refs))
	for i, r := range refs {
		byChunk[r.ChunkID] = r
		ids[i] = r.ChunkID
	}

	rep := &Report{CheckedAt: c.now(), Entries: len(entries), Chunks: len(refs), Orphans: []index.Ref{}, Missing: []document.ChunkRef{}}
	if mirrored != nil {
		rep.MirrorEntries = mirrored
		rep.MirrorDrift = *mirrored != len(entries)
	}
	for _, e := range entries {
		ref, ok := byChunk[e.ChunkID]
		if !ok || (ref.Status != document.StatusIndexed && ref.Status != document.StatusExtracting) {
			rep.Orphans = append(rep.Orphans, e)
		}
	}

	has := c.index.Has(ids)
	for _, r := range refs {
		if r.Status == document.StatusIndexed && !has[r.ChunkID] {
			rep.Missing = append(rep.Missing, r)
		}
	}
	return rep, nil
}

func intersect(a, b *Report) *Report {
	orphans := make(map[string]bool, len(a.Orphans))
	for _, o := range a.Orphans {
		orphans[o.ChunkID] = true
	}
	missing := make(map[string]bool, len(a.Missing))
	for _, m := range a.Missing {
		missing[m.ChunkID] = true
	}

	out := &Report{CheckedAt: b.CheckedAt, Entries: b.Entries, Chunks: b.Chunks, Orphans: []index.Ref{}, Missing: []document.ChunkRef{},
		MirrorEntries: b.MirrorEntries, MirrorDrift: a.MirrorDrift && b.MirrorDrift}
	for _, o := range b.Orphans {
		if orphans[o.ChunkID] {
			out.Orphans = append(out.Orphans, o)
		}
	}
	for _, m := range b.Missing {
		if missing[m.ChunkID] {
			out.Missing = append(out.Missing, m)
		}
	}
	return out
}

// Repair removes the report's orphan entries and queues documents with
// missing entries for reindexing. A drifted mirror is rewritten from
// memory. Every action is logged.
func (c *Checker) Repair(ctx context.Context, rep *Report) (*RepairResult, error) {
	res := &RepairResult{Reindexed: []string{}, Skipped: []string{}}

	if len(rep.Orphans) > 0 {
		ids := make([]string, len(rep.Orphans))
		for i, o := range rep.Orphans {
			ids[i] = o.ChunkID
		}
		n, err := c.index.DeleteChunks(ctx, ids)
		if err != nil {
			return res, fmt.Errorf("remove orphan entries: %w", err)
		}
		res.OrphansRemoved = n
		slog.WarnContext(ctx, "removed orphan index entries", "count", n)
	}

	if rep.MirrorDrift {
		removed, written, err := c.index.SyncMirror(ctx)
		res.MirrorRemoved, res.MirrorWritten = removed, written
		if err != nil {
			return res, fmt.Errorf("resync mirror: %w", err)
		}
	}

	for _, docID := range rep.Documents() {
		err := c.store.Reindex(ctx, docID)
		switch {
		case err == nil:
			res.Reindexed = append(res.Reindexed, docID)
			slog.WarnContext(ctx, "queued document with missing entries for reindex", "document_id", docID)
		case errors.Is(err, document.ErrNotFound), errors.Is(err, document.ErrInvalidTransition):
			res.Skipped = append(res.Skipped, docID)
			slog.InfoContext(ctx, "skipped reindex during repair", "document_id", docID, "error", err)
		default:
			return res, fmt.Errorf("reindex %s: %w", docID, err)
		}
	}
	return res, nil
}

// Run checks every interval until ctx ends, repairing when autoRepair is set.
func (c *Checker) Run(ctx context.Context, interval time.Duration, autoRepair bool) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := c.Check(ctx)
			if err == nil || !errors.Is(err, ErrIndexInconsistency) {
				if err != nil {
					slog.ErrorContext(ctx, "consistency check failed", "error", err)
				}
				continue
			}
			if !autoRepair {
				continue
			}
			if _, err := c.Repair(ctx, rep); err != nil {
				slog.ErrorContext(ctx, "consistency repair failed", "error", err)
			}
		}
	}
}
