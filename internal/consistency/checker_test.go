package consistency_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/features/document"
	"docqa/internal/consistency"
	"docqa/internal/index"
)

type fakeStore struct {
	refs      []document.ChunkRef
	listErr   error
	reindexed []string
	reindexFn func(id string) error
	// afterFirstList replaces refs once the first scan has read them.
	afterFirstList []document.ChunkRef
	lists          int
}

func (f *fakeStore) ListChunkRefs(ctx context.Context) ([]document.ChunkRef, error) {
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	refs := f.refs
	if f.lists == 1 && f.afterFirstList != nil {
		f.refs = f.afterFirstList
	}
	return refs, nil
}

func (f *fakeStore) Reindex(ctx context.Context, id string) error {
	f.reindexed = append(f.reindexed, id)
	if f.reindexFn != nil {
		return f.reindexFn(id)
	}
	return nil
}

func newIndex(t *testing.T, entries ...index.Entry) *index.Index {
	t.Helper()
	ix, err := index.New(index.Options{Dimension: 2})
	require.NoError(t, err)
	if len(entries) > 0 {
		require.NoError(t, ix.Insert(context.Background(), entries))
	}
	return ix
}

func entry(chunk, doc string) index.Entry {
	return index.Entry{ChunkID: chunk, DocumentID: doc, Page: 1, Vector: []float32{1, 0}}
}

func TestCheck_Consistent(t *testing.T) {
	store := &fakeStore{refs: []document.ChunkRef{
		{ChunkID: "c1", DocumentID: "d1", Status: document.StatusIndexed},
		{ChunkID: "c2", DocumentID: "d2", Status: document.StatusExtracting},
	}}
	ix := newIndex(t, entry("c1", "d1"))

	rep, err := consistency.NewChecker(store, ix).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Consistent())
	assert.Equal(t, 1, rep.Entries)
	assert.Equal(t, 2, rep.Chunks)
	assert.Equal(t, 1, store.lists, "no second pass when the first is clean")
}

func TestCheck_DetectsDrift(t *testing.T) {
	store := &fakeStore{refs: []document.ChunkRef{
		{ChunkID: "c1", DocumentID: "d1", Status: document.StatusIndexed},
		{ChunkID: "c2", DocumentID: "d1", Status: document.StatusIndexed},
		{ChunkID: "c3", DocumentID: "d3", Status: document.StatusFailed},
	}}
	ix := newIndex(t, entry("c1", "d1"), entry("gone", "d9"), entry("c3", "d3"))

	rep, err := consistency.NewChecker(store, ix).Check(context.Background())
	assert.ErrorIs(t, err, consistency.ErrIndexInconsistency)
	require.NotNil(t, rep)
	assert.ElementsMatch(t, []string{"gone", "c3"}, []string{rep.Orphans[0].ChunkID, rep.Orphans[1].ChunkID})
	require.Len(t, rep.Missing, 1)
	assert.Equal(t, "c2", rep.Missing[0].ChunkID)
	assert.Equal(t, []string{"d1"}, rep.Documents())
}

func TestCheck_IgnoresTransientDrift(t *testing.T) {
	// The first pass sees an ingestion that finishes before the second.
	store := &fakeStore{
		refs: []document.ChunkRef{{ChunkID: "c1", DocumentID: "d1", Status: document.StatusPending}},
		afterFirstList: []document.ChunkRef{
			{ChunkID: "c1", DocumentID: "d1", Status: document.StatusIndexed},
		},
	}
	ix := newIndex(t, entry("c1", "d1"))

	rep, err := consistency.NewChecker(store, ix).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Consistent())
	assert.Equal(t, 2, store.lists)
}

func TestCheck_StoreError(t *testing.T) {
	store := &fakeStore{listErr: errors.New("db down")}
	_, err := consistency.NewChecker(store, newIndex(t)).Check(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, consistency.ErrIndexInconsistency)
}

func TestRepair(t *testing.T) {
	store := &fakeStore{
		refs: []document.ChunkRef{
			{ChunkID: "c1", DocumentID: "d1", Status: document.StatusIndexed},
			{ChunkID: "c2", DocumentID: "d2", Status: document.StatusIndexed},
		},
		reindexFn: func(id string) error {
			if id == "d2" {
				return document.ErrInvalidTransition
			}
			return nil
		},
	}
	ix := newIndex(t, entry("orphan", "d9"))
	checker := consistency.NewChecker(store, ix)

	rep, err := checker.Check(context.Background())
	require.ErrorIs(t, err, consistency.ErrIndexInconsistency)

	res, err := checker.Repair(context.Background(), rep)
	require.NoError(t, err)
	assert.Equal(t, 1, res.OrphansRemoved)
	assert.Equal(t, []string{"d1"}, res.Reindexed)
	assert.Equal(t, []string{"d2"}, res.Skipped)
	assert.Equal(t, 0, ix.Len())
}

func TestHandler_Check(t *testing.T) {
	store := &fakeStore{refs: []document.ChunkRef{{ChunkID: "c1", DocumentID: "d1", Status: document.StatusIndexed}}}
	ix := newIndex(t, entry("orphan", "d9"))
	h := consistency.NewHandler(consistency.NewChecker(store, ix))

	w := httptest.NewRecorder()
	h.Check(w, httptest.NewRequest("GET", "/consistency", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Consistent bool                      `json:"consistent"`
			Report     consistency.Report        `json:"report"`
			Repair     *consistency.RepairResult `json:"repair"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Data.Consistent)
	assert.Len(t, resp.Data.Report.Orphans, 1)
	assert.Nil(t, resp.Data.Repair)
	assert.Equal(t, 1, ix.Len(), "check alone does not repair")

	w = httptest.NewRecorder()
	h.Check(w, httptest.NewRequest("GET", "/consistency?repair=true", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, ix.Len())
	assert.Equal(t, []string{"d1"}, store.reindexed)
}

func TestHandler_Check_Error(t *testing.T) {
	h := consistency.NewHandler(consistency.NewChecker(&fakeStore{listErr: errors.New("db down")}, newIndex(t)))

	w := httptest.NewRecorder()
	h.Check(w, httptest.NewRequest("GET", "/consistency", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

// memMirror is an in-memory index.Mirror that also reports its size.
type memMirror struct {
	mu      sync.Mutex
	entries map[string]index.Entry
}

func newMemMirror() *memMirror {
	return &memMirror{entries: make(map[string]index.Entry)}
}

func (m *memMirror) Upsert(ctx context.Context, entries []index.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.ChunkID] = e
	}
	return nil
}

func (m *memMirror) DeleteByDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.DocumentID == documentID {
			delete(m.entries, id)
		}
	}
	return nil
}

func (m *memMirror) Delete(ctx context.Context, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range chunkIDs {
		delete(m.entries, id)
	}
	return nil
}

func (m *memMirror) Scan(ctx context.Context, fn func(index.Entry) error) error {
	m.mu.Lock()
	all := make([]index.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	m.mu.Unlock()
	for _, e := range all {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *memMirror) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func TestCheck_MirrorCountDrift(t *testing.T) {
	store := &fakeStore{refs: []document.ChunkRef{{ChunkID: "c1", DocumentID: "d1", Status: document.StatusIndexed}}}
	mirror := newMemMirror()
	ix, err := index.New(index.Options{Dimension: 2, Mirror: mirror})
	require.NoError(t, err)
	require.NoError(t, ix.Insert(context.Background(), []index.Entry{entry("c1", "d1")}))

	checker := consistency.NewChecker(store, ix)
	checker.SetMirror(mirror)

	rep, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep.MirrorEntries)
	assert.Equal(t, 1, *rep.MirrorEntries)
	assert.False(t, rep.MirrorDrift)

	// A write that reached the mirror but never memory.
	require.NoError(t, mirror.Upsert(context.Background(), []index.Entry{entry("stray", "d7")}))

	rep, err = checker.Check(context.Background())
	require.ErrorIs(t, err, consistency.ErrIndexInconsistency)
	assert.Contains(t, err.Error(), "mirror holds 2 entries but memory holds 1")
	assert.True(t, rep.MirrorDrift)
	assert.Equal(t, 2, *rep.MirrorEntries)
	assert.Equal(t, 1, rep.Entries)
	assert.Empty(t, rep.Orphans)
	assert.Empty(t, rep.Missing)

	res, err := checker.Repair(context.Background(), rep)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MirrorRemoved)
	assert.Equal(t, 1, res.MirrorWritten)

	rep, err = checker.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Consistent())
	assert.Equal(t, 1, *rep.MirrorEntries)
}

func TestCheck_MirrorMissingEntries(t *testing.T) {
	store := &fakeStore{refs: []document.ChunkRef{
		{ChunkID: "c1", DocumentID: "d1", Status: document.StatusIndexed},
		{ChunkID: "c2", DocumentID: "d1", Status: document.StatusIndexed},
	}}
	mirror := newMemMirror()
	ix, err := index.New(index.Options{Dimension: 2, Mirror: mirror})
	require.NoError(t, err)
	require.NoError(t, ix.Insert(context.Background(), []index.Entry{entry("c1", "d1"), entry("c2", "d1")}))
	require.NoError(t, mirror.Delete(context.Background(), []string{"c2"}))

	checker := consistency.NewChecker(store, ix)
	checker.SetMirror(mirror)

	rep, err := checker.Check(context.Background())
	require.ErrorIs(t, err, consistency.ErrIndexInconsistency)
	assert.True(t, rep.MirrorDrift)

	_, err = checker.Repair(context.Background(), rep)
	require.NoError(t, err)
	n, err := mirror.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCheck_WithoutMirrorOmitsCount(t *testing.T) {
	store := &fakeStore{}
	rep, err := consistency.NewChecker(store, newIndex(t)).Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rep.MirrorEntries)

	data, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "mirror_entries")
}
