package ingest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/features/document"
	"docqa/features/job"
	"docqa/internal/answer"
	"docqa/internal/blob"
	"docqa/internal/embed"
	"docqa/internal/extract"
	"docqa/internal/index"
	"docqa/internal/ingest"
	"docqa/internal/retrieval"
	"docqa/internal/retry"
	"docqa/internal/settings"
	"docqa/internal/testutils"
	"docqa/internal/text"
)

const dim = 64

var fastRetry = retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type nopPublisher struct{}

func (nopPublisher) Publish(topic string, body []byte) error { return nil }

// switchProvider embeds with the hash embedder unless down is set.
type switchProvider struct {
	down atomic.Bool
	hash *embed.HashEmbedder
}

func (p *switchProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.down.Load() {
		return nil, errors.New("embedding backend unreachable")
	}
	return p.hash.EmbedBatch(ctx, texts)
}

// blockingProvider never answers until its context ends.
type blockingProvider struct {
	started chan struct{}
	once    sync.Once
}

func (p *blockingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type failingMirror struct{}

func (failingMirror) Upsert(ctx context.Context, entries []index.Entry) error {
	return errors.New("weaviate unavailable")
}
func (failingMirror) DeleteByDocument(ctx context.Context, documentID string) error { return nil }
func (failingMirror) Delete(ctx context.Context, chunkIDs []string) error           { return nil }
func (failingMirror) Scan(ctx context.Context, fn func(index.Entry) error) error   { return nil }

type env struct {
	docs     *document.Service
	repo     *document.MemoryRepo
	index    *index.Index
	jobs     *job.Service
	pipeline *ingest.Pipeline
	provider *switchProvider
}

type envOptions struct {
	provider embed.Provider
	mirror   index.Mirror
	timeout  time.Duration
}

func newEnv(t *testing.T, o envOptions) *env {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ix, err := index.New(index.Options{Dimension: dim, Mirror: o.mirror})
	require.NoError(t, err)

	e := &env{repo: document.NewMemoryRepo(), index: ix}
	e.docs = document.NewService(e.repo, blobs, nopPublisher{}, ix)
	e.jobs = job.NewService(job.NewMemoryRepo(), e.docs)

	provider := o.provider
	if provider == nil {
		e.provider = &switchProvider{hash: embed.NewHashEmbedder(dim)}
		provider = e.provider
	}
	embedder := embed.NewService(provider, embed.Options{Dimension: dim, BatchSize: 4, Concurrency: 2, Retry: fastRetry})

	e.pipeline = ingest.NewPipeline(e.docs, extract.NewPDFExtractor(), embedder, ix, e.jobs, ingest.Options{
		Chunk:   text.Options{MaxChars: 200, OverlapChars: 40, MinChars: 10, LookbackChars: 80},
		Timeout: o.timeout,
	})
	e.docs.SetCanceller(e.pipeline)
	return e
}

func (e *env) upload(t *testing.T, name string, data []byte) string {
	t.Helper()
	doc, err := e.docs.Upload(context.Background(), name, data)
	require.NoError(t, err)
	require.Equal(t, document.StatusPending, doc.Status)
	return doc.ID
}

func (e *env) ask(t *testing.T, question string, filter index.Filter) *answer.Answer {
	t.Helper()
	set := settings.NewService(settings.NewMemoryRepo(settings.Settings{SearchTopK: 5}))
	retriever := retrieval.NewService(embed.NewService(embed.NewHashEmbedder(dim), embed.Options{Dimension: dim}), e.index, e.docs, set)
	passages, err := retriever.Retrieve(context.Background(), question, 0, filter)
	require.NoError(t, err)
	ans, err := answer.NewAnswerer(answer.ExcerptGenerator{}, answer.Options{Retry: fastRetry}).Answer(context.Background(), question, passages)
	require.NoError(t, err)
	return ans
}

func (e *env) assertNoTrace(t *testing.T, id string) {
	t.Helper()
	assert.Equal(t, 0, e.index.CountByDocument(id), "no index entries")
	chunks, err := e.repo.ListChunks(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, chunks, "no chunks")
}

func francia() []byte {
	return testutils.BuildPDF(
		[]string{"Francia is a country in the north.", "It has long rivers and old towns.", "The capital of Francia"},
		[]string{"is Parix. The city sits on a wide river."},
		[]string{"Farmers grow wheat and grapes there."},
	)
}

func TestPipeline_FranciaEndToEnd(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	id := e.upload(t, "francia.pdf", francia())

	require.NoError(t, e.pipeline.Run(ctx, id))

	doc, err := e.docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, document.StatusIndexed, doc.Status)
	assert.Equal(t, 3, doc.PageCount)

	chunks, err := e.docs.ListChunks(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, len(chunks), e.index.CountByDocument(id), "one entry per chunk of an indexed document")
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	for _, ok := range e.index.Has(ids) {
		assert.True(t, ok)
	}

	ans := e.ask(t, "What is the capital of Francia?", index.Filter{})
	assert.Equal(t, answer.StatusAnswered, ans.Status)
	assert.Contains(t, ans.Text, "Parix")
	require.NotEmpty(t, ans.Citations)
	assert.Equal(t, id, ans.Citations[0].DocumentID)
	assert.Contains(t, ans.Citations[0].Pages, 2, "citation covers the page where the sentence ends")
}

func TestPipeline_EmptyCorpus(t *testing.T) {
	e := newEnv(t, envOptions{})

	ans := e.ask(t, "What is the capital of Francia?", index.Filter{})
	assert.Equal(t, answer.StatusInsufficientContext, ans.Status)
	assert.Equal(t, answer.RefusalText, ans.Text)
	assert.Empty(t, ans.Citations)
}

func TestPipeline_ImageOnlyPDF(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	id := e.upload(t, "scan.pdf", testutils.BuildPDF(nil, nil))

	require.NoError(t, e.pipeline.Run(ctx, id))

	doc, err := e.docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, document.StatusFailed, doc.Status)
	assert.True(t, strings.HasPrefix(doc.Reason, ingest.ReasonUnreadablePDF), doc.Reason)
	e.assertNoTrace(t, id)

	jobs, err := e.jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.StageExtract, jobs[0].Stage)

	ans := e.ask(t, "What does the scan say?", index.Filter{DocumentIDs: []string{id}})
	assert.Equal(t, answer.StatusInsufficientContext, ans.Status)
}

func TestPipeline_EmbeddingUnavailable(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.provider.down.Store(true)
	ctx := context.Background()
	id := e.upload(t, "francia.pdf", francia())

	require.NoError(t, e.pipeline.Run(ctx, id))

	doc, err := e.docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, document.StatusFailed, doc.Status)
	assert.True(t, strings.HasPrefix(doc.Reason, ingest.ReasonEmbeddingUnavailable), doc.Reason)
	e.assertNoTrace(t, id)

	// A manual retry goes through once the backend is back.
	e.provider.down.Store(false)
	jobs, err := e.jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	_, err = e.jobs.Retry(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.NoError(t, e.pipeline.Run(ctx, id))

	doc, err = e.docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, document.StatusIndexed, doc.Status)
	assert.Empty(t, doc.Reason)
}

func TestPipeline_DimensionMismatchReleasesDocument(t *testing.T) {
	e := newEnv(t, envOptions{provider: embed.NewHashEmbedder(dim / 2)})
	ctx := context.Background()
	first := e.upload(t, "francia.pdf", francia())

	require.NoError(t, e.pipeline.Run(ctx, first))

	doc, err := e.docs.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, document.StatusPending, doc.Status)
	assert.Empty(t, doc.Reason)
	e.assertNoTrace(t, first)

	jobs, err := e.jobs.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Later documents are not claimed at all.
	second := e.upload(t, "other.pdf", testutils.BuildPDF([]string{"Another document about rivers."}))
	require.NoError(t, e.pipeline.Run(ctx, second))
	doc, err = e.docs.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, document.StatusPending, doc.Status)
}

func TestPipeline_IndexFailure(t *testing.T) {
	e := newEnv(t, envOptions{mirror: failingMirror{}})
	ctx := context.Background()
	id := e.upload(t, "francia.pdf", francia())

	require.NoError(t, e.pipeline.Run(ctx, id))

	doc, err := e.docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, document.StatusFailed, doc.Status)
	assert.True(t, strings.HasPrefix(doc.Reason, ingest.ReasonIndexError), doc.Reason)
	e.assertNoTrace(t, id)
}

func TestPipeline_SkipsDocumentsNotPending(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	id := e.upload(t, "francia.pdf", francia())
	require.NoError(t, e.pipeline.Run(ctx, id))

	// A redelivered task for an indexed document changes nothing.
	require.NoError(t, e.pipeline.Run(ctx, id))
	doc, err := e.docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, document.StatusIndexed, doc.Status)

	assert.NoError(t, e.pipeline.Run(ctx, "missing"))
}

func TestPipeline_Cancel(t *testing.T) {
	bp := &blockingProvider{started: make(chan struct{})}
	e := newEnv(t, envOptions{provider: bp})
	ctx := context.Background()
	id := e.upload(t, "francia.pdf", francia())

	errCh := make(chan error, 1)
	go func() { errCh <- e.pipeline.Run(ctx, id) }()

	<-bp.started
	assert.True(t, e.pipeline.Cancel(id))
	require.NoError(t, <-errCh)
	assert.False(t, e.pipeline.Cancel(id), "nothing left to cancel")

	doc, err := e.docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, document.StatusFailed, doc.Status)
	assert.True(t, strings.HasPrefix(doc.Reason, ingest.ReasonCancelled), doc.Reason)
	e.assertNoTrace(t, id)
}

func TestPipeline_Timeout(t *testing.T) {
	bp := &blockingProvider{started: make(chan struct{})}
	e := newEnv(t, envOptions{provider: bp, timeout: 50 * time.Millisecond})
	ctx := context.Background()
	id := e.upload(t, "francia.pdf", francia())

	require.NoError(t, e.pipeline.Run(ctx, id))

	doc, err := e.docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, document.StatusFailed, doc.Status)
	assert.True(t, strings.HasPrefix(doc.Reason, ingest.ReasonTimeout), doc.Reason)
}

func TestPipeline_DeleteDuringIngestion(t *testing.T) {
	bp := &blockingProvider{started: make(chan struct{})}
	e := newEnv(t, envOptions{provider: bp})
	ctx := context.Background()
	id := e.upload(t, "francia.pdf", francia())

	errCh := make(chan error, 1)
	go func() { errCh <- e.pipeline.Run(ctx, id) }()
	<-bp.started

	require.NoError(t, e.docs.Delete(ctx, id))
	require.NoError(t, <-errCh)

	_, err := e.docs.Get(ctx, id)
	assert.ErrorIs(t, err, document.ErrNotFound)
	e.assertNoTrace(t, id)
	n, err := e.jobs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no failed job for a deleted document")
}

func TestPipeline_ParallelDocuments(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	good := e.upload(t, "francia.pdf", francia())
	bad := e.upload(t, "scan.pdf", testutils.BuildPDF(nil))
	other := e.upload(t, "farm.pdf", testutils.BuildPDF([]string{"Wheat fields cover the southern plains of the land."}))

	var wg sync.WaitGroup
	for _, id := range []string{good, bad, other} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, e.pipeline.Run(ctx, id))
		}(id)
	}
	wg.Wait()

	counts, err := e.docs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[document.StatusIndexed])
	assert.Equal(t, 1, counts[document.StatusFailed])
	assert.Equal(t, 0, e.index.CountByDocument(bad))
}

func TestReason(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, strings.HasPrefix(ingest.Reason(live, extract.ErrUnreadablePDF), ingest.ReasonUnreadablePDF))
	assert.True(t, strings.HasPrefix(ingest.Reason(live, embed.ErrEmbeddingUnavailable), ingest.ReasonEmbeddingUnavailable))
	assert.True(t, strings.HasPrefix(ingest.Reason(live, embed.ErrDimensionMismatch), ingest.ReasonDimensionMismatch))
	assert.True(t, strings.HasPrefix(ingest.Reason(cancelled, errors.New("x")), ingest.ReasonCancelled))
	assert.True(t, strings.HasPrefix(ingest.Reason(live, context.DeadlineExceeded), ingest.ReasonTimeout))
	assert.True(t, strings.HasPrefix(ingest.Reason(live, errors.New("db down")), ingest.ReasonStoreError))
}
