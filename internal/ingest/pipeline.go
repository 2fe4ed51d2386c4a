// Package ingest runs a document through extraction, chunking, embedding
// and indexing, and owns its status transitions while doing so.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docqa/features/document"
	"docqa/features/job"
	"docqa/internal/embed"
	"docqa/internal/extract"
	"docqa/internal/index"
	"docqa/internal/middleware"
	"docqa/internal/text"
)

const cleanupTimeout = 30 * time.Second

// Reasons recorded on a failed document.
const (
	ReasonUnreadablePDF        = "UnreadablePDF"
	ReasonEmbeddingUnavailable = "EmbeddingUnavailable"
	ReasonIndexError           = "IndexError"
	ReasonCancelled            = "cancelled"
	ReasonTimeout              = "timeout"
	ReasonStoreError           = "StoreError"
	ReasonDimensionMismatch    = "DimensionMismatch"
	ReasonInterrupted          = "interrupted"
)

type Documents interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	UpdateStatus(ctx context.Context, id string, to document.Status, reason string) error
	SetPageCount(ctx context.Context, id string, n int) error
	SaveChunks(ctx context.Context, chunks []document.Chunk) error
	DeleteChunks(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
	Content(ctx context.Context, doc *document.Document) ([]byte, error)
}

// Embedder reports a latched configuration error through Err; while it is
// set no document is claimed.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Err() error
}

type Index interface {
	Insert(ctx context.Context, entries []index.Entry) error
	DeleteByDocument(ctx context.Context, documentID string) (int, error)
}

// FailureRecorder keeps failed attempts for later inspection.
type FailureRecorder interface {
	Record(ctx context.Context, documentID, stage string, cause error) error
}

type Options struct {
	Chunk   text.Options
	Timeout time.Duration
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	// stopped runs are not recorded as failed attempts.
	stopped bool
}

type Pipeline struct {
	docs      Documents
	extractor extract.Extractor
	embedder  Embedder
	index     Index
	failures  FailureRecorder
	opts      Options

	mu       sync.Mutex
	inflight map[string]*run
}

func NewPipeline(docs Documents, ex extract.Extractor, em Embedder, ix Index, failures FailureRecorder, opts Options) *Pipeline {
	return &Pipeline{
		docs:      docs,
		extractor: ex,
		embedder:  em,
		index:     ix,
		failures:  failures,
		opts:      opts,
		inflight:  make(map[string]*run),
	}
}

// stageError tags a failure with the step it happened in.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func fail(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

// Run ingests one pending document. Handled failures leave the document
// failed and return nil; an error is returned only when the document could
// not be claimed and the task should be delivered again.
func (p *Pipeline) Run(ctx context.Context, id string) error {
	ctx = middleware.WithDocumentID(ctx, id)

	doc, err := p.docs.Get(ctx, id)
	if errors.Is(err, document.ErrNotFound) {
		slog.InfoContext(ctx, "document gone, skipping ingestion")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status != document.StatusPending {
		slog.InfoContext(ctx, "document not pending, skipping ingestion", "status", string(doc.Status))
		return nil
	}

	if err := p.embedder.Err(); err != nil {
		slog.ErrorContext(ctx, "ingestion halted by configuration error, document left pending", "error", err)
		return nil
	}

	runCtx, r, ok := p.begin(ctx, id)
	if !ok {
		slog.InfoContext(ctx, "ingestion already running")
		return nil
	}
	defer p.finish(id, r)

	if err := p.docs.UpdateStatus(ctx, id, document.StatusExtracting, ""); err != nil {
		if errors.Is(err, document.ErrInvalidTransition) || errors.Is(err, document.ErrNotFound) {
			slog.InfoContext(ctx, "document claimed elsewhere, skipping ingestion", "error", err)
			return nil
		}
		return fmt.Errorf("claim document: %w", err)
	}

	start := time.Now()
	n, err := p.ingest(runCtx, doc)
	if err != nil && isConfigError(err) {
		p.release(ctx, id, err)
		return nil
	}
	if err != nil {
		p.mu.Lock()
		record := !r.stopped
		p.mu.Unlock()
		p.cleanup(ctx, runCtx, id, err, record)
		return nil
	}
	slog.InfoContext(ctx, "document indexed", "chunks", n, "duration", time.Since(start))
	return nil
}

func (p *Pipeline) begin(ctx context.Context, id string) (context.Context, *run, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return nil, nil, false
	}

	runCtx, cancel := context.WithCancel(ctx)
	if p.opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, p.opts.Timeout)
		prev := cancel
		cancel = func() { cancelTimeout(); prev() }
	}
	r := &run{cancel: cancel, done: make(chan struct{})}
	p.inflight[id] = r
	return runCtx, r, true
}

func (p *Pipeline) finish(id string, r *run) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
	r.cancel()
	close(r.done)
}

// Cancel stops a running ingestion of the document and waits until it has
// cleaned up. It reports whether a run was in flight.
func (p *Pipeline) Cancel(id string) bool {
	p.mu.Lock()
	r, ok := p.inflight[id]
	if ok {
		r.stopped = true
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

// ingest runs the stages after the document has been claimed and returns
// the number of indexed chunks.
func (p *Pipeline) ingest(ctx context.Context, doc *document.Document) (int, error) {
	data, err := p.docs.Content(ctx, doc)
	if err != nil {
		return 0, fail(job.StageStore, fmt.Errorf("read upload: %w", err))
	}

	pages, err := p.extractor.Extract(ctx, data)
	if err != nil {
		return 0, fail(job.StageExtract, err)
	}
	if err := p.docs.SetPageCount(ctx, doc.ID, len(pages)); err != nil {
		return 0, fail(job.StageStore, err)
	}

	drafts := text.Chunk(pages, p.opts.Chunk)
	if len(drafts) == 0 {
		return 0, fail(job.StageChunk, fmt.Errorf("%w: no indexable text", extract.ErrUnreadablePDF))
	}
	chunks := make([]document.Chunk, len(drafts))
	texts := make([]string, len(drafts))
	for i, d := range drafts {
		chunks[i] = document.Chunk{
			ID:          document.ChunkID(doc.ID, d.Ordinal),
			DocumentID:  doc.ID,
			Ordinal:     d.Ordinal,
			Pages:       d.Pages,
			StartPage:   d.StartPage,
			EndPage:     d.EndPage,
			StartOffset: d.StartOffset,
			EndOffset:   d.EndOffset,
			Text:        d.Text,
		}
		texts[i] = d.Text
	}
	if err := p.docs.SaveChunks(ctx, chunks); err != nil {
		return 0, fail(job.StageStore, err)
	}

	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fail(job.StageEmbed, err)
	}

	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{ChunkID: c.ID, DocumentID: doc.ID, Page: c.StartPage, Vector: vecs[i]}
	}
	if err := p.index.Insert(ctx, entries); err != nil {
		return 0, fail(job.StageIndex, err)
	}

	if err := ctx.Err(); err != nil {
		return 0, fail(job.StageCancel, err)
	}
	if err := p.docs.UpdateStatus(ctx, doc.ID, document.StatusIndexed, ""); err != nil {
		return 0, fail(job.StageStore, err)
	}
	return len(chunks), nil
}

func isConfigError(err error) bool {
	return errors.Is(err, embed.ErrDimensionMismatch) || errors.Is(err, index.ErrDimensionMismatch)
}

// discard removes whatever a run wrote to the index and the chunk table.
func (p *Pipeline) discard(ctx, cctx context.Context, id string) {
	if n, derr := p.index.DeleteByDocument(cctx, id); derr != nil {
		slog.ErrorContext(ctx, "failed to remove index entries of failed document", "error", derr)
	} else if n > 0 {
		slog.InfoContext(ctx, "removed index entries of failed document", "entries_removed", n)
	}
	if derr := p.docs.DeleteChunks(cctx, id); derr != nil {
		slog.ErrorContext(ctx, "failed to remove chunks of failed document", "error", derr)
	}
}

// release undoes a run stopped by a configuration error. The document goes
// back to pending and no failed attempt is recorded, so it is picked up
// again once the process restarts with a working configuration.
func (p *Pipeline) release(ctx context.Context, id string, err error) {
	slog.ErrorContext(ctx, "ingestion halted by configuration error", "error", err)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	p.discard(ctx, cctx, id)
	if rerr := p.docs.Release(cctx, id); rerr != nil && !errors.Is(rerr, document.ErrNotFound) {
		slog.ErrorContext(ctx, "failed to release document", "error", rerr)
	}
}

// cleanup removes everything a failed run may have written and marks the
// document failed.
func (p *Pipeline) cleanup(ctx, runCtx context.Context, id string, err error, record bool) {
	stage := job.StageStore
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}
	reason := Reason(runCtx, err)
	slog.WarnContext(ctx, "ingestion failed", "stage", stage, "reason", reason, "error", err)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	p.discard(ctx, cctx, id)

	uerr := p.docs.UpdateStatus(cctx, id, document.StatusFailed, reason)
	if errors.Is(uerr, document.ErrNotFound) {
		return
	}
	if uerr != nil {
		slog.ErrorContext(ctx, "failed to mark document failed", "error", uerr)
	}
	if record && p.failures != nil {
		if rerr := p.failures.Record(cctx, id, stage, err); rerr != nil {
			slog.ErrorContext(ctx, "failed to record failed ingestion", "error", rerr)
		}
	}
}

// Reason maps an ingestion error to the reason stored on the document.
func Reason(runCtx context.Context, err error) string {
	var kind string
	switch {
	case errors.Is(err, extract.ErrUnreadablePDF):
		kind = ReasonUnreadablePDF
	case errors.Is(err, context.DeadlineExceeded), errors.Is(runCtx.Err(), context.DeadlineExceeded):
		kind = ReasonTimeout
	case errors.Is(err, context.Canceled), runCtx.Err() != nil:
		kind = ReasonCancelled
	case errors.Is(err, embed.ErrDimensionMismatch), errors.Is(err, index.ErrDimensionMismatch):
		kind = ReasonDimensionMismatch
	case errors.Is(err, embed.ErrEmbeddingUnavailable):
		kind = ReasonEmbeddingUnavailable
	case errors.Is(err, index.ErrInvalidEntry):
		kind = ReasonIndexError
	default:
		var se *stageError
		if errors.As(err, &se) && se.stage == job.StageIndex {
			kind = ReasonIndexError
		} else {
			kind = ReasonStoreError
		}
	}
	return kind + ": " + err.Error()
}
