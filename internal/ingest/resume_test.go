package ingest_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/features/document"
	"docqa/internal/index"
	"docqa/internal/ingest"
	"docqa/internal/worker"
)

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingPublisher) Publish(topic string, body []byte) error {
	var task worker.IngestTask
	if err := json.Unmarshal(body, &task); err != nil {
		return err
	}
	p.mu.Lock()
	p.ids = append(p.ids, task.DocumentID)
	p.mu.Unlock()
	return nil
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	repo := document.NewMemoryRepo()
	ix, err := index.New(index.Options{Dimension: 4})
	require.NoError(t, err)
	pub := &recordingPublisher{}
	docs := document.NewService(repo, nil, pub, ix)

	create := func(id string, path ...document.Status) {
		require.NoError(t, docs.Create(ctx, &document.Document{ID: id, Filename: id + ".pdf"}))
		from := document.StatusPending
		for _, to := range path {
			require.NoError(t, repo.UpdateStatus(ctx, id, from, to, ""))
			from = to
		}
	}
	create("pending")
	create("running", document.StatusExtracting)
	create("done", document.StatusExtracting, document.StatusIndexed)
	create("broken", document.StatusFailed)

	n, err := ingest.Resume(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"pending", "running"}, pub.ids)

	running, err := docs.Get(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, document.StatusPending, running.Status)

	done, err := docs.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, document.StatusIndexed, done.Status)

	broken, err := docs.Get(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, document.StatusFailed, broken.Status)
}
