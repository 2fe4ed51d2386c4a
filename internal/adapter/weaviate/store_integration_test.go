package weaviate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapter "docqa/internal/adapter/weaviate"
	"docqa/internal/index"
	"docqa/internal/testutils"
	"docqa/internal/vector"
)

func TestStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()
	require.NoError(t, vector.EnsureSchema(ctx, vector.NewSchemaAdapter(s.Weaviate)))

	store := adapter.NewStore(s.Weaviate)
	entries := []index.Entry{
		{ChunkID: chunkA, DocumentID: "doc-1", Page: 1, Vector: []float32{0.1, 0.2, 0.3}},
		{ChunkID: chunkB, DocumentID: "doc-2", Page: 2, Vector: []float32{0.3, 0.2, 0.1}},
	}
	require.NoError(t, store.Upsert(ctx, entries))
	// Upserting again replaces rather than duplicates.
	require.NoError(t, store.Upsert(ctx, entries))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Hydrating an index from the mirror restores both entries.
	ix, err := index.New(index.Options{Dimension: 3, Mirror: store})
	require.NoError(t, err)
	n, err := ix.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := ix.Search(ctx, []float32{0.1, 0.2, 0.3}, 1, index.Filter{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, chunkA, res[0].ChunkID)

	require.NoError(t, store.DeleteByDocument(ctx, "doc-1"))
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.Delete(ctx, []string{chunkB, chunkA}))
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
