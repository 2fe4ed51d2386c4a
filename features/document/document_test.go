package document_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"docqa/features/document"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to document.Status
		want     bool
	}{
		{document.StatusPending, document.StatusExtracting, true},
		{document.StatusPending, document.StatusFailed, true},
		{document.StatusPending, document.StatusIndexed, false},
		{document.StatusExtracting, document.StatusIndexed, true},
		{document.StatusExtracting, document.StatusFailed, true},
		{document.StatusExtracting, document.StatusPending, false},
		{document.StatusIndexed, document.StatusFailed, false},
		{document.StatusIndexed, document.StatusPending, false},
		{document.StatusFailed, document.StatusExtracting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, document.CanTransition(tt.from, tt.to))
		})
	}
}

func TestChunkID_Deterministic(t *testing.T) {
	a := document.ChunkID("doc-1", 0)
	assert.Equal(t, a, document.ChunkID("doc-1", 0))
	assert.NotEqual(t, a, document.ChunkID("doc-1", 1))
	assert.NotEqual(t, a, document.ChunkID("doc-2", 0))
	assert.Len(t, a, 36)
}
