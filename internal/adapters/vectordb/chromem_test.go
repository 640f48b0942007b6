package vectordb

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

func TestChromemStore_UpsertQueryDelete(t *testing.T) {
	store, err := NewChromemStore("")
	require.NoError(t, err)
	ctx := context.Background()

	err = store.Upsert(ctx, "conv_a", []entities.Chunk{
		{ID: "d1-0", DocumentID: "d1", Filename: "a.pdf", Page: 2, Seq: 0, Start: 0, End: 4, Text: "north", Embedding: []float32{1, 0, 0}},
		{ID: "d1-1", DocumentID: "d1", Filename: "a.pdf", Page: 3, Seq: 1, Start: 4, End: 8, Text: "east", Embedding: []float32{0, 1, 0}},
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, "conv_a", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2, "k is clamped to the collection size")

	top := results[0].Chunk
	assert.Equal(t, "d1-0", top.ID)
	assert.Equal(t, "a.pdf", top.Filename)
	assert.Equal(t, 2, top.Page)
	assert.Equal(t, "north", top.Text)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)

	require.NoError(t, store.DeleteChunks(ctx, "conv_a", []string{"d1-0"}))
	results, err = store.Query(ctx, "conv_a", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "d1-1", results[0].Chunk.ID)

	require.NoError(t, store.DeleteConversation(ctx, "conv_a"))
	results, err = store.Query(ctx, "conv_a", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStore_TiesBrokenByChunkID(t *testing.T) {
	store, err := NewChromemStore("")
	require.NoError(t, err)
	ctx := context.Background()

	var chunks []entities.Chunk
	for i := 9; i >= 0; i-- {
		chunks = append(chunks, entities.Chunk{
			ID:         fmt.Sprintf("doc-%d", i),
			DocumentID: "doc",
			Filename:   "same.txt",
			Seq:        i,
			Text:       "identical",
			Embedding:  []float32{0.6, 0.8},
		})
	}
	require.NoError(t, store.Upsert(ctx, "conv_tie", chunks))

	for run := 0; run < 5; run++ {
		results, err := store.Query(ctx, "conv_tie", []float32{0.6, 0.8}, 3)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "doc-0", results[0].Chunk.ID)
		assert.Equal(t, "doc-1", results[1].Chunk.ID)
		assert.Equal(t, "doc-2", results[2].Chunk.ID)
	}
}

func TestChromemStore_UnknownConversation(t *testing.T) {
	store, err := NewChromemStore("")
	require.NoError(t, err)

	results, err := store.Query(context.Background(), "conv_none", []float32{1}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, store.DeleteConversation(context.Background(), "conv_none"))
}

func TestChromemStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewChromemStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, "conv_p", []entities.Chunk{{ID: "c1", Text: "kept", Embedding: []float32{0, 1}}}))

	reopened, err := NewChromemStore(dir)
	require.NoError(t, err)
	results, err := reopened.Query(ctx, "conv_p", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "kept", results[0].Chunk.Text)
}
