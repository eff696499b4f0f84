package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlens-ai/knowledge-service/internal/fault"
)

const testDim = 4

func seedSource(t *testing.T, m *Memory, id, title string) {
	t.Helper()
	require.NoError(t, m.UpsertSource(context.Background(), &Source{
		ID: id, Filename: id + ".pdf", Title: title, Status: StatusCompleted,
	}))
}

func seedChunk(t *testing.T, m *Memory, id, sourceID string, idx int, content string, quality float64, vec []float32) {
	t.Helper()
	require.NoError(t, m.Upsert(context.Background(), &Chunk{
		ID: id, SourceID: sourceID, ChunkIndex: idx, Content: content,
		ContentType: ContentText, Quality: quality, Embedding: vec,
	}))
}

func TestMemory_UpsertRejectsWrongDimension(t *testing.T) {
	m := NewMemory(testDim)
	err := m.Upsert(context.Background(), &Chunk{ID: "c1", Embedding: []float32{1, 2}})
	require.Error(t, err)
	assert.Equal(t, fault.KindDimensionMismatch, fault.KindOf(err))
}

func TestMemory_SearchVectorOrdersByScore(t *testing.T) {
	m := NewMemory(testDim)
	seedSource(t, m, "s1", "Fund Guide")
	seedChunk(t, m, "c1", "s1", 0, "alpha", 0.8, []float32{1, 0, 0, 0})
	seedChunk(t, m, "c2", "s1", 1, "beta", 0.8, []float32{0, 1, 0, 0})
	seedChunk(t, m, "c3", "s1", 2, "gamma", 0.8, []float32{0.9, 0.1, 0, 0})

	results, err := m.SearchVector(context.Background(), []float32{1, 0, 0, 0}, 3, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "c1", results[0].Chunk.ID)
	assert.Equal(t, "c3", results[1].Chunk.ID)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, 0.0)
		assert.LessOrEqual(t, r.Similarity, 1.0)
	}
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
	assert.InDelta(t, 0.5, results[2].Similarity, 1e-9) // orthogonal -> 0 cosine
}

func TestMemory_SearchVectorExcludesIncompleteSources(t *testing.T) {
	m := NewMemory(testDim)
	require.NoError(t, m.UpsertSource(context.Background(), &Source{ID: "s1", Title: "Pending", Status: StatusPending}))
	seedChunk(t, m, "c1", "s1", 0, "alpha", 0.8, []float32{1, 0, 0, 0})

	results, err := m.SearchVector(context.Background(), []float32{1, 0, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemory_SearchVectorFilter(t *testing.T) {
	m := NewMemory(testDim)
	seedSource(t, m, "s1", "A")
	seedSource(t, m, "s2", "B")
	seedChunk(t, m, "c1", "s1", 0, "alpha", 0.9, []float32{1, 0, 0, 0})
	seedChunk(t, m, "c2", "s2", 0, "beta", 0.2, []float32{1, 0, 0, 0})

	results, err := m.SearchVector(context.Background(), []float32{1, 0, 0, 0}, 5, Filter{MinQuality: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].Chunk.ID)

	results, err = m.SearchVector(context.Background(), []float32{1, 0, 0, 0}, 5, Filter{SourceIDs: []string{"s2"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c2", results[0].Chunk.ID)
}

func TestMemory_SearchLexicalRescalesToOne(t *testing.T) {
	m := NewMemory(testDim)
	seedSource(t, m, "s1", "Fund Guide")
	seedChunk(t, m, "c1", "s1", 0, "to create a fund you must first register the fund manager", 0.8, nil)
	seedChunk(t, m, "c2", "s1", 1, "redemption requests are processed nightly", 0.8, nil)

	results, err := m.SearchLexical(context.Background(), "create fund", 5, Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c1", results[0].Chunk.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
}

func TestMemory_GetByIDsPreservesOrder(t *testing.T) {
	m := NewMemory(testDim)
	seedSource(t, m, "s1", "A")
	seedChunk(t, m, "c1", "s1", 0, "one", 0.8, nil)
	seedChunk(t, m, "c2", "s1", 1, "two", 0.8, nil)
	seedChunk(t, m, "c3", "s1", 2, "three", 0.8, nil)

	chunks, err := m.GetByIDs(context.Background(), []string{"c3", "missing", "c1"})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c3", chunks[0].ID)
	assert.Equal(t, "c1", chunks[1].ID)
}

func TestMemory_DeleteBySourceCascades(t *testing.T) {
	m := NewMemory(testDim)
	seedSource(t, m, "s1", "A")
	seedChunk(t, m, "c1", "s1", 0, "one", 0.8, nil)
	require.NoError(t, m.DeleteBySource(context.Background(), "s1"))

	chunks, err := m.GetByIDs(context.Background(), []string{"c1"})
	require.NoError(t, err)
	assert.Empty(t, chunks)
	_, err = m.GetSource(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ConversationHistory(t *testing.T) {
	m := NewMemory(testDim)
	ctx := context.Background()
	require.NoError(t, m.AppendTurns(ctx, "sess",
		Turn{Role: "user", Content: "q1"},
		Turn{Role: "assistant", Content: "a1"},
	))
	require.NoError(t, m.AppendTurns(ctx, "sess",
		Turn{Role: "user", Content: "q2"},
		Turn{Role: "assistant", Content: "a2"},
	))

	turns, err := m.History(ctx, "sess", 10)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, []string{"q1", "a1", "q2", "a2"},
		[]string{turns[0].Content, turns[1].Content, turns[2].Content, turns[3].Content})

	recent, err := m.History(ctx, "sess", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q2", recent[0].Content)
}

func TestMemory_FeedbackUniquePerMessage(t *testing.T) {
	m := NewMemory(testDim)
	ctx := context.Background()
	fb := &Feedback{SessionID: "sess", MessageID: "msg", Rating: 1}

	id, err := m.InsertFeedback(ctx, fb)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = m.InsertFeedback(ctx, fb)
	require.Error(t, err)
	assert.Equal(t, fault.KindIntegrity, fault.KindOf(err))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(nil, []float32{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1}))
}

func TestNormalizeSimilarity_Bounds(t *testing.T) {
	assert.Equal(t, 1.0, NormalizeSimilarity(1))
	assert.Equal(t, 0.0, NormalizeSimilarity(-1))
	assert.Equal(t, 0.5, NormalizeSimilarity(0))
	assert.Equal(t, 1.0, NormalizeSimilarity(1.2))
	assert.Equal(t, 0.0, NormalizeSimilarity(-1.2))
}
