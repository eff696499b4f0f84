package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlens-ai/knowledge-service/internal/embedding"
	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

const testDimension = 16

type failingEmbedder struct {
	*embedding.Mock
}

func (f *failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, fault.New(fault.KindQuotaExceeded, "quota exhausted")
}

func chunkBody() string {
	return strings.Repeat("The fund prospectus describes fees, risk, and redemption terms. ", 10)
}

func testDocument() *Document {
	content := chunkBody()
	return &Document{
		Source: &storage.Source{ID: "src-1", Title: "Fund Creation Guide", Filename: "guide.pdf"},
		Chunks: []*storage.Chunk{
			{ChunkIndex: 0, Content: content, Quality: 0.9, PageNumber: 1},
			{ChunkIndex: 1, Content: content, Quality: 0.8, PageNumber: 2},
			{ChunkIndex: 2, Content: content, Quality: 0.7, PageNumber: 3},
		},
	}
}

func newTestPipeline(store *storage.Memory) *Pipeline {
	return New(store, store, embedding.NewMock(testDimension), observability.Nop())
}

func TestIngestIndexesAndCompletes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory(testDimension)
	p := newTestPipeline(store)

	result, err := p.Ingest(ctx, testDocument(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Indexed)
	assert.Equal(t, 0, result.Skipped)

	src, err := store.GetSource(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, src.Status)
	assert.NotEmpty(t, src.ContentHash)

	// Indexed chunks carry embeddings and are retrievable.
	hits, err := store.SearchLexical(ctx, "prospectus redemption", 10, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, hits, 3)
	for _, hit := range hits {
		assert.Len(t, hit.Chunk.Embedding, testDimension)
	}
}

func TestIngestSkipsOutOfBoundsChunks(t *testing.T) {
	doc := testDocument()
	doc.Chunks[1].Content = "too short"
	doc.Chunks[1].TokenCount = 0
	doc.Chunks[2].Quality = 0.1

	store := storage.NewMemory(testDimension)
	result, err := newTestPipeline(store).Ingest(context.Background(), doc, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, 2, result.Skipped)
}

func TestIngestRejectsNonContiguousIndexes(t *testing.T) {
	doc := testDocument()
	doc.Chunks[2].ChunkIndex = 7

	_, err := newTestPipeline(storage.NewMemory(testDimension)).Ingest(context.Background(), doc, Options{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindIntegrity))
}

func TestIngestRejectsEmptyDocument(t *testing.T) {
	p := newTestPipeline(storage.NewMemory(testDimension))

	for _, doc := range []*Document{
		nil,
		{Source: &storage.Source{ID: "s", Title: "t"}},
		{Source: &storage.Source{Title: "missing id"}, Chunks: []*storage.Chunk{{Content: "x"}}},
	} {
		_, err := p.Ingest(context.Background(), doc, Options{})
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.KindInvalidQuery))
	}
}

func TestIngestMarksSourceFailedOnEmbedderError(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory(testDimension)
	p := New(store, store, &failingEmbedder{embedding.NewMock(testDimension)}, observability.Nop())

	_, err := p.Ingest(ctx, testDocument(), Options{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindQuotaExceeded))

	src, err := store.GetSource(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, src.Status)
}

func TestIngestReplacesPreviousChunks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory(testDimension)
	p := newTestPipeline(store)

	_, err := p.Ingest(ctx, testDocument(), Options{})
	require.NoError(t, err)

	// Second run with fewer chunks replaces the first index.
	doc := testDocument()
	doc.Chunks = doc.Chunks[:1]
	result, err := p.Ingest(ctx, doc, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)

	hits, err := store.SearchLexical(ctx, "prospectus", 10, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestIngestReportsBatchProgress(t *testing.T) {
	var progress []int
	opts := Options{BatchSize: 1, Workers: 1, OnBatch: func(indexed int) {
		progress = append(progress, indexed)
	}}

	result, err := newTestPipeline(storage.NewMemory(testDimension)).
		Ingest(context.Background(), testDocument(), opts)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Indexed)
	assert.Equal(t, []int{1, 2, 3}, progress)
}

func TestParseDocument(t *testing.T) {
	payload := `{"source":{"id":"s1","title":"Guide"},"chunks":[{"chunk_index":0,"content":"text"}]}`
	doc, err := ParseDocument(strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.Source.ID)
	require.Len(t, doc.Chunks, 1)

	_, err = ParseDocument(strings.NewReader("{not json"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInvalidQuery))
}
