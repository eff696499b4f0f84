package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlens-ai/knowledge-service/internal/cache"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

const testDim = 4

// fixedEmbedder returns the same query vector for every text.
type fixedEmbedder struct {
	vec []float32
	err error
}

func (f *fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func seedChunk(t *testing.T, store *storage.Memory, id string, index int, quality float64, embedding []float32, content string) {
	t.Helper()
	require.NoError(t, store.Upsert(context.Background(), &storage.Chunk{
		ID:          id,
		SourceID:    "src-1",
		SourceTitle: "Fund Creation Guide",
		ChunkIndex:  index,
		Content:     content,
		ContentType: storage.ContentText,
		Quality:     quality,
		Embedding:   embedding,
	}))
}

func defaultOptions() Options {
	return Options{
		MaxChunks:          5,
		MinQuality:         0.3,
		DiversityThreshold: 0.92,
		EnableHybrid:       true,
		VectorWeight:       0.7,
		LexicalWeight:      0.3,
	}
}

func TestRetrieveHybridMergesScores(t *testing.T) {
	store := storage.NewMemory(testDim)
	seedChunk(t, store, "c1", 0, 0.8, []float32{1, 0, 0, 0}, "To create a fund: file the prospectus")
	seedChunk(t, store, "c2", 1, 0.8, []float32{0, 1, 0, 0}, "Redemption windows are quarterly")

	embedder := &fixedEmbedder{vec: []float32{1, 0, 0, 0}}
	r := New(store, embedder, nil, observability.Nop())

	result, err := r.Retrieve(context.Background(), "create a fund", defaultOptions())
	require.NoError(t, err)

	assert.Equal(t, StrategyHybrid, result.Strategy)
	require.NotEmpty(t, result.Candidates)
	assert.Equal(t, "c1", result.Candidates[0].Chunk.ID)
	assert.Greater(t, result.Candidates[0].VectorScore, 0.9)
	assert.Greater(t, result.Candidates[0].LexicalScore, 0.0)

	// P2: scores bounded, P3: ordered descending with 1-based ranks.
	for i, c := range result.Candidates {
		assert.GreaterOrEqual(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
		assert.Equal(t, i+1, c.Rank)
		if i > 0 {
			assert.LessOrEqual(t, c.Score, result.Candidates[i-1].Score)
		}
	}
}

func TestRetrieveQualityFilter(t *testing.T) {
	store := storage.NewMemory(testDim)
	seedChunk(t, store, "good", 0, 0.8, []float32{1, 0, 0, 0}, "fund rules")
	seedChunk(t, store, "junk", 1, 0.1, []float32{0.9, 0.1, 0, 0}, "fund noise")

	r := New(store, &fixedEmbedder{vec: []float32{1, 0, 0, 0}}, nil, observability.Nop())
	result, err := r.Retrieve(context.Background(), "fund", defaultOptions())
	require.NoError(t, err)

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "good", result.Candidates[0].Chunk.ID)
}

func TestRetrieveDiversityPruning(t *testing.T) {
	// Five near-identical embeddings: pairwise cosine > 0.95, so pruning
	// at 0.92 keeps exactly one.
	store := storage.NewMemory(testDim)
	vecs := [][]float32{
		{1, 0.00, 0, 0},
		{1, 0.01, 0, 0},
		{1, 0.02, 0, 0},
		{1, 0.03, 0, 0},
		{1, 0.04, 0, 0},
	}
	for i, v := range vecs {
		seedChunk(t, store, string(rune('a'+i)), i, 0.8, v, "fund creation steps")
	}

	r := New(store, &fixedEmbedder{vec: []float32{1, 0, 0, 0}}, nil, observability.Nop())
	result, err := r.Retrieve(context.Background(), "fund creation", defaultOptions())
	require.NoError(t, err)

	assert.Len(t, result.Candidates, 1)
}

func TestRetrieveDiversitySkipsMissingEmbeddings(t *testing.T) {
	store := storage.NewMemory(testDim)
	seedChunk(t, store, "v1", 0, 0.8, []float32{1, 0, 0, 0}, "fund creation")
	seedChunk(t, store, "lex", 1, 0.8, nil, "fund creation lexical only")

	r := New(store, &fixedEmbedder{vec: []float32{1, 0, 0, 0}}, nil, observability.Nop())
	result, err := r.Retrieve(context.Background(), "fund creation", defaultOptions())
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, c := range result.Candidates {
		ids[c.Chunk.ID] = true
	}
	assert.True(t, ids["lex"], "embedding-less candidate must survive diversity pruning")
}

func TestRetrieveDegradesToLexical(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewSQLite(context.Background(), storage.SQLiteOptions{Path: dir + "/kb.db"}, observability.Nop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertSource(context.Background(), &storage.Source{
		ID: "src-1", Title: "Fund Creation Guide", Status: storage.StatusCompleted,
	}))
	require.NoError(t, store.Upsert(context.Background(), &storage.Chunk{
		ID: "c1", SourceID: "src-1", Content: "To create a fund: file the prospectus",
		ContentType: storage.ContentText, Quality: 0.8,
	}))

	r := New(store, &fixedEmbedder{vec: make([]float32, testDim)}, nil, observability.Nop())
	result, err := r.Retrieve(context.Background(), "create a fund", defaultOptions())
	require.NoError(t, err)

	assert.Equal(t, StrategyLexical, result.Strategy)
	assert.Equal(t, "vector_unavailable", result.Diagnostic)
	require.Len(t, result.Candidates, 1)
}

func TestRetrieveNoIndex(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewSQLite(context.Background(), storage.SQLiteOptions{Path: dir + "/kb.db"}, observability.Nop())
	require.NoError(t, err)
	defer store.Close()

	// Empty store: the vector side has no index and the lexical side has
	// nothing to match, so the result set is empty.
	r := New(store, &fixedEmbedder{vec: make([]float32, testDim)}, nil, observability.Nop())
	result, err := r.Retrieve(context.Background(), "fund", defaultOptions())
	require.NoError(t, err)

	assert.Empty(t, result.Candidates)
}

func TestRetrieveTruncatesToMaxChunks(t *testing.T) {
	store := storage.NewMemory(testDim)
	// Orthogonal-ish embeddings so diversity pruning keeps them all.
	vecs := [][]float32{
		{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1},
		{0.7, 0.7, 0, 0}, {0.7, 0, 0.7, 0},
	}
	for i, v := range vecs {
		seedChunk(t, store, string(rune('a'+i)), i, 0.8, v, "fund")
	}

	opts := defaultOptions()
	opts.MaxChunks = 3
	r := New(store, &fixedEmbedder{vec: []float32{1, 0, 0, 0}}, nil, observability.Nop())
	result, err := r.Retrieve(context.Background(), "fund", opts)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(result.Candidates), 3)
	assert.GreaterOrEqual(t, result.ScoredTotal, len(result.Candidates))
}

func TestRetrieveCachesResults(t *testing.T) {
	store := storage.NewMemory(testDim)
	seedChunk(t, store, "c1", 0, 0.8, []float32{1, 0, 0, 0}, "fund creation")

	cacheClient := cache.NewMemoryClient(10)
	r := New(store, &fixedEmbedder{vec: []float32{1, 0, 0, 0}}, cacheClient, observability.Nop())

	opts := defaultOptions()
	opts.CacheResults = true
	opts.CacheTTL = time.Minute

	first, err := r.Retrieve(context.Background(), "fund creation", opts)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := r.Retrieve(context.Background(), "fund creation", opts)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, len(first.Candidates), len(second.Candidates))
}
