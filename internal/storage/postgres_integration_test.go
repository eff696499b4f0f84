package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fundlens-ai/knowledge-service/internal/observability"
)

// Requires Docker. Run with INTEGRATION=1.
func TestPostgres_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("set INTEGRATION=1 to run the postgres integration test")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "pgvector/pgvector:pg16",
		tcpostgres.WithDatabase("knowledge"),
		tcpostgres.WithUsername("knowledge"),
		tcpostgres.WithPassword("knowledge"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgres(ctx, PostgresOptions{
		DSN:          dsn,
		Dimension:    3,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
		QueryTimeout: 5 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 100 * time.Millisecond,
	}, observability.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.EnsureSchema(ctx))

	require.NoError(t, store.UpsertSource(ctx, &Source{
		ID: "s1", Filename: "guide.pdf", Title: "Fund Creation Guide",
		ContentHash: "hash1", Status: StatusCompleted,
	}))

	chunks := []*Chunk{
		{ID: "c1", SourceID: "s1", ChunkIndex: 0, Quality: 0.8,
			Content:   "To create a fund: open the fund wizard.",
			Embedding: []float32{1, 0, 0}},
		{ID: "c2", SourceID: "s1", ChunkIndex: 1, Quality: 0.9,
			Content:   "Redemption requests settle in two days.",
			Embedding: []float32{0, 1, 0}},
	}
	for _, c := range chunks {
		require.NoError(t, store.Upsert(ctx, c))
	}

	t.Run("vector search normalizes to unit interval", func(t *testing.T) {
		results, err := store.SearchVector(ctx, []float32{1, 0, 0}, 5, Filter{})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "c1", results[0].Chunk.ID)
		assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
		assert.InDelta(t, 0.5, results[1].Similarity, 1e-6)
	})

	t.Run("lexical search rescales by max rank", func(t *testing.T) {
		results, err := store.SearchLexical(ctx, "create a fund", 5, Filter{})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "c1", results[0].Chunk.ID)
		assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	})

	t.Run("get by ids preserves order", func(t *testing.T) {
		got, err := store.GetByIDs(ctx, []string{"c2", "c1"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "c2", got[0].ID)
		assert.Equal(t, "Fund Creation Guide", got[0].SourceTitle)
	})

	t.Run("delete cascades", func(t *testing.T) {
		require.NoError(t, store.DeleteBySource(ctx, "s1"))
		got, err := store.GetByIDs(ctx, []string{"c1", "c2"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
