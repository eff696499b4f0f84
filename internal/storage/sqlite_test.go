package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), SQLiteOptions{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, observability.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_VectorSearchReportsNoIndex(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.SearchVector(context.Background(), []float32{1, 0}, 5, Filter{})
	require.Error(t, err)
	assert.Equal(t, fault.KindNoIndex, fault.KindOf(err))
}

func TestSQLite_ChunkRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSource(ctx, &Source{
		ID: "s1", Filename: "guide.pdf", Title: "Fund Creation Guide",
		ContentHash: "abc", Status: StatusCompleted,
	}))
	require.NoError(t, s.Upsert(ctx, &Chunk{
		ID: "c1", SourceID: "s1", ChunkIndex: 0,
		Heading: "Creating Funds", PageNumber: 3,
		SectionPath: []string{"Funds", "Creating Funds"},
		Content:     "To create a fund: open the fund wizard and complete the form.",
		ContentType: ContentProcedure, TokenCount: 120, Quality: 0.8,
		Embedding: []float32{0.1, 0.2, 0.3},
		Metadata:  map[string]string{"lang": "en"},
	}))

	chunks, err := s.GetByIDs(ctx, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	got := chunks[0]
	assert.Equal(t, "Fund Creation Guide", got.SourceTitle)
	assert.Equal(t, []string{"Funds", "Creating Funds"}, got.SectionPath)
	assert.Equal(t, ContentProcedure, got.ContentType)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
	assert.Equal(t, map[string]string{"lang": "en"}, got.Metadata)
}

func TestSQLite_LexicalSearch(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSource(ctx, &Source{
		ID: "s1", Filename: "guide.pdf", Title: "Fund Creation Guide",
		ContentHash: "abc", Status: StatusCompleted,
	}))
	require.NoError(t, s.Upsert(ctx, &Chunk{
		ID: "c1", SourceID: "s1", ChunkIndex: 0, Quality: 0.8,
		Content: "To create a fund you register the fund with the administrator.",
	}))
	require.NoError(t, s.Upsert(ctx, &Chunk{
		ID: "c2", SourceID: "s1", ChunkIndex: 1, Quality: 0.8,
		Content: "Investor redemptions settle within two business days.",
	}))

	results, err := s.SearchLexical(ctx, "how do I create a fund", 5, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].Chunk.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
}

func TestSQLite_LexicalExcludesPendingSources(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSource(ctx, &Source{
		ID: "s1", Filename: "draft.pdf", Title: "Draft",
		ContentHash: "x", Status: StatusProcessing,
	}))
	require.NoError(t, s.Upsert(ctx, &Chunk{
		ID: "c1", SourceID: "s1", ChunkIndex: 0, Quality: 0.8,
		Content: "fund creation procedure",
	}))

	results, err := s.SearchLexical(ctx, "fund creation", 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLite_FeedbackUniqueConstraint(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	fb := &Feedback{SessionID: "sess", MessageID: "msg", Rating: -1, FeedbackText: "off topic"}

	id, err := s.InsertFeedback(ctx, fb)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.InsertFeedback(ctx, fb)
	require.Error(t, err)
	assert.Equal(t, fault.KindIntegrity, fault.KindOf(err))
}

func TestSQLite_ConversationOrdering(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurns(ctx, "s3",
		Turn{Role: "user", Content: "q1"}, Turn{Role: "assistant", Content: "a1"}))
	require.NoError(t, s.AppendTurns(ctx, "s3",
		Turn{Role: "user", Content: "q2"}, Turn{Role: "assistant", Content: "a2"}))

	turns, err := s.History(ctx, "s3", 20)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "q1", turns[0].Content)
	assert.Equal(t, "a2", turns[3].Content)

	require.NoError(t, s.Clear(ctx, "s3"))
	turns, err = s.History(ctx, "s3", 20)
	require.NoError(t, err)
	assert.Empty(t, turns)
}
