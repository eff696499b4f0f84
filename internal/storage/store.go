package storage

import (
	"context"
	"errors"
	"math"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("not found")

// Filter is a conjunction of retrieval-time constraints.
type Filter struct {
	SourceIDs    []string
	ContentTypes []ContentType
	MinQuality   float64
}

// ScoredChunk pairs a chunk with a similarity score in [0,1].
type ScoredChunk struct {
	Chunk      *Chunk
	Similarity float64
}

// ChunkStore is the storage contract for chunks and their indexes.
// SearchVector returns fault.KindNoIndex when the backend has no vector
// index; callers degrade to lexical search.
type ChunkStore interface {
	Upsert(ctx context.Context, chunk *Chunk) error
	DeleteBySource(ctx context.Context, sourceID string) error
	SearchVector(ctx context.Context, queryVec []float32, k int, filter Filter) ([]ScoredChunk, error)
	SearchLexical(ctx context.Context, queryText string, k int, filter Filter) ([]ScoredChunk, error)
	GetByIDs(ctx context.Context, ids []string) ([]*Chunk, error)
	Ping(ctx context.Context) error
	Close() error
}

// SourceStore manages source documents.
type SourceStore interface {
	UpsertSource(ctx context.Context, source *Source) error
	GetSource(ctx context.Context, id string) (*Source, error)
	SetSourceStatus(ctx context.Context, id string, status ProcessingStatus) error
	ListSources(ctx context.Context) ([]*Source, error)
}

// ConversationStore persists per-session turn logs. Appends for the same
// session serialize; turns are never interleaved mid-record.
type ConversationStore interface {
	AppendTurns(ctx context.Context, sessionID string, turns ...Turn) error
	History(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	Clear(ctx context.Context, sessionID string) error
}

// FeedbackStore persists message feedback with a unique
// (session, message) constraint.
type FeedbackStore interface {
	InsertFeedback(ctx context.Context, fb *Feedback) (string, error)
}

// CosineSimilarity computes cosine similarity between two vectors,
// returning a value in [-1,1]. Mismatched or empty vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// NormalizeSimilarity rescales cosine similarity from [-1,1] to [0,1].
func NormalizeSimilarity(s float64) float64 {
	n := (s + 1) / 2
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}
