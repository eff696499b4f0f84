package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fundlens-ai/knowledge-service/internal/fault"
)

// Memory implements the stores with in-process maps. Used by tests and as
// a zero-setup backend for local experiments.
type Memory struct {
	mu        sync.RWMutex
	dimension int
	sources   map[string]*Source
	chunks    map[string]*Chunk

	convMu   sync.Mutex
	sessions map[string]*sessionLog

	fbMu     sync.Mutex
	feedback map[string]*Feedback // keyed session|message
}

type sessionLog struct {
	mu    sync.Mutex
	turns []Turn
}

// NewMemory creates a Memory store enforcing the given embedding dimension.
func NewMemory(dimension int) *Memory {
	return &Memory{
		dimension: dimension,
		sources:   make(map[string]*Source),
		chunks:    make(map[string]*Chunk),
		sessions:  make(map[string]*sessionLog),
		feedback:  make(map[string]*Feedback),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) Upsert(_ context.Context, chunk *Chunk) error {
	if len(chunk.Embedding) > 0 && len(chunk.Embedding) != m.dimension {
		return fault.Newf(fault.KindDimensionMismatch,
			"chunk %s embedding has %d dimensions, want %d", chunk.ID, len(chunk.Embedding), m.dimension)
	}
	cp := *chunk
	m.mu.Lock()
	m.chunks[chunk.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteBySource(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, sourceID)
	for id, c := range m.chunks {
		if c.SourceID == sourceID {
			delete(m.chunks, id)
		}
	}
	return nil
}

// retrievableLocked returns chunks passing the filter whose source is
// completed (or has no source record, which tests rely on).
func (m *Memory) retrievableLocked(filter Filter) []*Chunk {
	var out []*Chunk
	for _, c := range m.chunks {
		if src, ok := m.sources[c.SourceID]; ok && src.Status != StatusCompleted {
			continue
		}
		if !matchFilter(c, filter) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchFilter(c *Chunk, filter Filter) bool {
	if filter.MinQuality > 0 && c.Quality < filter.MinQuality {
		return false
	}
	if len(filter.SourceIDs) > 0 && !containsString(filter.SourceIDs, c.SourceID) {
		return false
	}
	if len(filter.ContentTypes) > 0 {
		found := false
		for _, t := range filter.ContentTypes {
			if c.ContentType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Memory) SearchVector(_ context.Context, queryVec []float32, k int, filter Filter) ([]ScoredChunk, error) {
	if len(queryVec) != m.dimension {
		return nil, fault.Newf(fault.KindDimensionMismatch,
			"query vector has %d dimensions, want %d", len(queryVec), m.dimension)
	}
	m.mu.RLock()
	candidates := m.retrievableLocked(filter)
	m.mu.RUnlock()

	var scored []ScoredChunk
	for _, c := range candidates {
		if len(c.Embedding) == 0 {
			continue
		}
		sim := NormalizeSimilarity(CosineSimilarity(queryVec, c.Embedding))
		scored = append(scored, ScoredChunk{Chunk: c, Similarity: sim})
	}
	sortScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (m *Memory) SearchLexical(_ context.Context, queryText string, k int, filter Filter) ([]ScoredChunk, error) {
	terms := lexTokens(queryText)
	if len(terms) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	candidates := m.retrievableLocked(filter)
	m.mu.RUnlock()

	var scored []ScoredChunk
	for _, c := range candidates {
		if score := lexicalScore(terms, c.Content); score > 0 {
			scored = append(scored, ScoredChunk{Chunk: c, Similarity: score})
		}
	}
	sortScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	rescaleByMax(scored)
	return scored, nil
}

func sortScored(scored []ScoredChunk) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if scored[i].Chunk.Quality != scored[j].Chunk.Quality {
			return scored[i].Chunk.Quality > scored[j].Chunk.Quality
		}
		return scored[i].Chunk.ChunkIndex < scored[j].Chunk.ChunkIndex
	})
}

func (m *Memory) GetByIDs(_ context.Context, ids []string) ([]*Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) UpsertSource(_ context.Context, source *Source) error {
	cp := *source
	m.mu.Lock()
	m.sources[source.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetSource(_ context.Context, id string) (*Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if src, ok := m.sources[id]; ok {
		cp := *src
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) SetSourceStatus(_ context.Context, id string, status ProcessingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return ErrNotFound
	}
	src.Status = status
	src.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ListSources(_ context.Context) ([]*Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Source, 0, len(m.sources))
	for _, src := range m.sources {
		cp := *src
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (m *Memory) session(sessionID string) *sessionLog {
	m.convMu.Lock()
	defer m.convMu.Unlock()
	log, ok := m.sessions[sessionID]
	if !ok {
		log = &sessionLog{}
		m.sessions[sessionID] = log
	}
	return log
}

// AppendTurns serializes appends per session so turns never interleave.
func (m *Memory) AppendTurns(_ context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	log := m.session(sessionID)
	log.mu.Lock()
	log.turns = append(log.turns, turns...)
	log.mu.Unlock()
	return nil
}

func (m *Memory) History(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	log := m.session(sessionID)
	log.mu.Lock()
	defer log.mu.Unlock()
	turns := log.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *Memory) Clear(_ context.Context, sessionID string) error {
	m.convMu.Lock()
	delete(m.sessions, sessionID)
	m.convMu.Unlock()
	return nil
}

func (m *Memory) InsertFeedback(_ context.Context, fb *Feedback) (string, error) {
	key := fb.SessionID + "|" + fb.MessageID
	m.fbMu.Lock()
	defer m.fbMu.Unlock()
	if _, exists := m.feedback[key]; exists {
		return "", fault.Newf(fault.KindIntegrity, "feedback already recorded for message %s", fb.MessageID)
	}
	cp := *fb
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = time.Now()
	m.feedback[key] = &cp
	return cp.ID, nil
}

var _ ChunkStore = (*Memory)(nil)
var _ SourceStore = (*Memory)(nil)
var _ ConversationStore = (*Memory)(nil)
var _ FeedbackStore = (*Memory)(nil)
