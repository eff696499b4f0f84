// Package retrieval ranks candidate chunks for grounding. Three strategies
// share one contract: vector-only, lexical-only, and a hybrid that runs
// both searches concurrently and merges by weighted score. A missing
// vector index degrades the hybrid and vector strategies to lexical.
//
// Diversity pruning needs stored embeddings; a lexical-only hit without an
// embedding counts as similarity 0 against accepted candidates and is
// never pruned. That trades diversity for recall on lexical-heavy sets.
package retrieval

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fundlens-ai/knowledge-service/internal/cache"
	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

// Strategy tags how a result set was produced.
type Strategy string

const (
	StrategyVector  Strategy = "vector"
	StrategyLexical Strategy = "lexical"
	StrategyHybrid  Strategy = "hybrid"
	StrategyNone    Strategy = "none"
)

// DiagNoIndex marks a result produced with no usable index. The
// orchestrator must take the fallback path.
const DiagNoIndex = "no_index"

// Candidate is one ranked chunk with its per-strategy component scores.
type Candidate struct {
	Chunk        *storage.Chunk `json:"chunk"`
	Score        float64        `json:"score"`
	Rank         int            `json:"rank"` // 1-based
	VectorScore  float64        `json:"vector_score"`
	LexicalScore float64        `json:"lexical_score"`
}

// Result is a ranked candidate set plus diagnostics.
type Result struct {
	Strategy       Strategy    `json:"strategy"`
	Candidates     []Candidate `json:"candidates"`
	ScoredTotal    int         `json:"scored_total"` // pre-truncation list length
	Diagnostic     string      `json:"diagnostic,omitempty"`
	FromCache      bool        `json:"-"`
	QueryEmbedding []float32   `json:"-"`
}

// Options capture the retrieval settings for one request. Callers build
// them from the configuration snapshot captured at request start.
type Options struct {
	MaxChunks          int
	MinQuality         float64
	DiversityThreshold float64
	EnableHybrid       bool
	VectorWeight       float64
	LexicalWeight      float64
	Filter             storage.Filter
	CacheResults       bool
	CacheTTL           time.Duration
}

// Embedder is the slice of the embedding client the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever runs retrieval strategies against a chunk store.
type Retriever struct {
	store    storage.ChunkStore
	embedder Embedder
	cache    cache.Client
	logger   *observability.Logger
}

// New creates a Retriever. cache may be nil to disable result caching.
func New(store storage.ChunkStore, embedder Embedder, cacheClient cache.Client, logger *observability.Logger) *Retriever {
	return &Retriever{
		store:    store,
		embedder: embedder,
		cache:    cacheClient,
		logger:   logger.WithComponent("retrieval"),
	}
}

// Retrieve returns the top candidates for a query. An unusable vector
// index degrades to lexical-only; with no usable index at all the result
// is empty and tagged DiagNoIndex rather than an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (*Result, error) {
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = 5
	}

	cacheKey := ""
	if opts.CacheResults && r.cache != nil {
		cacheKey = cache.RetrievalKey(query, r.strategyTag(opts), opts.MaxChunks, opts.MinQuality)
		if cached, ok, err := r.cache.Get(ctx, cacheKey); err == nil && ok {
			var result Result
			if err := json.Unmarshal(cached, &result); err == nil {
				result.FromCache = true
				return &result, nil
			}
		}
	}

	result, err := r.retrieve(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	if cacheKey != "" && result.Diagnostic == "" && len(result.Candidates) > 0 {
		if payload, err := json.Marshal(result); err == nil {
			if err := r.cache.Set(ctx, cacheKey, payload, opts.CacheTTL); err != nil {
				r.logger.Warn().Err(err).Msg("retrieval cache write failed")
			}
		}
	}
	return result, nil
}

func (r *Retriever) strategyTag(opts Options) string {
	if opts.EnableHybrid {
		return string(StrategyHybrid)
	}
	return string(StrategyVector)
}

func (r *Retriever) retrieve(ctx context.Context, query string, opts Options) (*Result, error) {
	// Over-fetch so the merge, quality filter, and diversity pruning have
	// candidates to discard.
	k := 2 * opts.MaxChunks

	var vector, lexical []storage.ScoredChunk
	var queryVec []float32
	var vectorErr, lexicalErr error

	if opts.EnableHybrid {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			queryVec, vector, vectorErr = r.searchVector(gctx, query, k, opts.Filter)
			if vectorErr != nil && !degradable(vectorErr) {
				return vectorErr
			}
			return nil
		})
		g.Go(func() error {
			lexical, lexicalErr = r.store.SearchLexical(gctx, query, k, opts.Filter)
			if lexicalErr != nil && !degradable(lexicalErr) {
				return lexicalErr
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		queryVec, vector, vectorErr = r.searchVector(ctx, query, k, opts.Filter)
		if vectorErr != nil && !degradable(vectorErr) {
			return nil, vectorErr
		}
		if vectorErr != nil {
			// Vector index unavailable; fall back to lexical.
			lexical, lexicalErr = r.store.SearchLexical(ctx, query, k, opts.Filter)
			if lexicalErr != nil && !degradable(lexicalErr) {
				return nil, lexicalErr
			}
		}
	}

	strategy, diagnostic := resolveStrategy(opts, vectorErr, lexicalErr)
	if strategy == StrategyNone {
		r.logger.Warn().Str("query", query).Msg("no retrieval index available")
		return &Result{Strategy: StrategyNone, Diagnostic: DiagNoIndex}, nil
	}
	if vectorErr != nil {
		r.logger.Warn().Err(vectorErr).Msg("vector search unavailable, degraded to lexical")
	}

	merged := merge(vector, lexical, opts)
	scoredTotal := len(merged)

	merged = filterQuality(merged, opts.MinQuality)
	merged = pruneDiversity(merged, opts.DiversityThreshold)
	if len(merged) > opts.MaxChunks {
		merged = merged[:opts.MaxChunks]
	}
	for i := range merged {
		merged[i].Rank = i + 1
	}

	return &Result{
		Strategy:       strategy,
		Candidates:     merged,
		ScoredTotal:    scoredTotal,
		Diagnostic:     diagnostic,
		QueryEmbedding: queryVec,
	}, nil
}

// searchVector embeds the query and queries the vector index. The
// embedding failure modes that do not condemn the whole request (no
// index, transient provider trouble) are reported as degradable.
func (r *Retriever) searchVector(ctx context.Context, query string, k int, filter storage.Filter) ([]float32, []storage.ScoredChunk, error) {
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	hits, err := r.store.SearchVector(ctx, queryVec, k, filter)
	if err != nil {
		return queryVec, nil, err
	}
	return queryVec, hits, nil
}

// degradable reports whether a sub-search failure should degrade the
// strategy instead of failing the request.
func degradable(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindNoIndex, fault.KindTransient, fault.KindConnectionLost, fault.KindQuotaExceeded, fault.KindUnauthorized:
		return true
	}
	return false
}

func resolveStrategy(opts Options, vectorErr, lexicalErr error) (Strategy, string) {
	vectorOK := vectorErr == nil
	lexicalOK := lexicalErr == nil

	switch {
	case opts.EnableHybrid && vectorOK && lexicalOK:
		return StrategyHybrid, ""
	case vectorOK && !opts.EnableHybrid:
		return StrategyVector, ""
	case vectorOK:
		return StrategyVector, "lexical_unavailable"
	case lexicalOK:
		return StrategyLexical, "vector_unavailable"
	default:
		return StrategyNone, DiagNoIndex
	}
}

// merge combines the two hit lists by chunk ID with a weighted score;
// an unmatched side contributes 0. Order follows score descending with
// quality then chunk-index tie-breaks.
func merge(vector, lexical []storage.ScoredChunk, opts Options) []Candidate {
	wv, wl := opts.VectorWeight, opts.LexicalWeight
	if wv <= 0 && wl <= 0 {
		wv, wl = 0.7, 0.3
	}

	byID := make(map[string]*Candidate, len(vector)+len(lexical))
	var order []string

	for _, hit := range vector {
		byID[hit.Chunk.ID] = &Candidate{Chunk: hit.Chunk, VectorScore: hit.Similarity}
		order = append(order, hit.Chunk.ID)
	}
	for _, hit := range lexical {
		if c, ok := byID[hit.Chunk.ID]; ok {
			c.LexicalScore = hit.Similarity
			continue
		}
		byID[hit.Chunk.ID] = &Candidate{Chunk: hit.Chunk, LexicalScore: hit.Similarity}
		order = append(order, hit.Chunk.ID)
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		c.Score = clamp01(wv*c.VectorScore + wl*c.LexicalScore)
		out = append(out, *c)
	}
	sortCandidates(out)
	return out
}

func filterQuality(candidates []Candidate, minQuality float64) []Candidate {
	if minQuality <= 0 {
		return candidates
	}
	out := candidates[:0]
	for _, c := range candidates {
		if c.Chunk.Quality >= minQuality {
			out = append(out, c)
		}
	}
	return out
}

// pruneDiversity accepts candidates in rank order, skipping any whose raw
// cosine similarity to an already-accepted embedding reaches the
// threshold. Candidates without embeddings are never pruned.
func pruneDiversity(candidates []Candidate, threshold float64) []Candidate {
	if threshold <= 0 || threshold >= 1 {
		return candidates
	}
	accepted := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		diverse := true
		if len(c.Chunk.Embedding) > 0 {
			for _, a := range accepted {
				if len(a.Chunk.Embedding) == 0 {
					continue
				}
				if storage.CosineSimilarity(c.Chunk.Embedding, a.Chunk.Embedding) >= threshold {
					diverse = false
					break
				}
			}
		}
		if diverse {
			accepted = append(accepted, c)
		}
	}
	return accepted
}

func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.Quality != b.Chunk.Quality {
			return a.Chunk.Quality > b.Chunk.Quality
		}
		return a.Chunk.ChunkIndex < b.Chunk.ChunkIndex
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
