// Package ingest indexes source documents: it validates chunk invariants,
// embeds chunk content in concurrent batches, and upserts everything while
// tracking the source's processing status.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fundlens-ai/knowledge-service/internal/embedding"
	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

// Document is one source plus its pre-chunked passages, embeddings absent.
type Document struct {
	Source *storage.Source  `json:"source"`
	Chunks []*storage.Chunk `json:"chunks"`
}

// Options tune one ingestion run. Zero values fall back to defaults.
type Options struct {
	BatchSize  int     // chunks per embedding call, default 16
	Workers    int     // concurrent embedding batches, default 4
	MinTokens  int     // smallest accepted chunk, default 100
	MaxTokens  int     // largest accepted chunk, default 600
	MinQuality float64 // quality floor, default 0.3

	// OnBatch is called after each embedded batch with the number of
	// chunks indexed so far. Used for progress reporting.
	OnBatch func(indexed int)
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MinTokens <= 0 {
		o.MinTokens = 100
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 600
	}
	if o.MinQuality <= 0 {
		o.MinQuality = 0.3
	}
}

// Result summarizes one ingestion run.
type Result struct {
	SourceID string        `json:"source_id"`
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Pipeline ingests documents into a chunk store.
type Pipeline struct {
	chunks   storage.ChunkStore
	sources  storage.SourceStore
	embedder embedding.Embedder
	logger   *observability.Logger
}

// New creates a Pipeline.
func New(chunks storage.ChunkStore, sources storage.SourceStore, embedder embedding.Embedder, logger *observability.Logger) *Pipeline {
	return &Pipeline{
		chunks:   chunks,
		sources:  sources,
		embedder: embedder,
		logger:   logger.WithComponent("ingest"),
	}
}

// ParseDocument decodes a JSON document from r.
func ParseDocument(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fault.Wrap(fault.KindInvalidQuery, "parse document", err)
	}
	return &doc, nil
}

// Ingest indexes one document. Re-ingesting a source replaces its chunks.
// The source moves pending -> processing -> completed, or failed when any
// batch cannot be embedded or stored.
func (p *Pipeline) Ingest(ctx context.Context, doc *Document, opts Options) (*Result, error) {
	opts.defaults()
	started := time.Now()

	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	accepted, skipped := partitionChunks(doc, opts, p.logger)

	src := *doc.Source
	if src.ContentHash == "" {
		src.ContentHash = contentHash(doc.Chunks)
	}
	src.Status = storage.StatusPending
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	// Replace any previous version of this source before re-indexing.
	if err := p.chunks.DeleteBySource(ctx, src.ID); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "clear previous chunks", err)
	}
	if err := p.sources.UpsertSource(ctx, &src); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "register source", err)
	}
	if err := p.sources.SetSourceStatus(ctx, src.ID, storage.StatusProcessing); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "mark source processing", err)
	}

	indexed, err := p.embedAndStore(ctx, accepted, opts)
	if err != nil {
		if statusErr := p.sources.SetSourceStatus(ctx, src.ID, storage.StatusFailed); statusErr != nil {
			p.logger.Error().Err(statusErr).Str("source_id", src.ID).Msg("mark source failed")
		}
		return nil, err
	}

	if err := p.sources.SetSourceStatus(ctx, src.ID, storage.StatusCompleted); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "mark source completed", err)
	}

	result := &Result{
		SourceID: src.ID,
		Indexed:  indexed,
		Skipped:  skipped,
		Elapsed:  time.Since(started),
	}
	p.logger.Info().
		Str("source_id", src.ID).
		Int("indexed", result.Indexed).
		Int("skipped", result.Skipped).
		Dur("elapsed", result.Elapsed).
		Msg("source ingested")
	return result, nil
}

func validateDocument(doc *Document) error {
	if doc == nil || doc.Source == nil {
		return fault.New(fault.KindInvalidQuery, "document has no source")
	}
	if doc.Source.ID == "" || doc.Source.Title == "" {
		return fault.New(fault.KindInvalidQuery, "source requires id and title")
	}
	if len(doc.Chunks) == 0 {
		return fault.New(fault.KindInvalidQuery, "document has no chunks")
	}
	// Chunk indexes must be contiguous from zero before any filtering.
	seen := make(map[int]bool, len(doc.Chunks))
	for _, c := range doc.Chunks {
		if c.ChunkIndex < 0 || c.ChunkIndex >= len(doc.Chunks) || seen[c.ChunkIndex] {
			return fault.Newf(fault.KindIntegrity,
				"chunk indexes must be contiguous from 0, got duplicate or out-of-range index %d", c.ChunkIndex)
		}
		seen[c.ChunkIndex] = true
	}
	return nil
}

// partitionChunks normalizes each chunk and drops those outside the token
// and quality bounds.
func partitionChunks(doc *Document, opts Options, logger *observability.Logger) (accepted []*storage.Chunk, skipped int) {
	now := time.Now().UTC()
	for _, c := range doc.Chunks {
		cp := *c
		cp.SourceID = doc.Source.ID
		cp.SourceTitle = doc.Source.Title
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.ContentType == "" {
			cp.ContentType = storage.ContentText
		}
		if cp.TokenCount <= 0 {
			cp.TokenCount = (len(cp.Content) + 3) / 4
		}
		if cp.CharCount <= 0 {
			cp.CharCount = len(cp.Content)
		}
		if cp.WordCount <= 0 {
			cp.WordCount = len(strings.Fields(cp.Content))
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}

		if strings.TrimSpace(cp.Content) == "" ||
			cp.TokenCount < opts.MinTokens || cp.TokenCount > opts.MaxTokens ||
			cp.Quality < opts.MinQuality {
			logger.Debug().
				Str("source_id", doc.Source.ID).
				Int("chunk_index", cp.ChunkIndex).
				Int("tokens", cp.TokenCount).
				Float64("quality", cp.Quality).
				Msg("chunk rejected")
			skipped++
			continue
		}
		accepted = append(accepted, &cp)
	}
	return accepted, skipped
}

// contentHash fingerprints the document's chunk contents in index order.
func contentHash(chunks []*storage.Chunk) string {
	h := sha256.New()
	for _, c := range chunks {
		io.WriteString(h, c.Content)
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// embedAndStore embeds accepted chunks in concurrent batches and upserts
// them. The first failing batch cancels the rest.
func (p *Pipeline) embedAndStore(ctx context.Context, chunks []*storage.Chunk, opts Options) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	var mu sync.Mutex
	indexed := 0

	for start := 0; start < len(chunks); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Content
			}
			vectors, err := p.embedder.EmbedBatch(gctx, texts)
			if err != nil {
				return err
			}
			for i, c := range batch {
				c.Embedding = vectors[i]
				if err := p.chunks.Upsert(gctx, c); err != nil {
					return err
				}
			}
			mu.Lock()
			indexed += len(batch)
			count := indexed
			mu.Unlock()
			if opts.OnBatch != nil {
				opts.OnBatch(count)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return indexed, nil
}
