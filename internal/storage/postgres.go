package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
)

//go:embed schema.sql
var schemaSQL string

// PostgresOptions configures a Postgres store.
type PostgresOptions struct {
	DSN             string
	Dimension       int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

// Postgres implements ChunkStore, SourceStore, ConversationStore and
// FeedbackStore over a single connection pool. Vector search uses pgvector
// cosine distance; lexical search uses tsvector ranking.
type Postgres struct {
	db     *sql.DB
	opts   PostgresOptions
	logger *observability.Logger
}

// NewPostgres opens the pool and verifies connectivity.
func NewPostgres(ctx context.Context, opts PostgresOptions, logger *observability.Logger) (*Postgres, error) {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}

	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnectionLost, "open postgres", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fault.Wrap(fault.KindConnectionLost, "ping postgres", err)
	}

	return &Postgres{db: db, opts: opts, logger: logger.WithComponent("postgres")}, nil
}

// EnsureSchema applies the embedded schema. Idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	return fault.Wrap(fault.KindInternal, "apply schema", err)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return fault.Wrap(fault.KindConnectionLost, "ping", p.db.PingContext(ctx))
}

func (p *Postgres) Close() error { return p.db.Close() }

// classify maps a database error to a fault kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, "query deadline", err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fault.Wrap(fault.KindConnectionLost, "bad connection", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Wrap(fault.KindConnectionLost, "network", err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return fault.Wrap(fault.KindIntegrity, "constraint violation", err)
		case "08": // connection exception
			return fault.Wrap(fault.KindConnectionLost, "connection exception", err)
		}
	}
	return fault.Wrap(fault.KindInternal, "query", err)
}

// withRetry runs fn, retrying on connection loss with exponential backoff.
func (p *Postgres) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := p.opts.RetryBackoff
	var err error
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
		err = classify(fn(callCtx))
		cancel()
		if err == nil || !fault.Is(err, fault.KindConnectionLost) {
			return err
		}
		p.logger.Warn().Str("op", op).Int("attempt", attempt+1).Err(err).Msg("retrying after connection loss")
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindTimeout, op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// Upsert writes or replaces a chunk. Rejects embeddings whose dimension
// differs from the configured one.
func (p *Postgres) Upsert(ctx context.Context, chunk *Chunk) error {
	if len(chunk.Embedding) > 0 && len(chunk.Embedding) != p.opts.Dimension {
		return fault.Newf(fault.KindDimensionMismatch,
			"chunk %s embedding has %d dimensions, want %d", chunk.ID, len(chunk.Embedding), p.opts.Dimension)
	}

	meta, err := json.Marshal(orEmpty(chunk.Metadata))
	if err != nil {
		return fault.Wrap(fault.KindInternal, "marshal metadata", err)
	}

	var embedding interface{}
	if len(chunk.Embedding) > 0 {
		embedding = pgvector.NewVector(chunk.Embedding)
	}

	var page interface{}
	if chunk.PageNumber > 0 {
		page = chunk.PageNumber
	}

	return p.withRetry(ctx, "upsert chunk", func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO chunks (
				id, source_id, chunk_index, heading, subheading, page_number,
				section_path, content, content_type, token_count, char_count,
				word_count, quality_score, embedding, lexical, metadata
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				to_tsvector('english', $8), $15
			)
			ON CONFLICT (id) DO UPDATE SET
				source_id = EXCLUDED.source_id,
				chunk_index = EXCLUDED.chunk_index,
				heading = EXCLUDED.heading,
				subheading = EXCLUDED.subheading,
				page_number = EXCLUDED.page_number,
				section_path = EXCLUDED.section_path,
				content = EXCLUDED.content,
				content_type = EXCLUDED.content_type,
				token_count = EXCLUDED.token_count,
				char_count = EXCLUDED.char_count,
				word_count = EXCLUDED.word_count,
				quality_score = EXCLUDED.quality_score,
				embedding = EXCLUDED.embedding,
				lexical = EXCLUDED.lexical,
				metadata = EXCLUDED.metadata`,
			chunk.ID, chunk.SourceID, chunk.ChunkIndex, chunk.Heading, chunk.Subheading,
			page, pq.Array(chunk.SectionPath), chunk.Content, string(chunk.ContentType),
			chunk.TokenCount, chunk.CharCount, chunk.WordCount, chunk.Quality,
			embedding, meta)
		return err
	})
}

// DeleteBySource removes a source and its chunks in one transaction.
func (p *Postgres) DeleteBySource(ctx context.Context, sourceID string) error {
	return p.withRetry(ctx, "delete source", func(ctx context.Context) error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		// chunks cascade via FK
		if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, sourceID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

const chunkColumns = `
	c.id, c.source_id, s.title, c.chunk_index, c.heading, c.subheading,
	COALESCE(c.page_number, 0), c.section_path, c.content, c.content_type,
	c.token_count, c.char_count, c.word_count, c.quality_score, c.embedding,
	c.metadata, c.created_at`

// SearchVector returns the top-k chunks by cosine similarity, normalized
// to [0,1]. Only chunks from completed sources participate.
func (p *Postgres) SearchVector(ctx context.Context, queryVec []float32, k int, filter Filter) ([]ScoredChunk, error) {
	if len(queryVec) != p.opts.Dimension {
		return nil, fault.Newf(fault.KindDimensionMismatch,
			"query vector has %d dimensions, want %d", len(queryVec), p.opts.Dimension)
	}

	where, args := buildFilter(filter, 2)
	query := fmt.Sprintf(`
		SELECT %s, 1 - (c.embedding <=> $1) AS similarity
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE s.status = 'completed' AND c.embedding IS NOT NULL %s
		ORDER BY c.embedding <=> $1
		LIMIT %d`, chunkColumns, where, k)

	args = append([]interface{}{pgvector.NewVector(queryVec)}, args...)

	var results []ScoredChunk
	err := p.withRetry(ctx, "vector search", func(ctx context.Context) error {
		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		results = results[:0]
		for rows.Next() {
			chunk, sim, err := scanScoredChunk(rows)
			if err != nil {
				return err
			}
			results = append(results, ScoredChunk{Chunk: chunk, Similarity: NormalizeSimilarity(sim)})
		}
		return rows.Err()
	})
	return results, err
}

// SearchLexical returns the top-k chunks by full-text rank, rescaled to
// [0,1] by the maximum rank in the result set.
func (p *Postgres) SearchLexical(ctx context.Context, queryText string, k int, filter Filter) ([]ScoredChunk, error) {
	where, args := buildFilter(filter, 2)
	query := fmt.Sprintf(`
		SELECT %s, ts_rank_cd(c.lexical, plainto_tsquery('english', $1)) AS rank
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE s.status = 'completed'
		  AND c.lexical @@ plainto_tsquery('english', $1) %s
		ORDER BY rank DESC
		LIMIT %d`, chunkColumns, where, k)

	args = append([]interface{}{queryText}, args...)

	var results []ScoredChunk
	err := p.withRetry(ctx, "lexical search", func(ctx context.Context) error {
		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		results = results[:0]
		for rows.Next() {
			chunk, rank, err := scanScoredChunk(rows)
			if err != nil {
				return err
			}
			results = append(results, ScoredChunk{Chunk: chunk, Similarity: rank})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	rescaleByMax(results)
	return results, nil
}

// rescaleByMax divides every score by the maximum in the set.
func rescaleByMax(results []ScoredChunk) {
	var max float64
	for _, r := range results {
		if r.Similarity > max {
			max = r.Similarity
		}
	}
	if max <= 0 {
		for i := range results {
			results[i].Similarity = 0
		}
		return
	}
	for i := range results {
		results[i].Similarity /= max
	}
}

// GetByIDs fetches chunks preserving the input order. Unknown ids are
// skipped.
func (p *Postgres) GetByIDs(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s, 0.0
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE c.id = ANY($1)`, chunkColumns)

	byID := make(map[string]*Chunk, len(ids))
	err := p.withRetry(ctx, "get chunks", func(ctx context.Context) error {
		rows, err := p.db.QueryContext(ctx, query, pq.Array(ids))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			chunk, _, err := scanScoredChunk(rows)
			if err != nil {
				return err
			}
			byID[chunk.ID] = chunk
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// buildFilter renders the optional filter conditions starting at the given
// placeholder index.
func buildFilter(filter Filter, startIdx int) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}
	idx := startIdx

	if len(filter.SourceIDs) > 0 {
		fmt.Fprintf(&sb, " AND c.source_id = ANY($%d)", idx)
		args = append(args, pq.Array(filter.SourceIDs))
		idx++
	}
	if len(filter.ContentTypes) > 0 {
		types := make([]string, len(filter.ContentTypes))
		for i, t := range filter.ContentTypes {
			types[i] = string(t)
		}
		fmt.Fprintf(&sb, " AND c.content_type = ANY($%d)", idx)
		args = append(args, pq.Array(types))
		idx++
	}
	if filter.MinQuality > 0 {
		fmt.Fprintf(&sb, " AND c.quality_score >= $%d", idx)
		args = append(args, filter.MinQuality)
	}
	return sb.String(), args
}

func scanScoredChunk(rows *sql.Rows) (*Chunk, float64, error) {
	var (
		chunk     Chunk
		embedding pgvector.Vector
		meta      []byte
		score     float64
	)
	err := rows.Scan(
		&chunk.ID, &chunk.SourceID, &chunk.SourceTitle, &chunk.ChunkIndex,
		&chunk.Heading, &chunk.Subheading, &chunk.PageNumber,
		pq.Array(&chunk.SectionPath), &chunk.Content, &chunk.ContentType,
		&chunk.TokenCount, &chunk.CharCount, &chunk.WordCount, &chunk.Quality,
		&embedding, &meta, &chunk.CreatedAt, &score)
	if err != nil {
		return nil, 0, err
	}
	chunk.Embedding = embedding.Slice()
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &chunk.Metadata)
	}
	return &chunk, score, nil
}

// UpsertSource writes or replaces a source record.
func (p *Postgres) UpsertSource(ctx context.Context, source *Source) error {
	return p.withRetry(ctx, "upsert source", func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO sources (id, filename, title, author, version, content_hash, document_type, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				filename = EXCLUDED.filename,
				title = EXCLUDED.title,
				author = EXCLUDED.author,
				version = EXCLUDED.version,
				content_hash = EXCLUDED.content_hash,
				document_type = EXCLUDED.document_type,
				status = EXCLUDED.status,
				updated_at = now()`,
			source.ID, source.Filename, source.Title, source.Author,
			source.Version, source.ContentHash, source.DocumentType, string(source.Status))
		return err
	})
}

// GetSource fetches a source by id.
func (p *Postgres) GetSource(ctx context.Context, id string) (*Source, error) {
	var src Source
	err := p.withRetry(ctx, "get source", func(ctx context.Context) error {
		row := p.db.QueryRowContext(ctx, `
			SELECT id, filename, title, author, version, content_hash, document_type, status, created_at, updated_at
			FROM sources WHERE id = $1`, id)
		return row.Scan(&src.ID, &src.Filename, &src.Title, &src.Author, &src.Version,
			&src.ContentHash, &src.DocumentType, &src.Status, &src.CreatedAt, &src.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no rows") {
			return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &src, nil
}

// SetSourceStatus transitions a source's processing status.
func (p *Postgres) SetSourceStatus(ctx context.Context, id string, status ProcessingStatus) error {
	return p.withRetry(ctx, "set source status", func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx,
			`UPDATE sources SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
		return err
	})
}

// ListSources returns all sources ordered by title.
func (p *Postgres) ListSources(ctx context.Context) ([]*Source, error) {
	var sources []*Source
	err := p.withRetry(ctx, "list sources", func(ctx context.Context) error {
		rows, err := p.db.QueryContext(ctx, `
			SELECT id, filename, title, author, version, content_hash, document_type, status, created_at, updated_at
			FROM sources ORDER BY title`)
		if err != nil {
			return err
		}
		defer rows.Close()

		sources = sources[:0]
		for rows.Next() {
			var src Source
			if err := rows.Scan(&src.ID, &src.Filename, &src.Title, &src.Author, &src.Version,
				&src.ContentHash, &src.DocumentType, &src.Status, &src.CreatedAt, &src.UpdatedAt); err != nil {
				return err
			}
			sources = append(sources, &src)
		}
		return rows.Err()
	})
	return sources, err
}

// AppendTurns appends turns for a session in one transaction and trims the
// log to the retention window.
func (p *Postgres) AppendTurns(ctx context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return p.withRetry(ctx, "append turns", func(ctx context.Context) error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, turn := range turns {
			meta, err := json.Marshal(orEmpty(turn.Metadata))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_turns (session_id, role, content, metadata)
				VALUES ($1, $2, $3, $4)`,
				sessionID, turn.Role, turn.Content, meta); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// History returns the most recent limit turns for a session, oldest first.
func (p *Postgres) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	var turns []Turn
	err := p.withRetry(ctx, "history", func(ctx context.Context) error {
		rows, err := p.db.QueryContext(ctx, `
			SELECT role, content, metadata, created_at FROM (
				SELECT id, role, content, metadata, created_at
				FROM conversation_turns
				WHERE session_id = $1
				ORDER BY id DESC
				LIMIT $2
			) recent ORDER BY id ASC`, sessionID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		turns = turns[:0]
		for rows.Next() {
			var turn Turn
			var meta []byte
			if err := rows.Scan(&turn.Role, &turn.Content, &meta, &turn.Timestamp); err != nil {
				return err
			}
			if len(meta) > 0 {
				_ = json.Unmarshal(meta, &turn.Metadata)
			}
			turns = append(turns, turn)
		}
		return rows.Err()
	})
	return turns, err
}

// Clear deletes a session's turn log.
func (p *Postgres) Clear(ctx context.Context, sessionID string) error {
	return p.withRetry(ctx, "clear session", func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx,
			`DELETE FROM conversation_turns WHERE session_id = $1`, sessionID)
		return err
	})
}

// InsertFeedback records message feedback. A duplicate (session, message)
// pair reports an integrity error.
func (p *Postgres) InsertFeedback(ctx context.Context, fb *Feedback) (string, error) {
	id := fb.ID
	if id == "" {
		id = uuid.NewString()
	}
	var quality interface{}
	if fb.QualityScore > 0 {
		quality = fb.QualityScore
	}
	err := p.withRetry(ctx, "insert feedback", func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO feedback (id, session_id, message_id, rating, feedback_text, categories, quality_score)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, fb.SessionID, fb.MessageID, fb.Rating, fb.FeedbackText,
			pq.Array(fb.Categories), quality)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
