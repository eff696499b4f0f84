package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
)

// SQLite implements the stores over a local database file. It carries no
// vector index: SearchVector reports fault.KindNoIndex and callers degrade
// to lexical search. Intended for development and the CLI.
type SQLite struct {
	db     *sql.DB
	logger *observability.Logger
}

// SQLiteOptions configures a SQLite store.
type SQLiteOptions struct {
	Path        string
	JournalMode string
}

// NewSQLite opens the database file and applies the schema.
func NewSQLite(ctx context.Context, opts SQLiteOptions, logger *observability.Logger) (*SQLite, error) {
	mode := opts.JournalMode
	if mode == "" {
		mode = "WAL"
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=5000&_foreign_keys=on", opts.Path, mode)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnectionLost, "open sqlite", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, logger: logger.WithComponent("sqlite")}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			title TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '1',
			content_hash TEXT NOT NULL,
			document_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			heading TEXT NOT NULL DEFAULT '',
			subheading TEXT NOT NULL DEFAULT '',
			page_number INTEGER NOT NULL DEFAULT 0,
			section_path TEXT NOT NULL DEFAULT '[]',
			content TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text',
			token_count INTEGER NOT NULL DEFAULT 0,
			char_count INTEGER NOT NULL DEFAULT 0,
			word_count INTEGER NOT NULL DEFAULT 0,
			quality_score REAL NOT NULL DEFAULT 0,
			embedding TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS chunks_source_idx ON chunks (source_id, chunk_index);
		CREATE TABLE IF NOT EXISTS conversation_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS conversation_session_idx ON conversation_turns (session_id, id);
		CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			rating INTEGER NOT NULL,
			feedback_text TEXT NOT NULL DEFAULT '',
			categories TEXT NOT NULL DEFAULT '[]',
			quality_score REAL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (session_id, message_id)
		);`)
	return fault.Wrap(fault.KindInternal, "apply sqlite schema", err)
}

func (s *SQLite) Ping(ctx context.Context) error {
	return fault.Wrap(fault.KindConnectionLost, "ping", s.db.PingContext(ctx))
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Upsert(ctx context.Context, chunk *Chunk) error {
	section, err := json.Marshal(chunk.SectionPath)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "marshal section path", err)
	}
	meta, err := json.Marshal(orEmpty(chunk.Metadata))
	if err != nil {
		return fault.Wrap(fault.KindInternal, "marshal metadata", err)
	}
	var embedding interface{}
	if len(chunk.Embedding) > 0 {
		raw, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "marshal embedding", err)
		}
		embedding = string(raw)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunks (
			id, source_id, chunk_index, heading, subheading, page_number,
			section_path, content, content_type, token_count, char_count,
			word_count, quality_score, embedding, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source_id = excluded.source_id,
			chunk_index = excluded.chunk_index,
			heading = excluded.heading,
			subheading = excluded.subheading,
			page_number = excluded.page_number,
			section_path = excluded.section_path,
			content = excluded.content,
			content_type = excluded.content_type,
			token_count = excluded.token_count,
			char_count = excluded.char_count,
			word_count = excluded.word_count,
			quality_score = excluded.quality_score,
			embedding = excluded.embedding,
			metadata = excluded.metadata`,
		chunk.ID, chunk.SourceID, chunk.ChunkIndex, chunk.Heading, chunk.Subheading,
		chunk.PageNumber, string(section), chunk.Content, string(chunk.ContentType),
		chunk.TokenCount, chunk.CharCount, chunk.WordCount, chunk.Quality,
		embedding, string(meta))
	if err != nil && strings.Contains(err.Error(), "constraint") {
		return fault.Wrap(fault.KindIntegrity, "upsert chunk", err)
	}
	return fault.Wrap(fault.KindInternal, "upsert chunk", err)
}

func (s *SQLite) DeleteBySource(ctx context.Context, sourceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, sourceID); err != nil {
		return fault.Wrap(fault.KindInternal, "delete chunks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, sourceID); err != nil {
		return fault.Wrap(fault.KindInternal, "delete source", err)
	}
	return fault.Wrap(fault.KindInternal, "commit", tx.Commit())
}

// SearchVector always fails: SQLite carries no vector index.
func (s *SQLite) SearchVector(_ context.Context, _ []float32, _ int, _ Filter) ([]ScoredChunk, error) {
	return nil, fault.New(fault.KindNoIndex, "sqlite store has no vector index")
}

// SearchLexical scores completed-source chunks by term frequency with
// length normalization and rescales by the maximum score.
func (s *SQLite) SearchLexical(ctx context.Context, queryText string, k int, filter Filter) ([]ScoredChunk, error) {
	terms := lexTokens(queryText)
	if len(terms) == 0 {
		return nil, nil
	}

	chunks, err := s.loadRetrievable(ctx, filter)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		score := lexicalScore(terms, chunk.Content)
		if score > 0 {
			scored = append(scored, ScoredChunk{Chunk: chunk, Similarity: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if scored[i].Chunk.Quality != scored[j].Chunk.Quality {
			return scored[i].Chunk.Quality > scored[j].Chunk.Quality
		}
		return scored[i].Chunk.ChunkIndex < scored[j].Chunk.ChunkIndex
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	rescaleByMax(scored)
	return scored, nil
}

// lexicalScore is a TF score with sub-linear term frequency and document
// length normalization. Monotonic in relevance, which is all callers need.
func lexicalScore(terms []string, content string) float64 {
	docTokens := lexTokens(content)
	if len(docTokens) == 0 {
		return 0
	}
	freq := make(map[string]int, len(docTokens))
	for _, tok := range docTokens {
		freq[tok]++
	}
	var score float64
	for _, term := range terms {
		if n := freq[term]; n > 0 {
			score += 1 + math.Log(float64(n))
		}
	}
	if score == 0 {
		return 0
	}
	return score / (1 + math.Log(float64(len(docTokens))))
}

func lexTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func (s *SQLite) loadRetrievable(ctx context.Context, filter Filter) ([]*Chunk, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT c.id, c.source_id, s.title, c.chunk_index, c.heading, c.subheading,
			c.page_number, c.section_path, c.content, c.content_type,
			c.token_count, c.char_count, c.word_count, c.quality_score,
			c.embedding, c.metadata, c.created_at
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE s.status = 'completed'`)
	var args []interface{}

	if len(filter.SourceIDs) > 0 {
		sb.WriteString(" AND c.source_id IN (" + placeholders(len(filter.SourceIDs)) + ")")
		for _, id := range filter.SourceIDs {
			args = append(args, id)
		}
	}
	if len(filter.ContentTypes) > 0 {
		sb.WriteString(" AND c.content_type IN (" + placeholders(len(filter.ContentTypes)) + ")")
		for _, t := range filter.ContentTypes {
			args = append(args, string(t))
		}
	}
	if filter.MinQuality > 0 {
		sb.WriteString(" AND c.quality_score >= ?")
		args = append(args, filter.MinQuality)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "load chunks", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		chunk, err := scanSQLiteChunk(rows)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "scan chunk", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, fault.Wrap(fault.KindInternal, "iterate chunks", rows.Err())
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanSQLiteChunk(rows *sql.Rows) (*Chunk, error) {
	var (
		chunk     Chunk
		section   string
		embedding sql.NullString
		meta      string
	)
	err := rows.Scan(
		&chunk.ID, &chunk.SourceID, &chunk.SourceTitle, &chunk.ChunkIndex,
		&chunk.Heading, &chunk.Subheading, &chunk.PageNumber, &section,
		&chunk.Content, &chunk.ContentType, &chunk.TokenCount, &chunk.CharCount,
		&chunk.WordCount, &chunk.Quality, &embedding, &meta, &chunk.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(section), &chunk.SectionPath)
	_ = json.Unmarshal([]byte(meta), &chunk.Metadata)
	if embedding.Valid && embedding.String != "" {
		_ = json.Unmarshal([]byte(embedding.String), &chunk.Embedding)
	}
	return &chunk, nil
}

func (s *SQLite) GetByIDs(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.source_id, s.title, c.chunk_index, c.heading, c.subheading,
			c.page_number, c.section_path, c.content, c.content_type,
			c.token_count, c.char_count, c.word_count, c.quality_score,
			c.embedding, c.metadata, c.created_at
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE c.id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "get chunks", err)
	}
	defer rows.Close()

	byID := make(map[string]*Chunk, len(ids))
	for rows.Next() {
		chunk, err := scanSQLiteChunk(rows)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "scan chunk", err)
		}
		byID[chunk.ID] = chunk
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "iterate chunks", err)
	}

	out := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *SQLite) UpsertSource(ctx context.Context, source *Source) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, filename, title, author, version, content_hash, document_type, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			filename = excluded.filename,
			title = excluded.title,
			author = excluded.author,
			version = excluded.version,
			content_hash = excluded.content_hash,
			document_type = excluded.document_type,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		source.ID, source.Filename, source.Title, source.Author,
		source.Version, source.ContentHash, source.DocumentType, string(source.Status))
	return fault.Wrap(fault.KindInternal, "upsert source", err)
}

func (s *SQLite) GetSource(ctx context.Context, id string) (*Source, error) {
	var src Source
	err := s.db.QueryRowContext(ctx, `
		SELECT id, filename, title, author, version, content_hash, document_type, status, created_at, updated_at
		FROM sources WHERE id = ?`, id).
		Scan(&src.ID, &src.Filename, &src.Title, &src.Author, &src.Version,
			&src.ContentHash, &src.DocumentType, &src.Status, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "get source", err)
	}
	return &src, nil
}

func (s *SQLite) SetSourceStatus(ctx context.Context, id string, status ProcessingStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
	return fault.Wrap(fault.KindInternal, "set source status", err)
}

func (s *SQLite) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, title, author, version, content_hash, document_type, status, created_at, updated_at
		FROM sources ORDER BY title`)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "list sources", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.Filename, &src.Title, &src.Author, &src.Version,
			&src.ContentHash, &src.DocumentType, &src.Status, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, fault.Wrap(fault.KindInternal, "scan source", err)
		}
		sources = append(sources, &src)
	}
	return sources, fault.Wrap(fault.KindInternal, "iterate sources", rows.Err())
}

func (s *SQLite) AppendTurns(ctx context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, turn := range turns {
		meta, err := json.Marshal(orEmpty(turn.Metadata))
		if err != nil {
			return fault.Wrap(fault.KindInternal, "marshal metadata", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_turns (session_id, role, content, metadata)
			VALUES (?, ?, ?, ?)`, sessionID, turn.Role, turn.Content, string(meta)); err != nil {
			return fault.Wrap(fault.KindInternal, "append turn", err)
		}
	}
	return fault.Wrap(fault.KindInternal, "commit", tx.Commit())
}

func (s *SQLite) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, metadata, created_at FROM (
			SELECT id, role, content, metadata, created_at
			FROM conversation_turns
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "history", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var turn Turn
		var meta string
		if err := rows.Scan(&turn.Role, &turn.Content, &meta, &turn.Timestamp); err != nil {
			return nil, fault.Wrap(fault.KindInternal, "scan turn", err)
		}
		_ = json.Unmarshal([]byte(meta), &turn.Metadata)
		turns = append(turns, turn)
	}
	return turns, fault.Wrap(fault.KindInternal, "iterate turns", rows.Err())
}

func (s *SQLite) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_turns WHERE session_id = ?`, sessionID)
	return fault.Wrap(fault.KindInternal, "clear session", err)
}

func (s *SQLite) InsertFeedback(ctx context.Context, fb *Feedback) (string, error) {
	id := fb.ID
	if id == "" {
		id = uuid.NewString()
	}
	categories, err := json.Marshal(fb.Categories)
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, "marshal categories", err)
	}
	var quality interface{}
	if fb.QualityScore > 0 {
		quality = fb.QualityScore
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, session_id, message_id, rating, feedback_text, categories, quality_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, fb.SessionID, fb.MessageID, fb.Rating, fb.FeedbackText, string(categories), quality)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", fault.Wrap(fault.KindIntegrity, "duplicate feedback", err)
		}
		return "", fault.Wrap(fault.KindInternal, "insert feedback", err)
	}
	return id, nil
}

var _ ChunkStore = (*SQLite)(nil)
var _ SourceStore = (*SQLite)(nil)
var _ ConversationStore = (*SQLite)(nil)
var _ FeedbackStore = (*SQLite)(nil)
