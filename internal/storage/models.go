// Package storage defines the persistent data model and the stores backing
// retrieval, conversations, and feedback. Three ChunkStore implementations
// exist: Postgres (pgvector + full-text), SQLite (lexical only), and an
// in-process memory store used by tests.
package storage

import (
	"time"
)

// ProcessingStatus tracks a source document through ingestion.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// ContentType classifies what a chunk contains.
type ContentType string

const (
	ContentText      ContentType = "text"
	ContentTable     ContentType = "table"
	ContentList      ContentType = "list"
	ContentCode      ContentType = "code"
	ContentDefinition ContentType = "definition"
	ContentProcedure ContentType = "procedure"
)

// Source is a logical document. Only sources with StatusCompleted
// contribute to retrieval.
type Source struct {
	ID          string           `json:"id"`
	Filename    string           `json:"filename"`
	Title       string           `json:"title"`
	Author      string           `json:"author,omitempty"`
	Version     string           `json:"version"`
	ContentHash string           `json:"content_hash"`
	DocumentType string          `json:"document_type"`
	Status      ProcessingStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Chunk is an indexed passage, the unit of retrieval. Immutable after
// creation; removed only by source deletion.
type Chunk struct {
	ID          string            `json:"id"`
	SourceID    string            `json:"source_id"`
	SourceTitle string            `json:"source_title,omitempty"` // populated on read
	ChunkIndex  int               `json:"chunk_index"`
	Heading     string            `json:"heading,omitempty"`
	Subheading  string            `json:"subheading,omitempty"`
	PageNumber  int               `json:"page_number,omitempty"`
	SectionPath []string          `json:"section_path,omitempty"`
	Content     string            `json:"content"`
	ContentType ContentType       `json:"content_type"`
	TokenCount  int               `json:"token_count"`
	CharCount   int               `json:"char_count"`
	WordCount   int               `json:"word_count"`
	Quality     float64           `json:"quality_score"`
	Embedding   []float32         `json:"embedding,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Turn is one conversation message.
type Turn struct {
	Role      string            `json:"role"` // user or assistant
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Feedback is a user rating of an assistant message. One per
// (session, message) pair.
type Feedback struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	MessageID    string    `json:"message_id"`
	Rating       int       `json:"rating"` // -1 or 1
	FeedbackText string    `json:"feedback_text,omitempty"`
	Categories   []string  `json:"categories,omitempty"`
	QualityScore float64   `json:"quality_score,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
