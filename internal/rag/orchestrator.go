// Package rag coordinates one question-answering request end to end:
// analyze, retrieve, assemble, complete, validate citations, score
// confidence, fall back when the answer cannot stand, and persist the
// exchange. Configuration is snapshotted once per request; a concurrent
// snapshot swap never changes behavior mid-request.
package rag

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fundlens-ai/knowledge-service/internal/analyzer"
	"github.com/fundlens-ai/knowledge-service/internal/citation"
	"github.com/fundlens-ai/knowledge-service/internal/completion"
	"github.com/fundlens-ai/knowledge-service/internal/confidence"
	"github.com/fundlens-ai/knowledge-service/internal/config"
	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/metrics"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
	"github.com/fundlens-ai/knowledge-service/internal/prompt"
	"github.com/fundlens-ai/knowledge-service/internal/retrieval"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

// maxMessageChars bounds the accepted question length.
const maxMessageChars = 4000

// maxResultsLimit bounds the per-request retrieval override.
const maxResultsLimit = 50

// Options tunes one request. Zero values defer to the configuration
// snapshot; Temperature is a pointer so an explicit 0 is distinguishable
// from unset.
type Options struct {
	MaxResults  int      `json:"maxResults,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// Request is one chat message to answer.
type Request struct {
	Message          string   `json:"message"`
	SessionID        string   `json:"sessionId,omitempty"`
	UseKnowledgeBase *bool    `json:"useKnowledgeBase,omitempty"` // nil means true
	Options          Options  `json:"options"`
	SourceIDs        []string `json:"sourceIds,omitempty"`
}

// SourceRef is one deduplicated cited or retrieved source.
type SourceRef struct {
	Title string `json:"title"`
	Page  int    `json:"page,omitempty"`
}

// ChunkRef is the trimmed view of one retrieved chunk.
type ChunkRef struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Title string  `json:"title"`
}

// QualityIndicators exposes the confidence sub-scores.
type QualityIndicators struct {
	Retrieval  float64 `json:"retrieval"`
	Content    float64 `json:"content"`
	Context    float64 `json:"context"`
	Generation float64 `json:"generation"`
}

// Metadata carries per-response diagnostics.
type Metadata struct {
	RetrievalStrategy string `json:"retrieval_strategy"`
	Model             string `json:"model,omitempty"`
	TokensUsed        int    `json:"tokens_used,omitempty"`
	FallbackApplied   string `json:"fallback_applied,omitempty"`
	FromCache         bool   `json:"from_cache,omitempty"`
	Intent            string `json:"intent,omitempty"`
}

// Response is the answer payload returned to the API layer.
type Response struct {
	Message           string              `json:"message"`
	MessageID         string              `json:"messageId"`
	SessionID         string              `json:"sessionId"`
	UsedKnowledgeBase bool                `json:"usedKnowledgeBase"`
	Confidence        float64             `json:"confidence"`
	ConfidenceLevel   string              `json:"confidenceLevel"`
	Citations         []citation.Citation `json:"citations,omitempty"`
	Sources           []SourceRef         `json:"sources,omitempty"`
	RetrievedChunks   []ChunkRef          `json:"retrievedChunks,omitempty"`
	QualityIndicators QualityIndicators   `json:"qualityIndicators"`
	ProcessingTimeMs  int64               `json:"processingTimeMs"`
	Metadata          Metadata            `json:"metadata"`
}

// Orchestrator wires the pipeline components together. metrics may be nil.
type Orchestrator struct {
	analyzer      *analyzer.Analyzer
	retriever     *retrieval.Retriever
	assembler     *prompt.Assembler
	completer     completion.Completer
	scorer        *confidence.Scorer
	conversations storage.ConversationStore
	configs       *config.Store
	metrics       *metrics.Metrics
	logger        *observability.Logger
}

// New creates an Orchestrator.
func New(
	an *analyzer.Analyzer,
	retriever *retrieval.Retriever,
	assembler *prompt.Assembler,
	completer completion.Completer,
	conversations storage.ConversationStore,
	configs *config.Store,
	m *metrics.Metrics,
	logger *observability.Logger,
) *Orchestrator {
	return &Orchestrator{
		analyzer:      an,
		retriever:     retriever,
		assembler:     assembler,
		completer:     completer,
		scorer:        confidence.NewScorer(),
		conversations: conversations,
		configs:       configs,
		metrics:       m,
		logger:        logger.WithComponent("rag"),
	}
}

// Answer runs the full pipeline for one request. Errors with kinds
// InvalidQuery, QuotaExceeded, Overloaded, Unauthorized, or Timeout
// propagate to the caller; other completion failures produce a
// generation-error fallback response instead.
func (o *Orchestrator) Answer(ctx context.Context, req *Request) (*Response, error) {
	started := time.Now()

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fault.New(fault.KindInvalidQuery, "message must not be empty")
	}
	if len(req.Message) > maxMessageChars {
		return nil, fault.Newf(fault.KindInvalidQuery, "message exceeds %d characters", maxMessageChars)
	}
	if err := validateOptions(req.Options); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	useKB := req.UseKnowledgeBase == nil || *req.UseKnowledgeBase

	cfg := o.configs.Snapshot()
	analysis := o.analyzer.Analyze(message)

	history, err := o.conversations.History(ctx, sessionID, cfg.Conversation.RetentionTurns)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("history load failed, continuing without it")
		history = nil
	}

	var retrieved *retrieval.Result
	if useKB {
		retrieved, err = o.retrieve(ctx, message, req, cfg)
		if err != nil {
			return nil, err
		}
	}

	resp, err := o.generate(ctx, message, analysis, retrieved, history, req.Options, useKB, cfg)
	if err != nil {
		return nil, err
	}
	resp.SessionID = sessionID
	resp.MessageID = uuid.NewString()
	resp.Metadata.Intent = string(analysis.Intent)

	// A cancelled request persists nothing.
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTimeout, "request cancelled before persistence", err)
	}

	now := time.Now().UTC()
	turnMeta := map[string]string{
		"message_id":       resp.MessageID,
		"confidence_level": resp.ConfidenceLevel,
	}
	if err := o.conversations.AppendTurns(ctx, sessionID,
		storage.Turn{Role: "user", Content: message, Timestamp: now},
		storage.Turn{Role: "assistant", Content: resp.Message, Timestamp: now, Metadata: turnMeta},
	); err != nil {
		o.logger.Error().Err(err).Str("session_id", sessionID).Msg("conversation persist failed")
	}

	resp.ProcessingTimeMs = time.Since(started).Milliseconds()
	o.logger.Info().
		Str("session_id", sessionID).
		Str("strategy", resp.Metadata.RetrievalStrategy).
		Str("confidence_level", resp.ConfidenceLevel).
		Str("fallback", resp.Metadata.FallbackApplied).
		Int64("elapsed_ms", resp.ProcessingTimeMs).
		Msg("answered")

	return resp, nil
}

// validateOptions rejects out-of-range per-request overrides.
func validateOptions(opts Options) error {
	if opts.MaxResults != 0 && (opts.MaxResults < 1 || opts.MaxResults > maxResultsLimit) {
		return fault.Newf(fault.KindInvalidQuery, "options.maxResults must be between 1 and %d", maxResultsLimit)
	}
	if opts.MaxTokens < 0 {
		return fault.New(fault.KindInvalidQuery, "options.maxTokens must be positive")
	}
	if t := opts.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fault.New(fault.KindInvalidQuery, "options.temperature must be between 0 and 2")
	}
	return nil
}

func (o *Orchestrator) retrieve(ctx context.Context, message string, req *Request, cfg *config.Config) (*retrieval.Result, error) {
	maxChunks := cfg.Retrieval.MaxChunks
	if req.Options.MaxResults > 0 {
		maxChunks = req.Options.MaxResults
		if ceiling := cfg.Retrieval.MaxChunksCeiling; ceiling > 0 && maxChunks > ceiling {
			maxChunks = ceiling
		}
	}

	result, err := o.retriever.Retrieve(ctx, message, retrieval.Options{
		MaxChunks:          maxChunks,
		MinQuality:         cfg.Retrieval.MinQuality,
		DiversityThreshold: cfg.Retrieval.DiversityThreshold,
		EnableHybrid:       cfg.Retrieval.EnableHybridSearch,
		VectorWeight:       cfg.Retrieval.VectorWeight,
		LexicalWeight:      cfg.Retrieval.LexicalWeight,
		Filter:             storage.Filter{SourceIDs: req.SourceIDs},
		CacheResults:       cfg.Cache.Enabled,
		CacheTTL:           cfg.Cache.TTL,
	})
	if err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.RetrievalStrategy.WithLabelValues(string(result.Strategy)).Inc()
		o.metrics.RetrievedChunks.Observe(float64(len(result.Candidates)))
		outcome := "miss"
		if result.FromCache {
			outcome = "hit"
		}
		o.metrics.CacheHits.WithLabelValues(outcome).Inc()
	}
	return result, nil
}

// generate runs completion, scoring, and fallback selection.
func (o *Orchestrator) generate(
	ctx context.Context,
	message string,
	analysis analyzer.Analysis,
	retrieved *retrieval.Result,
	history []storage.Turn,
	opts Options,
	useKB bool,
	cfg *config.Config,
) (*Response, error) {
	var candidates []retrieval.Candidate
	if retrieved != nil {
		candidates = retrieved.Candidates
	}

	maxTokens := cfg.Completion.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	temperature := cfg.Completion.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	scoreIn := confidence.Input{
		Retrieved:     retrieved,
		Analysis:      analysis,
		HistoryTurns:  len(history),
		KnowledgeBase: useKB,
		MaxTokens:     maxTokens,
	}

	// No grounding material means no completion call. The fallback answers.
	if useKB && len(candidates) == 0 {
		assessment := o.scorer.Assess(scoreIn, cfg.Confidence)
		return o.fallbackResponse(message, "", retrieved, assessment, useKB, cfg), nil
	}

	assembled := o.assembler.Build(prompt.Input{
		Query:           message,
		Chunks:          candidates,
		History:         history,
		MaxPromptTokens: cfg.Prompt.MaxPromptTokens,
		HistoryTurns:    cfg.Prompt.HistoryTurns,
	})

	result, err := o.completer.Complete(ctx, &completion.Request{
		Messages:    assembled.Messages,
		Model:       opts.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		switch fault.KindOf(err) {
		case fault.KindQuotaExceeded, fault.KindOverloaded, fault.KindUnauthorized, fault.KindTimeout:
			return nil, err
		}
		o.logger.Warn().Err(err).Msg("generation failed, serving fallback")
		scoreIn.GenerationFailed = true
		scoreIn.FinishReason = completion.FinishError
		assessment := o.scorer.Assess(scoreIn, cfg.Confidence)
		return o.fallbackResponse(message, "", retrieved, assessment, useKB, cfg), nil
	}

	var report *citation.Report
	if useKB && cfg.Confidence.EnableCitationValidation {
		report = citation.Validate(result.Text, candidates)
	}

	scoreIn.Citations = report
	scoreIn.ResponseText = result.Text
	scoreIn.FinishReason = result.FinishReason
	scoreIn.Model = result.Model
	scoreIn.TokensUsed = result.TokensUsed
	assessment := o.scorer.Assess(scoreIn, cfg.Confidence)

	// An answer below the minimum threshold never ships as-is, even when
	// no specific issue was tagged.
	if assessment.Overall < cfg.Confidence.MinimumThreshold {
		resp := o.fallbackResponse(message, result.Text, retrieved, assessment, useKB, cfg)
		resp.Metadata.Model = result.Model
		resp.Metadata.TokensUsed = result.TokensUsed
		return resp, nil
	}

	resp := o.baseResponse(retrieved, assessment, useKB)
	resp.Message = result.Text
	resp.Metadata.Model = result.Model
	resp.Metadata.TokensUsed = result.TokensUsed
	if report != nil {
		resp.Citations = report.All()
		resp.Sources = citedSources(report, candidates)
	}
	return resp, nil
}

// fallbackResponse builds a response around the selected fallback message.
func (o *Orchestrator) fallbackResponse(
	message, generated string,
	retrieved *retrieval.Result,
	assessment confidence.Assessment,
	useKB bool,
	cfg *config.Config,
) *Response {
	fb := confidence.SelectFallback(assessment.Issues, message, generated, assessment.Overall)
	if o.metrics != nil {
		o.metrics.FallbacksTotal.WithLabelValues(fb.Strategy).Inc()
	}

	resp := o.baseResponse(retrieved, assessment, useKB)
	resp.Message = fb.Message
	resp.Confidence = fb.Confidence
	resp.ConfidenceLevel = string(levelFor(fb.Confidence, cfg.Confidence))
	resp.Metadata.FallbackApplied = fb.Strategy
	return resp
}

func (o *Orchestrator) baseResponse(retrieved *retrieval.Result, assessment confidence.Assessment, useKB bool) *Response {
	resp := &Response{
		UsedKnowledgeBase: useKB,
		Confidence:        assessment.Overall,
		ConfidenceLevel:   string(assessment.Level),
		QualityIndicators: QualityIndicators{
			Retrieval:  assessment.Retrieval,
			Content:    assessment.Content,
			Context:    assessment.Context,
			Generation: assessment.Generation,
		},
		Metadata: Metadata{RetrievalStrategy: string(retrieval.StrategyNone)},
	}
	if retrieved != nil {
		resp.Metadata.RetrievalStrategy = string(retrieved.Strategy)
		resp.Metadata.FromCache = retrieved.FromCache
		for _, c := range retrieved.Candidates {
			resp.RetrievedChunks = append(resp.RetrievedChunks, ChunkRef{
				ID:    c.Chunk.ID,
				Score: c.Score,
				Title: c.Chunk.SourceTitle,
			})
		}
	}
	return resp
}

// citedSources deduplicates validated citations by (title, page), ordered
// by the rank of the best chunk backing each.
func citedSources(report *citation.Report, candidates []retrieval.Candidate) []SourceRef {
	rankByChunk := make(map[string]int, len(candidates))
	for _, c := range candidates {
		rankByChunk[c.Chunk.ID] = c.Rank
	}

	type entry struct {
		ref  SourceRef
		rank int
	}
	seen := make(map[SourceRef]int)
	var entries []entry
	for _, cit := range report.Valid {
		ref := SourceRef{Title: cit.Source, Page: cit.Page}
		rank := rankByChunk[cit.ChunkID]
		if i, ok := seen[ref]; ok {
			if rank > 0 && (entries[i].rank == 0 || rank < entries[i].rank) {
				entries[i].rank = rank
			}
			continue
		}
		seen[ref] = len(entries)
		entries = append(entries, entry{ref: ref, rank: rank})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return rankLess(entries[i].rank, entries[j].rank)
	})

	refs := make([]SourceRef, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, e.ref)
	}
	return refs
}

// rankLess orders ranks ascending with 0 (unresolved) last.
func rankLess(a, b int) bool {
	if a == 0 {
		return false
	}
	if b == 0 {
		return true
	}
	return a < b
}

func levelFor(overall float64, cfg config.ConfidenceConfig) confidence.Level {
	switch {
	case overall >= cfg.HighThreshold:
		return confidence.LevelHigh
	case overall >= cfg.MediumThreshold:
		return confidence.LevelMedium
	case overall >= cfg.LowThreshold:
		return confidence.LevelLow
	default:
		return confidence.LevelVeryLow
	}
}
