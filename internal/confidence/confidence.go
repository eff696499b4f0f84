// Package confidence computes a weighted confidence assessment over
// retrieval, content, context, and generation sub-scores, classifies it,
// detects issues, and selects fallback responses when the answer cannot
// stand on its own. All weights and thresholds come from configuration.
package confidence

import (
	"math"
	"strings"

	"github.com/fundlens-ai/knowledge-service/internal/analyzer"
	"github.com/fundlens-ai/knowledge-service/internal/citation"
	"github.com/fundlens-ai/knowledge-service/internal/completion"
	"github.com/fundlens-ai/knowledge-service/internal/config"
	"github.com/fundlens-ai/knowledge-service/internal/retrieval"
)

// Level classifies an overall score.
type Level string

const (
	LevelVeryLow Level = "very_low"
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
)

// Issue tags a detected confidence problem.
type Issue string

const (
	IssueNoRelevantSources      Issue = "no_relevant_sources"
	IssueLowRetrievalConfidence Issue = "low_retrieval_confidence"
	IssuePoorCitationQuality    Issue = "poor_citation_quality"
	IssueQueryAmbiguity         Issue = "query_ambiguity"
	IssueGenerationError        Issue = "generation_error"
)

// Assessment is the scored view of one response.
type Assessment struct {
	Retrieval  float64            `json:"retrieval"`
	Content    float64            `json:"content"`
	Context    float64            `json:"context"`
	Generation float64            `json:"generation"`
	Overall    float64            `json:"overall"`
	Level      Level              `json:"level"`
	Issues     []Issue            `json:"issues,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// Input carries everything the scorer consumes. Every field tolerates its
// zero value; missing sub-structures score low rather than failing.
type Input struct {
	Retrieved        *retrieval.Result
	Citations        *citation.Report
	Analysis         analyzer.Analysis
	ResponseText     string
	HistoryTurns     int
	FinishReason     completion.FinishReason
	Model            string
	TokensUsed       int
	MaxTokens        int
	KnowledgeBase    bool
	GenerationFailed bool
}

// Scorer computes assessments. Stateless; configuration is passed per
// call so each request scores against its captured snapshot.
type Scorer struct{}

// NewScorer creates a Scorer.
func NewScorer() *Scorer { return &Scorer{} }

// Assess computes the four sub-scores, the weighted overall score, the
// qualitative level, and the detected issues.
func (s *Scorer) Assess(in Input, cfg config.ConfidenceConfig) Assessment {
	a := Assessment{Metrics: make(map[string]float64)}

	a.Retrieval = s.retrievalScore(in, a.Metrics)
	a.Content = s.contentScore(in, a.Metrics)
	a.Context = s.contextScore(in, a.Metrics)
	a.Generation = s.generationScore(in, cfg, a.Metrics)

	wsum := cfg.RetrievalWeight + cfg.ContentWeight + cfg.ContextWeight + cfg.GenerationWeight
	if wsum <= 0 {
		wsum = 1
	}
	a.Overall = clamp01((cfg.RetrievalWeight*a.Retrieval +
		cfg.ContentWeight*a.Content +
		cfg.ContextWeight*a.Context +
		cfg.GenerationWeight*a.Generation) / wsum)

	a.Level = classify(a.Overall, cfg)
	a.Issues = s.detectIssues(in, a, cfg)
	return a
}

func classify(overall float64, cfg config.ConfidenceConfig) Level {
	switch {
	case overall >= cfg.HighThreshold:
		return LevelHigh
	case overall >= cfg.MediumThreshold:
		return LevelMedium
	case overall >= cfg.LowThreshold:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// retrievalScore = 0.4·top + 0.3·mean + 0.2·mean-quality + 0.1·diversity.
func (s *Scorer) retrievalScore(in Input, metrics map[string]float64) float64 {
	if in.Retrieved == nil || len(in.Retrieved.Candidates) == 0 {
		return 0
	}
	candidates := in.Retrieved.Candidates

	top := candidates[0].Score
	var sumScore, sumQuality float64
	sources := make(map[string]bool)
	for _, c := range candidates {
		sumScore += c.Score
		sumQuality += c.Chunk.Quality
		sources[c.Chunk.SourceID] = true
	}
	mean := sumScore / float64(len(candidates))
	meanQuality := sumQuality / float64(len(candidates))
	diversity := math.Min(float64(len(sources))/3, 1)

	metrics["top_similarity"] = top
	metrics["mean_similarity"] = mean
	metrics["mean_quality"] = meanQuality
	metrics["source_diversity"] = diversity

	return clamp01(0.4*top + 0.3*mean + 0.2*meanQuality + 0.1*diversity)
}

// contentScore = 0.3·citation-presence + 0.3·citation-accuracy +
// 0.2·completeness + 0.2·coherence.
func (s *Scorer) contentScore(in Input, metrics map[string]float64) float64 {
	var presence, accuracy float64
	if in.Citations != nil {
		expected := 1
		if in.Retrieved != nil && len(in.Retrieved.Candidates) > 0 {
			expected = (len(in.Retrieved.Candidates) + 1) / 2
		}
		presence = math.Min(float64(in.Citations.ValidCount())/float64(expected), 1)
		accuracy = in.Citations.Coverage
	}

	words := len(strings.Fields(in.ResponseText))
	completeness := math.Min(float64(words)/40, 1)
	coherence := coherenceScore(in.ResponseText)

	metrics["citation_presence"] = presence
	metrics["citation_accuracy"] = accuracy
	metrics["response_completeness"] = completeness
	metrics["coherence"] = coherence

	return clamp01(0.3*presence + 0.3*accuracy + 0.2*completeness + 0.2*coherence)
}

// contextScore = 0.4·clarity + 0.3·domain-relevance + 0.2·complexity
// penalty + 0.1·conversation context.
func (s *Scorer) contextScore(in Input, metrics map[string]float64) float64 {
	clarity := queryClarity(in.Analysis)

	relevance := math.Min(float64(len(in.Analysis.Entities)+len(in.Analysis.Keywords))/5, 1)

	var penalty float64
	switch in.Analysis.Complexity {
	case analyzer.ComplexitySimple:
		penalty = 1.0
	case analyzer.ComplexityModerate:
		penalty = 0.8
	case analyzer.ComplexityComplex:
		penalty = 0.5
	default:
		penalty = 0.8
	}

	conversation := 0.5
	if in.HistoryTurns > 0 {
		conversation = 0.8
	}

	metrics["query_clarity"] = clarity
	metrics["domain_relevance"] = relevance
	metrics["complexity_penalty"] = penalty
	metrics["conversation_context"] = conversation

	return clamp01(0.4*clarity + 0.3*relevance + 0.2*penalty + 0.1*conversation)
}

func queryClarity(a analyzer.Analysis) float64 {
	var clarity float64
	if a.IsQuestion {
		clarity += 0.3
	}
	if a.Intent != "" && a.Intent != analyzer.IntentGeneral {
		clarity += 0.2
	}
	if len(a.Entities) > 0 {
		clarity += 0.3
	}
	if a.WordCount >= 4 && a.WordCount <= 20 {
		clarity += 0.2
	}
	return clarity
}

// generationScore = 0.4·model prior + 0.3·finish reason + 0.2·length +
// 0.1·token utilization.
func (s *Scorer) generationScore(in Input, cfg config.ConfidenceConfig, metrics map[string]float64) float64 {
	modelConf := cfg.DefaultModelConfidence
	if modelConf <= 0 {
		modelConf = 0.7
	}
	if v, ok := cfg.ModelConfidence[in.Model]; ok {
		modelConf = v
	}

	var finish float64
	switch in.FinishReason {
	case completion.FinishStop:
		finish = 1.0
	case completion.FinishLength:
		finish = 0.7
	case completion.FinishContentFilter:
		finish = 0.3
	default:
		finish = 0.0
	}
	if in.GenerationFailed {
		finish = 0.0
	}

	words := len(strings.Fields(in.ResponseText))
	length := 0.7
	if words >= 30 && words <= 400 {
		length = 1.0
	}

	// Running near the token ceiling risks truncation.
	utilization := 0.5
	if in.MaxTokens > 0 && in.TokensUsed > 0 {
		ratio := float64(in.TokensUsed) / float64(in.MaxTokens)
		if ratio <= 0.9 {
			utilization = 1.0
		} else {
			utilization = 0.7
		}
	}

	metrics["model_confidence"] = modelConf
	metrics["finish_reason_score"] = finish
	metrics["length_score"] = length
	metrics["token_utilization"] = utilization

	return clamp01(0.4*modelConf + 0.3*finish + 0.2*length + 0.1*utilization)
}

// detectIssues emits typed issues in fallback priority order.
func (s *Scorer) detectIssues(in Input, a Assessment, cfg config.ConfidenceConfig) []Issue {
	var issues []Issue

	if in.KnowledgeBase && (in.Retrieved == nil || len(in.Retrieved.Candidates) == 0) {
		issues = append(issues, IssueNoRelevantSources)
	} else if a.Retrieval < 0.4 && in.KnowledgeBase {
		issues = append(issues, IssueLowRetrievalConfidence)
	}

	if cfg.EnableCitationValidation && in.KnowledgeBase && in.Citations != nil {
		if a.Metrics["citation_accuracy"] < 0.7 || a.Metrics["citation_presence"] < 0.3 {
			issues = append(issues, IssuePoorCitationQuality)
		}
	}

	if a.Metrics["query_clarity"] < 0.4 {
		issues = append(issues, IssueQueryAmbiguity)
	}

	if in.GenerationFailed {
		issues = append(issues, IssueGenerationError)
	}

	return issues
}

// coherenceScore estimates response coherence in [0,1]: multiple
// sentences and discourse markers raise it, extreme token repetition
// lowers it.
func coherenceScore(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	score := 0.5

	sentences := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences > 1 {
		score += 0.2
	}

	lower := strings.ToLower(text)
	for _, marker := range []string{"first", "second", "then", "next", "finally", "therefore", "however", "because"} {
		if strings.Contains(lower, marker) {
			score += 0.2
			break
		}
	}

	tokens := strings.Fields(lower)
	if len(tokens) >= 8 {
		freq := make(map[string]int, len(tokens))
		max := 0
		for _, tok := range tokens {
			freq[tok]++
			if freq[tok] > max {
				max = freq[tok]
			}
		}
		if float64(max) > 0.25*float64(len(tokens)) {
			score -= 0.3
		}
	}

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
