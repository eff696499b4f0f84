package confidence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlens-ai/knowledge-service/internal/analyzer"
	"github.com/fundlens-ai/knowledge-service/internal/citation"
	"github.com/fundlens-ai/knowledge-service/internal/completion"
	"github.com/fundlens-ai/knowledge-service/internal/config"
	"github.com/fundlens-ai/knowledge-service/internal/retrieval"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

func testConfidenceConfig() config.ConfidenceConfig {
	return config.DefaultConfig().Confidence
}

func goodInput() Input {
	chunks := []retrieval.Candidate{
		{Rank: 1, Score: 0.9, Chunk: &storage.Chunk{ID: "c1", SourceID: "s1", SourceTitle: "Fund Creation Guide", Quality: 0.8}},
		{Rank: 2, Score: 0.8, Chunk: &storage.Chunk{ID: "c2", SourceID: "s2", SourceTitle: "Fund Admin Handbook", Quality: 0.8}},
		{Rank: 3, Score: 0.7, Chunk: &storage.Chunk{ID: "c3", SourceID: "s3", SourceTitle: "Compliance Manual", Quality: 0.7}},
	}
	report := citation.Validate("First, file the prospectus (Fund Creation Guide). Then register the fund (Fund Admin Handbook).",
		chunks)
	an := analyzer.New([]string{"fund", "prospectus"}, []string{"a", "the", "do", "i", "how"}).
		Analyze("How do I create a fund?")

	return Input{
		Retrieved:     &retrieval.Result{Strategy: retrieval.StrategyHybrid, Candidates: chunks},
		Citations:     report,
		Analysis:      an,
		ResponseText:  strings.Repeat("First, file the prospectus with the regulator and wait for approval. ", 5),
		FinishReason:  completion.FinishStop,
		Model:         "gpt-4o",
		TokensUsed:    200,
		MaxTokens:     1024,
		KnowledgeBase: true,
	}
}

func TestAssessHighConfidence(t *testing.T) {
	a := NewScorer().Assess(goodInput(), testConfidenceConfig())

	assert.GreaterOrEqual(t, a.Overall, 0.6)
	assert.Contains(t, []Level{LevelMedium, LevelHigh}, a.Level)
	assert.NotContains(t, a.Issues, IssueNoRelevantSources)
	assert.NotContains(t, a.Issues, IssuePoorCitationQuality)
}

func TestAssessScoreBounds(t *testing.T) {
	scorer := NewScorer()
	cfg := testConfidenceConfig()

	inputs := []Input{
		{},
		goodInput(),
		{KnowledgeBase: true, GenerationFailed: true},
		{ResponseText: strings.Repeat("fund ", 100), KnowledgeBase: true},
	}

	for _, in := range inputs {
		a := scorer.Assess(in, cfg)
		for name, v := range map[string]float64{
			"retrieval": a.Retrieval, "content": a.Content,
			"context": a.Context, "generation": a.Generation, "overall": a.Overall,
		} {
			assert.GreaterOrEqual(t, v, 0.0, name)
			assert.LessOrEqual(t, v, 1.0, name)
		}
		for name, v := range a.Metrics {
			assert.False(t, v != v, "metric %s is NaN", name)
		}
	}
}

func TestAssessEmptyInputIsSafe(t *testing.T) {
	// P10: missing sub-structures must not panic or produce NaN.
	a := NewScorer().Assess(Input{}, testConfidenceConfig())
	assert.Equal(t, LevelVeryLow, a.Level)
	assert.Equal(t, 0.0, a.Retrieval)
}

func TestAssessNoRelevantSourcesIssue(t *testing.T) {
	in := Input{KnowledgeBase: true, Analysis: analyzer.Analysis{}}
	a := NewScorer().Assess(in, testConfidenceConfig())
	assert.Contains(t, a.Issues, IssueNoRelevantSources)
}

func TestAssessPoorCitationQuality(t *testing.T) {
	in := goodInput()
	in.Citations = citation.Validate("Per (Unknown Guide, p.7) this is fabricated.", in.Retrieved.Candidates)

	a := NewScorer().Assess(in, testConfidenceConfig())
	assert.Contains(t, a.Issues, IssuePoorCitationQuality)
}

func TestAssessGenerationError(t *testing.T) {
	in := goodInput()
	in.GenerationFailed = true
	in.FinishReason = completion.FinishError
	in.ResponseText = ""

	a := NewScorer().Assess(in, testConfidenceConfig())
	assert.Contains(t, a.Issues, IssueGenerationError)
}

func TestClassifyLevels(t *testing.T) {
	cfg := testConfidenceConfig()
	assert.Equal(t, LevelHigh, classify(0.85, cfg))
	assert.Equal(t, LevelMedium, classify(0.65, cfg))
	assert.Equal(t, LevelLow, classify(0.45, cfg))
	assert.Equal(t, LevelVeryLow, classify(0.1, cfg))
}

func TestCoherenceRepetitionPenalty(t *testing.T) {
	repetitive := strings.Repeat("fund ", 40)
	varied := "First, file the prospectus. Then register with the regulator. Finally, open subscriptions."
	assert.Less(t, coherenceScore(repetitive), coherenceScore(varied))
}

func TestSelectFallbackPriority(t *testing.T) {
	fb := SelectFallback([]Issue{IssueQueryAmbiguity, IssueNoRelevantSources}, "Weather in Tokyo?", "", 0.5)
	require.NotNil(t, fb)
	assert.Equal(t, string(IssueNoRelevantSources), fb.Strategy)
	assert.Contains(t, fb.Message, "couldn't find specific information")
	assert.LessOrEqual(t, fb.Confidence, 0.3)
}

func TestSelectFallbackGenerationError(t *testing.T) {
	fb := SelectFallback([]Issue{IssueGenerationError}, "q", "", 0.9)
	assert.Equal(t, string(IssueGenerationError), fb.Strategy)
	assert.Equal(t, 0.1, fb.Confidence)
}

func TestSelectFallbackCapsConfidence(t *testing.T) {
	fb := SelectFallback([]Issue{IssueLowRetrievalConfidence}, "q", "partial answer", 0.9)
	assert.LessOrEqual(t, fb.Confidence, 0.3)

	fb = SelectFallback([]Issue{IssueLowRetrievalConfidence}, "q", "partial answer", 0.15)
	assert.InDelta(t, 0.15, fb.Confidence, 1e-9)
}

func TestSelectFallbackUnknownIssue(t *testing.T) {
	fb := SelectFallback(nil, "q", "", 0.5)
	assert.Equal(t, "system_error", fb.Strategy)
	assert.Equal(t, 0.1, fb.Confidence)
}
