package confidence

import (
	"fmt"
	"math"
)

// Fallback is a canned response used when the generated answer cannot be
// served with enough confidence. Producing one never calls the completion
// endpoint again.
type Fallback struct {
	Message     string   `json:"message"`
	Strategy    string   `json:"strategy"`
	Confidence  float64  `json:"confidence"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// fallbackPriority fixes which issue wins when several are present.
var fallbackPriority = []Issue{
	IssueNoRelevantSources,
	IssueLowRetrievalConfidence,
	IssuePoorCitationQuality,
	IssueQueryAmbiguity,
	IssueGenerationError,
}

// SelectFallback builds the fallback response for the highest-priority
// issue. Confidence is capped at min(original, 0.3); generation errors
// score a flat 0.1. An empty or unrecognized issue set maps to a
// system-error fallback at 0.1.
func SelectFallback(issues []Issue, query, response string, original float64) *Fallback {
	issue := pickIssue(issues)
	capped := math.Min(original, 0.3)

	switch issue {
	case IssueNoRelevantSources:
		return &Fallback{
			Message: fmt.Sprintf("I couldn't find specific information about %q in the fund documentation. "+
				"Try rephrasing the question or asking about a related topic covered by the indexed documents.", query),
			Strategy:   string(IssueNoRelevantSources),
			Confidence: capped,
			Suggestions: []string{
				"Use terms that appear in the fund documentation",
				"Ask about one topic at a time",
			},
		}
	case IssueLowRetrievalConfidence:
		return &Fallback{
			Message: fmt.Sprintf("I found only loosely related material for %q, so treat this answer with caution:\n\n%s",
				query, response),
			Strategy:   string(IssueLowRetrievalConfidence),
			Confidence: capped,
		}
	case IssuePoorCitationQuality:
		return &Fallback{
			Message: fmt.Sprintf("I couldn't verify the sources behind this answer, so treat it as unconfirmed:\n\n%s",
				response),
			Strategy:   string(IssuePoorCitationQuality),
			Confidence: capped,
		}
	case IssueQueryAmbiguity:
		return &Fallback{
			Message: fmt.Sprintf("Your question %q could be read several ways. Could you narrow it down?", query),
			Strategy:   string(IssueQueryAmbiguity),
			Confidence: capped,
			Suggestions: []string{
				"Name the specific fund, document, or process you mean",
				"Phrase the request as a single direct question",
			},
		}
	case IssueGenerationError:
		return &Fallback{
			Message: "I wasn't able to generate an answer for this question right now. " +
				"Please try again in a moment.",
			Strategy:   string(IssueGenerationError),
			Confidence: 0.1,
		}
	default:
		return &Fallback{
			Message: "Something went wrong while answering this question. " +
				"Please try again in a moment.",
			Strategy:   "system_error",
			Confidence: 0.1,
		}
	}
}

func pickIssue(issues []Issue) Issue {
	for _, p := range fallbackPriority {
		for _, have := range issues {
			if have == p {
				return p
			}
		}
	}
	return ""
}
