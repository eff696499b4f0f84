// Package citation parses citation markers from generated text and
// validates them against the retrieved chunks that grounded the prompt.
// This is the single definition of citation validity in the service.
package citation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fundlens-ai/knowledge-service/internal/retrieval"
)

// Invalidity reasons.
const (
	ReasonUnknownSource = "unknown_source"
	ReasonWrongPage     = "wrong_page"
	ReasonOutOfRange    = "out_of_range"
)

// markerPattern matches (Source) and (Source, p.N). The source part
// excludes commas and parens; the page is a positive integer.
var markerPattern = regexp.MustCompile(`\(([^,()]+?)(?:,\s*[pP]\.?\s*(\d+))?\)`)

// chunkRefPattern matches [chunk N] back-references to prompt passages.
var chunkRefPattern = regexp.MustCompile(`\[chunk\s+(\d+)\]`)

// Citation is one parsed marker with its validation outcome.
type Citation struct {
	Source   string `json:"source"`
	Page     int    `json:"page,omitempty"` // 0 when absent
	ChunkRef int    `json:"chunk_ref,omitempty"`
	Valid    bool   `json:"valid"`
	ChunkID  string `json:"chunk_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Report summarizes all markers found in one response.
type Report struct {
	Found    int        `json:"found"`
	Valid    []Citation `json:"valid"`
	Invalid  []Citation `json:"invalid"`
	Coverage float64    `json:"coverage"` // valid / max(1, found)
}

// All returns valid and invalid citations in one slice.
func (r *Report) All() []Citation {
	out := make([]Citation, 0, len(r.Valid)+len(r.Invalid))
	out = append(out, r.Valid...)
	out = append(out, r.Invalid...)
	return out
}

// ValidCount returns the number of valid citations.
func (r *Report) ValidCount() int { return len(r.Valid) }

// Extract parses citation markers without validating them.
func Extract(text string) []Citation {
	var citations []Citation
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		c := Citation{Source: strings.TrimSpace(m[1])}
		if c.Source == "" {
			continue
		}
		if m[2] != "" {
			page, err := strconv.Atoi(m[2])
			if err != nil || page < 1 {
				continue
			}
			c.Page = page
		}
		citations = append(citations, c)
	}
	for _, m := range chunkRefPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		citations = append(citations, Citation{ChunkRef: n})
	}
	return citations
}

// Validate extracts markers from text and classifies each against the
// retrieved set. A source citation is valid iff a retrieved chunk's title
// matches case-insensitively after whitespace normalization and, when a
// page is cited, the chunk carries that page number. A [chunk n]
// reference is valid iff n addresses the retrieved set.
func Validate(text string, retrieved []retrieval.Candidate) *Report {
	report := &Report{}

	for _, c := range Extract(text) {
		if c.ChunkRef > 0 {
			validateChunkRef(&c, retrieved)
		} else {
			validateSource(&c, retrieved)
		}
		if c.Valid {
			report.Valid = append(report.Valid, c)
		} else {
			report.Invalid = append(report.Invalid, c)
		}
	}

	report.Found = len(report.Valid) + len(report.Invalid)
	denom := report.Found
	if denom == 0 {
		denom = 1
	}
	report.Coverage = float64(len(report.Valid)) / float64(denom)
	return report
}

func validateChunkRef(c *Citation, retrieved []retrieval.Candidate) {
	if c.ChunkRef < 1 || c.ChunkRef > len(retrieved) {
		c.Reason = ReasonOutOfRange
		return
	}
	chunk := retrieved[c.ChunkRef-1].Chunk
	c.Valid = true
	c.ChunkID = chunk.ID
	c.Source = chunk.SourceTitle
	if chunk.PageNumber > 0 {
		c.Page = chunk.PageNumber
	}
}

func validateSource(c *Citation, retrieved []retrieval.Candidate) {
	want := normalizeTitle(c.Source)
	sourceSeen := false
	for _, cand := range retrieved {
		if normalizeTitle(cand.Chunk.SourceTitle) != want {
			continue
		}
		sourceSeen = true
		if c.Page > 0 && cand.Chunk.PageNumber != c.Page {
			continue
		}
		c.Valid = true
		c.ChunkID = cand.Chunk.ID
		return
	}
	if sourceSeen {
		c.Reason = ReasonWrongPage
	} else {
		c.Reason = ReasonUnknownSource
	}
}

func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
