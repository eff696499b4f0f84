// Package prompt assembles the bounded, citation-tagged prompt sent to the
// completion endpoint. Assembly is deterministic for a given input and
// configuration.
package prompt

import (
	"fmt"
	"strings"

	"github.com/fundlens-ai/knowledge-service/internal/retrieval"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

const preamble = `You are an assistant answering questions about fund-management documentation.
Answer only from the provided context passages. If the context does not contain the answer, say so plainly.
Cite every claim with the source document title, as (Title) or (Title, p.N) when the passage has a page number.
To re-cite a context passage directly, use its [chunk N] tag.`

// Input is everything the assembler needs for one request.
type Input struct {
	Query           string
	Chunks          []retrieval.Candidate
	History         []storage.Turn
	MaxPromptTokens int
	HistoryTurns    int
}

// Message is one chat message in provider order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is the assembled request payload plus bookkeeping for the
// confidence scorer.
type Prompt struct {
	Messages        []Message
	IncludedChunks  int
	IncludedTurns   int
	EstimatedTokens int
}

// EstimateTokens approximates a token count as ceil(len/4). Used only for
// budget enforcement.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Assembler builds prompts. Stateless; safe for concurrent use.
type Assembler struct{}

// New creates an Assembler.
func New() *Assembler { return &Assembler{} }

// Build assembles the prompt. When the token budget is exceeded it drops
// the lowest-ranked chunks first, then the oldest conversation turns, and
// truncates the preamble only as a last resort.
func (a *Assembler) Build(in Input) Prompt {
	historyTurns := in.HistoryTurns
	if historyTurns <= 0 {
		historyTurns = 6
	}
	history := in.History
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}

	chunks := len(in.Chunks)
	for {
		p := assemble(preamble, in.Query, in.Chunks[:chunks], history)
		if in.MaxPromptTokens <= 0 || p.EstimatedTokens <= in.MaxPromptTokens {
			return p
		}
		if chunks > 0 {
			chunks--
			continue
		}
		if len(history) > 0 {
			history = history[1:]
			continue
		}
		// Last resort: cut the preamble to fit.
		budget := in.MaxPromptTokens * 4
		system := preamble
		if len(system) > budget {
			system = system[:budget]
		}
		return assemble(system, in.Query, nil, nil)
	}
}

func assemble(system, query string, chunks []retrieval.Candidate, history []storage.Turn) Prompt {
	var sb strings.Builder
	sb.WriteString(system)

	if len(chunks) > 0 {
		sb.WriteString("\n\nContext passages:\n")
		for i, c := range chunks {
			sb.WriteString("\n```\n")
			sb.WriteString(chunkHeader(i+1, c.Chunk))
			sb.WriteString("\n")
			sb.WriteString(c.Chunk.Content)
			sb.WriteString("\n```\n")
		}
	}

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: sb.String()})
	for _, turn := range history {
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, Message{Role: "user", Content: query})

	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}

	return Prompt{
		Messages:        messages,
		IncludedChunks:  len(chunks),
		IncludedTurns:   len(history),
		EstimatedTokens: total,
	}
}

// chunkHeader renders the tag line for one context passage, e.g.
// [chunk 1] source="Fund Creation Guide" page=3 section="Funds > Creation".
func chunkHeader(rank int, chunk *storage.Chunk) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[chunk %d] source=%q", rank, chunk.SourceTitle)
	if chunk.PageNumber > 0 {
		fmt.Fprintf(&sb, " page=%d", chunk.PageNumber)
	}
	if len(chunk.SectionPath) > 0 {
		fmt.Fprintf(&sb, " section=%q", strings.Join(chunk.SectionPath, " > "))
	}
	return sb.String()
}
