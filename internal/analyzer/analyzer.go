// Package analyzer extracts a structured view of a user query: tokens,
// entities, keywords, question form, intent, and complexity. Analysis is
// pure; the gazetteer and stop-word list are loaded once at startup.
package analyzer

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Complexity buckets a query by word count.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Intent classifies what the user is asking for.
type Intent string

const (
	IntentDefinition      Intent = "definition"
	IntentProcedure       Intent = "procedure"
	IntentComparison      Intent = "comparison"
	IntentTroubleshooting Intent = "troubleshooting"
	IntentGeneral         Intent = "general"
)

// Analysis is the structured view of one query.
type Analysis struct {
	Query      string     `json:"query"`
	Normalized string     `json:"normalized"`
	Tokens     []string   `json:"tokens"`
	Entities   []string   `json:"entities"`
	Keywords   []string   `json:"keywords"`
	IsQuestion bool       `json:"is_question"`
	Intent     Intent     `json:"intent"`
	Complexity Complexity `json:"complexity"`
	WordCount  int        `json:"word_count"`
}

// Leading interrogatives that mark a question even without a question mark.
var questionWords = map[string]bool{
	"who": true, "what": true, "when": true, "where": true, "why": true,
	"how": true, "which": true, "can": true, "does": true, "is": true, "are": true,
}

// intentRule matches when any of its phrases appears in the normalized
// query. Rules are checked in order; the first match wins.
type intentRule struct {
	intent  Intent
	phrases []string
}

var intentRules = []intentRule{
	{IntentDefinition, []string{"what is", "what are", "define", "definition of", "meaning of", "explain what"}},
	{IntentProcedure, []string{"how do", "how to", "how can", "steps to", "steps for", "process for", "create", "set up", "setup", "configure"}},
	{IntentComparison, []string{"compare", "comparison", "versus", "vs", "difference between", "differences between", "better than"}},
	{IntentTroubleshooting, []string{"error", "fail", "failed", "failing", "issue", "problem", "not working", "cannot", "can't", "won't", "fix"}},
}

// Analyzer holds the gazetteer and stop-word list. Safe for concurrent use
// after construction.
type Analyzer struct {
	gazetteer    []string // normalized terms, longest first
	gazetteerSet map[string]bool
	stopwords    map[string]bool
}

// New builds an Analyzer from gazetteer terms and stop words. Terms are
// normalized; multi-word gazetteer entries are matched longest-first.
func New(gazetteer, stopwords []string) *Analyzer {
	a := &Analyzer{
		gazetteerSet: make(map[string]bool, len(gazetteer)),
		stopwords:    make(map[string]bool, len(stopwords)),
	}
	for _, term := range gazetteer {
		norm := normalize(term)
		if norm == "" || a.gazetteerSet[norm] {
			continue
		}
		a.gazetteerSet[norm] = true
		a.gazetteer = append(a.gazetteer, norm)
	}
	sort.SliceStable(a.gazetteer, func(i, j int) bool {
		return len(a.gazetteer[i]) > len(a.gazetteer[j])
	})
	for _, w := range stopwords {
		if norm := normalize(w); norm != "" {
			a.stopwords[norm] = true
		}
	}
	return a
}

// gazetteerFile is the on-disk gazetteer shape.
type gazetteerFile struct {
	Terms []string `yaml:"terms"`
}

// LoadGazetteer reads a YAML term list ({terms: [...]}) from path.
func LoadGazetteer(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gazetteer: %w", err)
	}
	var file gazetteerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse gazetteer: %w", err)
	}
	return file.Terms, nil
}

// LoadStopwords reads a newline-delimited word list from path. Blank lines
// and lines starting with # are skipped.
func LoadStopwords(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stopwords: %w", err)
	}
	var words []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	return words, nil
}

// Analyze parses a query. Same input always yields the same output.
func (a *Analyzer) Analyze(query string) Analysis {
	normalized := normalize(query)
	tokens := tokenize(normalized)

	analysis := Analysis{
		Query:      query,
		Normalized: normalized,
		Tokens:     tokens,
		WordCount:  len(tokens),
	}

	if len(tokens) > 0 {
		analysis.IsQuestion = questionWords[tokens[0]] || strings.HasSuffix(strings.TrimSpace(query), "?")
	}

	analysis.Entities = a.extractEntities(normalized)
	analysis.Keywords = a.extractKeywords(tokens)
	analysis.Intent = classifyIntent(normalized)

	switch {
	case analysis.WordCount <= 8:
		analysis.Complexity = ComplexitySimple
	case analysis.WordCount <= 16:
		analysis.Complexity = ComplexityModerate
	default:
		analysis.Complexity = ComplexityComplex
	}

	return analysis
}

// extractEntities finds gazetteer terms by longest match. A matched span
// is blanked out so shorter terms cannot re-match inside it.
func (a *Analyzer) extractEntities(normalized string) []string {
	haystack := " " + normalized + " "
	var entities []string
	for _, term := range a.gazetteer {
		needle := " " + term + " "
		if idx := strings.Index(haystack, needle); idx >= 0 {
			entities = append(entities, term)
			haystack = strings.Replace(haystack, needle, " ", -1)
		}
	}
	sort.Strings(entities)
	return entities
}

// extractKeywords keeps non-stop-word tokens that are gazetteer terms or
// repeated at least twice.
func (a *Analyzer) extractKeywords(tokens []string) []string {
	freq := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freq[tok]++
	}
	seen := make(map[string]bool)
	var keywords []string
	for _, tok := range tokens {
		if a.stopwords[tok] || seen[tok] {
			continue
		}
		if a.gazetteerSet[tok] || freq[tok] >= 2 {
			keywords = append(keywords, tok)
			seen[tok] = true
		}
	}
	return keywords
}

func classifyIntent(normalized string) Intent {
	padded := " " + normalized + " "
	for _, rule := range intentRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(padded, " "+phrase+" ") {
				return rule.intent
			}
		}
	}
	return IntentGeneral
}

func normalize(s string) string {
	return strings.Join(tokenize(strings.ToLower(s)), " ")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}
