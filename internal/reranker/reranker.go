// Package reranker reorders similarity search hits by how many of the
// query's terms they contain.
package reranker

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

// DefaultWeight is the share of the final score given to term overlap.
const DefaultWeight = 0.5

// Reranker reorders references for query and returns at most n of them.
type Reranker interface {
	Rerank(ctx context.Context, query string, refs []pipeline.Reference, n int) ([]pipeline.Reference, error)
}

// Lexical blends the search score with the fraction of distinct query terms
// found in each reference.
type Lexical struct {
	weight float32
}

// NewLexical creates a reranker giving weight to term overlap and the rest
// to the original score. A weight outside (0, 1] uses DefaultWeight.
func NewLexical(weight float32) *Lexical {
	if weight <= 0 || weight > 1 {
		weight = DefaultWeight
	}
	return &Lexical{weight: weight}
}

// Rerank implements Reranker. The returned references carry the blended
// score. Ties keep their search order. A query with no usable terms only
// sorts by the original score.
func (l *Lexical) Rerank(ctx context.Context, query string, refs []pipeline.Reference, n int) ([]pipeline.Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 || n > len(refs) {
		n = len(refs)
	}
	out := append([]pipeline.Reference(nil), refs...)

	terms := Terms(query)
	if len(terms) > 0 {
		for i := range out {
			overlap := Overlap(terms, Terms(out[i].Content))
			out[i].Score = (1-l.weight)*out[i].Score + l.weight*overlap
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out[:n], nil
}

// Terms splits text into distinct lowercase terms. Identifiers are broken
// at case changes and underscores, so "parseConfigFile" yields parse,
// config and file. Stopwords and terms shorter than three letters are
// dropped.
func Terms(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, word := range strings.FieldsFunc(text, isSeparator) {
		for _, part := range splitIdentifier(word) {
			part = strings.ToLower(part)
			if len([]rune(part)) < 3 || stopwords[part] || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	return out
}

// Overlap returns the fraction of terms present in doc.
func Overlap(terms, doc []string) float32 {
	if len(terms) == 0 {
		return 0
	}
	have := make(map[string]bool, len(doc))
	for _, t := range doc {
		have[t] = true
	}
	hits := 0
	for _, t := range terms {
		if have[t] {
			hits++
		}
	}
	return float32(hits) / float32(len(terms))
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func splitIdentifier(word string) []string {
	rs := []rune(word)
	var parts []string
	start := 0
	for i := 1; i < len(rs); i++ {
		lowerToUpper := unicode.IsLower(rs[i-1]) && unicode.IsUpper(rs[i])
		acronymEnd := i+1 < len(rs) && unicode.IsUpper(rs[i-1]) && unicode.IsUpper(rs[i]) && unicode.IsLower(rs[i+1])
		if lowerToUpper || acronymEnd {
			parts = append(parts, string(rs[start:i]))
			start = i
		}
	}
	return append(parts, string(rs[start:]))
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"from": true, "was": true, "are": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "you": true, "she": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true,
	"how": true, "not": true, "all": true, "any": true, "into": true,
}
