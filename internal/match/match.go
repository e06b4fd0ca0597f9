// Package match ranks records of a reference table against free-text queries.
//
// Text is case-folded and stripped of diacritics before comparison. A field
// whose tokens contain the query's tokens as a contiguous run scores 0.
// Otherwise the score is the mean of two token coverages, each the average
// normalised Levenshtein distance from a token to its closest counterpart:
// query tokens against field tokens, and field tokens against query tokens.
// A query found only inside a longer word scores at most InWordScore.
// Scores lie in [0, 1] before weighting; lower is closer.
package match

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultThreshold is the worst score a result may have.
const DefaultThreshold = 0.4

// InWordScore caps the score of a field that contains the query within a
// longer word, as "rice" in "Licorice".
const InWordScore = 0.25

// Field extracts one searchable string from a record. The field's score is
// divided by Weight, so a weight above 1 favours the field; zero means 1.
type Field[T any] struct {
	Name   string
	Weight float64
	Value  func(T) string
}

type Result[T any] struct {
	Item  T
	Score float64
	// Field names the field that produced Score.
	Field string
}

type fieldText struct {
	text   string
	tokens []string
}

type entry[T any] struct {
	item   T
	fields []fieldText
}

// Index is immutable after New and safe for concurrent use.
type Index[T any] struct {
	fields    []Field[T]
	entries   []entry[T]
	threshold float64
}

// New indexes records by the given fields. A threshold <= 0 selects
// DefaultThreshold.
func New[T any](records []T, threshold float64, fields ...Field[T]) *Index[T] {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	ix := &Index[T]{
		fields:    fields,
		entries:   make([]entry[T], 0, len(records)),
		threshold: threshold,
	}
	for _, rec := range records {
		e := entry[T]{item: rec, fields: make([]fieldText, len(fields))}
		for i, f := range fields {
			text := Normalize(f.Value(rec))
			e.fields[i] = fieldText{text: text, tokens: Tokens(text)}
		}
		ix.entries = append(ix.entries, e)
	}
	return ix
}

func (ix *Index[T]) Len() int {
	return len(ix.entries)
}

func (ix *Index[T]) Threshold() float64 {
	return ix.threshold
}

// Search returns at most limit records scoring within the threshold, closest
// first. Equal scores are ordered by field weight, heaviest first, then by the
// length of the matching field, then by position in the indexed table. limit <= 0 means no limit. A query that
// matches nothing yields an empty result.
func (ix *Index[T]) Search(query string, limit int) []Result[T] {
	q := Normalize(query)
	qTokens := Tokens(q)
	if len(qTokens) == 0 {
		return nil
	}

	type scored struct {
		Result[T]
		weight float64
		length int
	}
	better := func(a, b scored) int {
		if c := cmp.Compare(a.Score, b.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.weight, a.weight); c != 0 {
			return c
		}
		return cmp.Compare(a.length, b.length)
	}

	var hits []scored
	for _, e := range ix.entries {
		var best *scored
		for i, f := range e.fields {
			if f.text == "" {
				continue
			}
			w := weight(ix.fields[i].Weight)
			cand := scored{
				Result: Result[T]{Item: e.item, Score: score(q, qTokens, f) / w, Field: ix.fields[i].Name},
				weight: w,
				length: len(f.text),
			}
			if best == nil || better(cand, *best) < 0 {
				best = &cand
			}
		}
		if best == nil || best.Score > ix.threshold {
			continue
		}
		hits = append(hits, *best)
	}

	slices.SortStableFunc(hits, better)

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Result[T], len(hits))
	for i, h := range hits {
		out[i] = h.Result
	}
	return out
}

func weight(w float64) float64 {
	if w <= 0 {
		return 1
	}
	return w
}

func score(query string, qTokens []string, f fieldText) float64 {
	if containsRun(f.tokens, qTokens) {
		return 0
	}
	s := 1.0
	if len(f.tokens) > 0 {
		s = (coverage(qTokens, f.tokens) + coverage(f.tokens, qTokens)) / 2
	}
	if strings.Contains(f.text, query) {
		s = min(s, InWordScore)
	}
	return s
}

// containsRun reports whether run appears in tokens as consecutive elements.
func containsRun(tokens, run []string) bool {
	for i := 0; i+len(run) <= len(tokens); i++ {
		if slices.Equal(tokens[i:i+len(run)], run) {
			return true
		}
	}
	return false
}

// coverage averages, over from, the distance to the closest token in to.
func coverage(from, to []string) float64 {
	var total float64
	for _, a := range from {
		best := 1.0
		for _, b := range to {
			if d := distance(a, b); d < best {
				best = d
				if d == 0 {
					break
				}
			}
		}
		total += best
	}
	return total / float64(len(from))
}

// distance is the Levenshtein distance scaled by the longer token's length.
func distance(a, b string) float64 {
	if a == b {
		return 0
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	return float64(levenshtein.ComputeDistance(a, b)) / float64(longest)
}

// Normalize folds case, removes diacritics and collapses whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(cases.Fold().String(stripped)), " ")
}

// Tokens splits normalised text into words of letters and digits.
func Tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
