package rag

import (
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"
)

// CosineSimilarity returns 0 for vectors of different length or zero norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	x, y := toFloat64(a), toFloat64(b)
	na, nb := floats.Norm(x, 2), floats.Norm(y, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(x, y) / (na * nb)
}

// queryTerms lowercases the query and splits it on anything that is not a
// letter or digit. Single-rune terms are dropped.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// keywordOverlap is the share of query terms found in content. A verbatim
// occurrence of the whole query scores 1.
func keywordOverlap(query string, terms []string, content string) float64 {
	lower := strings.ToLower(content)
	q := strings.ToLower(strings.TrimSpace(query))
	if q != "" && strings.Contains(lower, q) {
		return 1
	}
	if len(terms) == 0 {
		return 0
	}
	var hits int
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
