// Package names scores how similar a bank counterparty name is to a
// customer name.
package names

import "strings"

var punctuation = strings.NewReplacer(",", " ", ".", " ")

// Normalize upper-cases a name, drops commas and periods and collapses
// internal whitespace, so "Smith, John" and "smith  john" normalize alike.
func Normalize(name string) string {
	return strings.Join(strings.Fields(punctuation.Replace(strings.ToUpper(name))), " ")
}

// Similarity returns a score in [0,1] for two names: 1.0 for identical
// normalized strings, otherwise the Jaccard index of their token sets.
// Word order does not matter, so "John Smith" and "Smith, John" score 1.0.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0.0
	}

	na := Normalize(a)
	nb := Normalize(b)
	if na == nb {
		if na == "" {
			return 0.0
		}
		return 1.0
	}

	ta := tokenSet(na)
	tb := tokenSet(nb)
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	intersection := 0
	for tok := range ta {
		if tb[tok] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}
