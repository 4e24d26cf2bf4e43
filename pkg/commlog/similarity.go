package commlog

import "strings"

// TrigramSimilarity computes a 0-1 similarity score between two strings as
// the Jaccard index of their 3-gram sets. Inputs are lowercased and
// whitespace-collapsed, and each string is padded so short words still
// contribute, mirroring the fuzzy-text primitive of the source platform.
//
// Very short inputs have no trigrams; they fall back to a substring
// heuristic so the matcher can still operate (the threshold and eligibility
// rules are unaffected by the fallback).
func TrigramSimilarity(a, b string) float64 {
	a = normalizeText(a)
	b = normalizeText(b)

	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return substringSimilarity(a, b)
	}

	intersection := 0
	for g := range ta {
		if _, ok := tb[g]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// trigrams returns the set of 3-grams of s with pg_trgm style padding:
// two leading spaces and one trailing space.
func trigrams(s string) map[string]struct{} {
	padded := "  " + s + " "
	runes := []rune(padded)
	if len(runes) < 3 {
		return nil
	}
	set := make(map[string]struct{}, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}

// substringSimilarity is the fallback for inputs too short to form
// trigrams: containment scores by length ratio, otherwise zero.
func substringSimilarity(a, b string) float64 {
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if shorter == "" || !strings.Contains(longer, shorter) {
		return 0
	}
	return float64(len(shorter)) / float64(len(longer))
}
