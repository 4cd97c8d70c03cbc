// Package similarity provides the pure string and numeric distance functions
// used by the merchant normalizer and the feature extractor.
//
// All functions are deterministic and safe for concurrent use.
package similarity

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/antzucaro/matchr"
)

const (
	// winklerPrefixLimit caps the common prefix considered by JaroWinkler
	winklerPrefixLimit = 4
	// winklerScaling is the standard prefix scaling factor
	winklerScaling = 0.1
	// phoneticKeyLength is the classic metaphone code length
	phoneticKeyLength = 4
)

// EditDistance returns the Levenshtein distance between a and b with unit
// insert, delete and substitute costs. Operates on runes.
func EditDistance(a, b string) int {
	if a == b {
		return 0
	}
	return levenshtein.ComputeDistance(a, b)
}

// NormalizedSimilarity returns 1 - EditDistance/max(len) in [0,1].
// Two empty strings are identical.
func NormalizedSimilarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	maxLen := max(la, lb)
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(EditDistance(a, b))/float64(maxLen)
}

// Jaro returns the Jaro similarity of a and b.
func Jaro(a, b string) float64 {
	if a == b {
		return 1.0
	}

	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}

	window := max(len(ra), len(rb))/2 - 1
	if window < 0 {
		window = 0
	}

	aMatched := make([]bool, len(ra))
	bMatched := make([]bool, len(rb))

	matches := 0
	for i := range ra {
		start := max(0, i-window)
		end := min(len(rb), i+window+1)
		for j := start; j < end; j++ {
			if bMatched[j] || ra[i] != rb[j] {
				continue
			}
			aMatched[i] = true
			bMatched[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := range ra {
		if !aMatched[i] {
			continue
		}
		for !bMatched[k] {
			k++
		}
		if ra[i] != rb[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(ra)) + m/float64(len(rb)) + (m-t)/m) / 3
}

// JaroWinkler boosts the Jaro similarity by the length of the common prefix,
// capped at four runes with a 0.1 scaling factor.
func JaroWinkler(a, b string) float64 {
	jaro := Jaro(a, b)
	if jaro == 1.0 {
		return 1.0
	}

	prefix := 0
	ra, rb := []rune(a), []rune(b)
	for i := 0; i < len(ra) && i < len(rb) && i < winklerPrefixLimit; i++ {
		if ra[i] != rb[i] {
			break
		}
		prefix++
	}

	return jaro + float64(prefix)*winklerScaling*(1.0-jaro)
}

// PhoneticKey returns the primary Double Metaphone code of the first token of
// s, truncated to four characters. Strings that sound alike share a key,
// which the normalizer uses to keep fuzzy alias comparison to a small bucket.
func PhoneticKey(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	primary, secondary := matchr.DoubleMetaphone(strings.ToUpper(fields[0]))
	key := primary
	if key == "" {
		key = secondary
	}
	if runes := []rune(key); len(runes) > phoneticKeyLength {
		key = string(runes[:phoneticKeyLength])
	}
	return key
}

// ToleranceScore maps a non-negative difference onto [0,1] with linear decay,
// reaching 0 at tolerance. A zero tolerance accepts only an exact match.
func ToleranceScore(diff, tolerance float64) float64 {
	if diff < 0 {
		diff = -diff
	}
	if tolerance <= 0 {
		if diff == 0 {
			return 1.0
		}
		return 0.0
	}
	if diff >= tolerance {
		return 0.0
	}
	return 1.0 - diff/tolerance
}
