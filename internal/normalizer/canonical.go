package normalizer

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

var (
	storeNumberPattern = regexp.MustCompile(`#\s*\d+\w*`)
	webSuffixPattern   = regexp.MustCompile(`\.(com|net|org|co|io)\b`)
)

// processorPrefixes are token sequences added by card processors and POS
// systems in front of the merchant name
var processorPrefixes = [][]string{
	{"purchase", "authorized", "on"},
	{"debit", "card", "purchase"},
	{"debit", "purchase"},
	{"pos", "purchase"},
	{"visa", "purchase"},
	{"mc", "purchase"},
	{"check", "card"},
	{"ach", "debit"},
	{"checkcard"},
	{"paypal"},
	{"pos"},
	{"sq"},
	{"tst"},
	{"pp"},
	{"sp"},
}

var corporateSuffixes = map[string]bool{
	"inc": true, "incorporated": true, "llc": true, "corp": true, "corporation": true,
	"co": true, "company": true, "ltd": true, "limited": true, "plc": true, "gmbh": true,
}

var locationCodes = map[string]bool{
	"al": true, "ak": true, "az": true, "ar": true, "ca": true, "ct": true, "de": true, "fl": true,
	"ga": true, "ia": true, "id": true, "il": true, "ks": true, "ky": true, "la": true, "ma": true,
	"md": true, "mi": true, "mn": true, "mo": true, "ms": true, "mt": true, "nc": true, "nd": true,
	"ne": true, "nh": true, "nj": true, "nm": true, "nv": true, "ny": true, "oh": true, "pa": true,
	"ri": true, "sc": true, "sd": true, "tn": true, "tx": true, "ut": true, "va": true, "vt": true,
	"wa": true, "wi": true, "wv": true, "wy": true, "us": true, "usa": true,
}

var storeWords = map[string]bool{
	"store": true, "no": true, "unit": true, "loc": true, "location": true, "branch": true,
}

// Canonicalize reduces raw merchant text to its canonical comparison form:
// case-folded, punctuation free, without processor prefixes, corporate
// suffixes or trailing store and location codes.
func Canonicalize(raw string) string {
	s := cases.Fold().String(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	s = storeNumberPattern.ReplaceAllString(s, " ")
	s = webSuffixPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "'", "")
	s = strings.ReplaceAll(s, "’", "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)

	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return ""
	}
	fallback := strings.Join(tokens, " ")

	tokens = stripPrefixes(tokens)
	tokens = stripTrailing(tokens)

	if len(tokens) == 0 {
		return fallback
	}
	return strings.Join(tokens, " ")
}

func stripPrefixes(tokens []string) []string {
	for {
		stripped := false
		for _, prefix := range processorPrefixes {
			if len(tokens) > len(prefix) && hasPrefix(tokens, prefix) {
				tokens = tokens[len(prefix):]
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}

	if len(tokens) > 1 && tokens[0] == "the" {
		tokens = tokens[1:]
	}
	return tokens
}

func stripTrailing(tokens []string) []string {
	sawCode := false
	for len(tokens) > 1 {
		last := tokens[len(tokens)-1]
		switch {
		case hasDigit(last):
			sawCode = true
		case corporateSuffixes[last]:
		case locationCodes[last] && (sawCode || len(tokens) >= 3):
		case storeWords[last] && sawCode:
		default:
			return tokens
		}
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

func hasPrefix(tokens, prefix []string) bool {
	for i, p := range prefix {
		if tokens[i] != p {
			return false
		}
	}
	return true
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
