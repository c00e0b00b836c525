package canonicalize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are stripped from the tail of company names before matching.
// "atlas robotics ltd" and "Atlas Robotics Limited" must collide.
var legalSuffixes = map[string]struct{}{
	"inc": {}, "inc.": {}, "llc": {}, "llc.": {}, "ltd": {}, "ltd.": {},
	"limited": {}, "gmbh": {}, "sa": {}, "s.a.": {}, "plc": {}, "corp": {},
	"corp.": {}, "corporation": {}, "co": {}, "co.": {}, "company": {},
	"ag": {}, "bv": {}, "b.v.": {}, "oy": {}, "ab": {}, "pty": {}, "srl": {},
}

var caseFolder = cases.Fold()

// Name normalizes a company or person name into its dedupe key: Unicode NFKC,
// case fold, punctuation-insensitive word split, trailing legal suffixes
// stripped, single-space joined.
func Name(raw string) string {
	folded := caseFolder.String(norm.NFKC.String(strings.TrimSpace(raw)))
	if folded == "" {
		return ""
	}

	words := strings.FieldsFunc(folded, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', '\r', ',', ';', '&', '/', '(', ')', '"', '\'':
			return true
		}
		return false
	})

	// Strip legal suffixes from the tail only; "Company of Heroes" keeps its
	// interior words.
	for len(words) > 1 {
		if _, ok := legalSuffixes[words[len(words)-1]]; !ok {
			break
		}
		words = words[:len(words)-1]
	}

	return strings.Join(words, " ")
}
