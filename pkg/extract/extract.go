// Package extract turns acquired documents into company-name candidates.
// Strategies dispatch on media type and host: Wikipedia pages get a
// structural pass, generic HTML a filtered table/list pass, PDFs a
// deterministic text pass, and provider payloads only schema validation.
package extract

import (
	"strings"
	"unicode"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// Candidate is one extracted company mention.
type Candidate struct {
	Name    string `json:"name"`
	Snippet string `json:"snippet,omitempty"`
}

// Extractor dispatches extraction strategies. Zero value is not usable; use New.
type Extractor struct {
	schema *payloadSchema
}

// New builds an extractor with the compiled provider payload schema.
func New() (*Extractor, error) {
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, err
	}
	return &Extractor{schema: schema}, nil
}

// Extract produces candidates from a document. Empty input yields zero
// candidates, never an error; malformed provider payloads are the one
// validation failure.
func (e *Extractor) Extract(sourceType contracts.SourceType, contentType, sourceURL string, body []byte) ([]Candidate, error) {
	if len(body) == 0 {
		return nil, nil
	}

	switch sourceType {
	case contracts.SourceProviderJSON, contracts.SourceLLMJSON:
		return e.extractProviderPayload(body)
	case contracts.SourcePDF:
		return e.extractPDF(body)
	case contracts.SourceText:
		return extractLines(string(body)), nil
	default:
		if isHTML(contentType) {
			return extractHTML(sourceURL, body)
		}
		return extractLines(string(body)), nil
	}
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// extractLines treats each non-empty line as a potential candidate.
func extractLines(text string) []Candidate {
	var out []Candidate
	for _, line := range strings.Split(normalizeText(text), "\n") {
		name := strings.TrimSpace(line)
		if AcceptName(name) {
			out = append(out, Candidate{Name: name, Snippet: name})
		}
	}
	return out
}

// normalizeText normalizes line endings and trims outer whitespace.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

const maxNameRunes = 120

// navWords are tokens that mark navigation chrome rather than entity names.
var navWords = map[string]bool{
	"home": true, "about": true, "contact": true, "login": true, "log": true,
	"sign": true, "signup": true, "register": true, "menu": true, "search": true,
	"next": true, "previous": true, "more": true, "back": true, "top": true,
	"privacy": true, "terms": true, "cookie": true, "cookies": true,
	"subscribe": true, "newsletter": true, "careers": true, "faq": true,
	"help": true, "support": true, "sitemap": true, "share": true,
	"edit": true, "talk": true, "view": true, "history": true, "read": true,
	"navigation": true, "jump": true, "toggle": true, "download": true,
	"references": true, "external": true, "links": true, "see": true, "also": true,
	"to": true, "in": true, "up": true, "out": true, "of": true, "the": true, "a": true,
}

// AcceptName applies the reject heuristics: navigation chrome, icon or symbol
// runs, currency and bare numbers, and overlong strings all drop out.
func AcceptName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	runes := []rune(name)
	if len(runes) > maxNameRunes {
		return false
	}

	letters, digits, symbols := 0, 0, 0
	for _, r := range runes {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		case unicode.IsSymbol(r):
			symbols++
		}
	}
	if letters == 0 {
		return false
	}
	// Icon-heavy fragments: glyphs outnumber letters.
	if symbols > letters {
		return false
	}
	// Currency or financial values: $1.2B, €40m, 12,5 Mrd.
	if strings.ContainsAny(name, "$€£¥") && digits > 0 {
		return false
	}
	if digits > letters {
		return false
	}

	// A short phrase made only of navigation words is chrome.
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) <= 3 {
		allNav := true
		for _, f := range fields {
			if !navWords[strings.Trim(f, ".,:;!?")] {
				allNav = false
				break
			}
		}
		if allNav {
			return false
		}
	}
	return true
}
