package canonicalize

import (
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL wraps canonicalization failures so callers can branch on them.
type ErrInvalidURL struct {
	Raw    string
	Reason string
}

func (e *ErrInvalidURL) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.Raw, e.Reason)
}

// URL normalizes a raw URL into the deduping key used within a run.
//
// Rules: trim whitespace; infer scheme/host with defaultScheme when missing;
// lower-case scheme and host; drop query, params and fragment; drop default
// ports (80/443); collapse repeated slashes in the path; strip the trailing
// slash except for the bare root "/".
func URL(raw, defaultScheme string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ErrInvalidURL{Raw: raw, Reason: "empty input"}
	}
	if defaultScheme == "" {
		defaultScheme = "https"
	}

	candidate := trimmed
	if !strings.Contains(candidate, "://") {
		candidate = defaultScheme + "://" + candidate
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return "", &ErrInvalidURL{Raw: raw, Reason: err.Error()}
	}
	if u.Host == "" {
		return "", &ErrInvalidURL{Raw: raw, Reason: "missing host"}
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	// Drop default ports.
	if h, p, ok := strings.Cut(host, ":"); ok {
		if (scheme == "http" && p == "80") || (scheme == "https" && p == "443") {
			host = h
		}
	}

	path := collapseSlashes(u.EscapedPath())
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	if path == "" {
		return scheme + "://" + host, nil
	}
	return scheme + "://" + host + path, nil
}

// Host returns the canonical lower-cased host of a URL, or "" when the input
// does not parse. Used as the secondary dedupe key for company prospects.
func Host(raw string) string {
	canon, err := URL(raw, "https")
	if err != nil {
		return ""
	}
	u, err := url.Parse(canon)
	if err != nil {
		return ""
	}
	return u.Host
}

func collapseSlashes(p string) string {
	if p == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
