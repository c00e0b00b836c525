package exportpack

import (
	"fmt"
	"html"
	"strings"
)

// renderPrintView renders the optional human-readable pack summary. The
// output depends only on the snapshot, never on build time.
func renderPrintView(snap *snapshot) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>Run %s</title>\n", html.EscapeString(snap.run.ID))
	b.WriteString("</head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(snap.run.Mandate))
	fmt.Fprintf(&b, "<p>Run %s · %s · %d companies · %d executives</p>\n",
		html.EscapeString(snap.run.ID), html.EscapeString(string(snap.run.Status)),
		len(snap.prospects), len(snap.execs))

	b.WriteString("<h2>Companies</h2>\n<table>\n<tr><th>Name</th><th>Website</th><th>Country</th><th>Review</th><th>Confidence</th></tr>\n")
	for _, p := range snap.prospects {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			html.EscapeString(p.NameRaw), html.EscapeString(p.WebsiteURL),
			html.EscapeString(p.HQCountry), html.EscapeString(string(p.ReviewStatus)),
			csvFloat(p.ConfidenceScore))
	}
	b.WriteString("</table>\n")

	b.WriteString("<h2>Executives</h2>\n<table>\n<tr><th>Name</th><th>Title</th><th>Verification</th><th>Canonical</th></tr>\n")
	for _, e := range snap.execs {
		canonical := "yes"
		if c := snap.graph.CanonicalOf(e.ID); c != nil && c.ID != e.ID {
			canonical = "→ " + c.NameRaw
		}
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			html.EscapeString(e.NameRaw), html.EscapeString(e.Title),
			html.EscapeString(string(e.VerificationStatus)), html.EscapeString(canonical))
	}
	b.WriteString("</table>\n</body>\n</html>\n")
	return []byte(b.String())
}
