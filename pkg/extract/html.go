package extract

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// extractHTML routes to the Wikipedia strategy for *.wikipedia.org hosts and
// to the generic strategy otherwise.
func extractHTML(sourceURL string, body []byte) ([]Candidate, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		// Broken markup yields no candidates rather than failing the step.
		return nil, nil
	}

	if isWikipediaHost(sourceURL) {
		if out := extractWikipedia(doc); len(out) > 0 {
			return out, nil
		}
	}
	return extractGeneric(doc), nil
}

func isWikipediaHost(sourceURL string) bool {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "wikipedia.org" || strings.HasSuffix(host, ".wikipedia.org")
}

// skippedContainers never contribute candidates.
var skippedContainers = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Nav: true,
	atom.Footer: true, atom.Header: true, atom.Aside: true,
	atom.Form: true, atom.Noscript: true,
}

// extractWikipedia walks wikitables first, then section lists inside the
// main content area. The generic pass is the fallback when both are empty.
func extractWikipedia(doc *html.Node) []Candidate {
	var out []Candidate

	for _, table := range findAll(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Table && strings.Contains(attr(n, "class"), "wikitable")
	}) {
		out = append(out, tableFirstColumn(table)...)
	}
	if len(out) > 0 {
		return out
	}

	content := findFirst(doc, func(n *html.Node) bool {
		return attr(n, "id") == "mw-content-text"
	})
	if content == nil {
		content = doc
	}
	for _, list := range findAll(content, func(n *html.Node) bool {
		return n.DataAtom == atom.Ul || n.DataAtom == atom.Ol
	}) {
		out = append(out, listItems(list)...)
	}
	return out
}

// extractGeneric prefers table first-column cells, then list items, skipping
// navigation containers and applying the reject heuristics.
func extractGeneric(doc *html.Node) []Candidate {
	var out []Candidate
	for _, table := range findAll(doc, func(n *html.Node) bool { return n.DataAtom == atom.Table }) {
		out = append(out, tableFirstColumn(table)...)
	}
	for _, list := range findAll(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Ul || n.DataAtom == atom.Ol
	}) {
		out = append(out, listItems(list)...)
	}
	return dedupeCandidates(out)
}

func tableFirstColumn(table *html.Node) []Candidate {
	var out []Candidate
	for _, row := range findAll(table, func(n *html.Node) bool { return n.DataAtom == atom.Tr }) {
		for c := row.FirstChild; c != nil; c = c.NextSibling {
			if c.DataAtom != atom.Td && c.DataAtom != atom.Th {
				continue
			}
			if c.DataAtom == atom.Th {
				break // header row
			}
			name := strings.TrimSpace(textOf(c))
			if AcceptName(name) {
				out = append(out, Candidate{Name: name, Snippet: strings.TrimSpace(textOf(row))})
			}
			break // first data column only
		}
	}
	return out
}

func listItems(list *html.Node) []Candidate {
	var out []Candidate
	for c := list.FirstChild; c != nil; c = c.NextSibling {
		if c.DataAtom != atom.Li {
			continue
		}
		text := strings.TrimSpace(textOf(c))
		// List entries often carry trailing detail after a separator; the
		// leading segment is the name.
		name := text
		for _, sep := range []string{" – ", " - ", ", ", " (", ":"} {
			if i := strings.Index(name, sep); i > 0 {
				name = name[:i]
			}
		}
		name = strings.TrimSpace(name)
		if AcceptName(name) {
			out = append(out, Candidate{Name: name, Snippet: text})
		}
	}
	return out
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	if n.Type == html.ElementNode && skippedContainers[n.DataAtom] {
		return ""
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textOf(c))
		sb.WriteString(" ")
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedContainers[n.DataAtom] {
			return
		}
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && match(n) {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func dedupeCandidates(in []Candidate) []Candidate {
	seen := make(map[string]bool, len(in))
	var out []Candidate
	for _, c := range in {
		key := strings.ToLower(c.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}
