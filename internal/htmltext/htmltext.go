// Package htmltext converts HTML email bodies into plain reading-order text.
// The output is deterministic: identical input yields identical output, which
// downstream checksums and citations depend on.
package htmltext

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Normalize strips markup from an HTML or plain-text body and returns text in
// reading order. Scripts, styles, tracking pixels, and hidden/preheader markup
// are dropped; block elements become newlines and list items become bullets.
// Structurally invalid input falls back to a naive tag strip.
func Normalize(raw string) string {
	if !looksLikeHTML(raw) {
		return finish(raw)
	}
	node, err := html.Parse(strings.NewReader(raw))
	if err != nil || node == nil {
		return finish(stripTags(raw))
	}
	var b strings.Builder
	body := findFirst(node, "body")
	if body == nil {
		body = node
	}
	collectText(&b, body, false)
	return finish(b.String())
}

// looksLikeHTML is a cheap pre-check so plain-text bodies skip the parser,
// which would otherwise wrap them in synthetic html/body nodes.
func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range []string{"<html", "<body", "<div", "<p", "<br", "<table", "<span", "<!doctype"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func findFirst(n *html.Node, tag string) *html.Node {
	var res *html.Node
	var dfs func(*html.Node)
	dfs = func(cur *html.Node) {
		if res != nil {
			return
		}
		if cur.Type == html.ElementNode && strings.EqualFold(cur.Data, tag) {
			res = cur
			return
		}
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			dfs(c)
			if res != nil {
				return
			}
		}
	}
	dfs(n)
	return res
}

func collectText(b *strings.Builder, n *html.Node, inPre bool) {
	if n.Type == html.ElementNode {
		if isHidden(n) || isTrackingPixel(n) {
			return
		}
		name := strings.ToLower(n.Data)
		switch name {
		case "script", "style", "noscript", "head", "iframe", "title":
			return
		case "pre":
			inPre = true
		case "br", "hr":
			b.WriteString("\n")
		case "p", "div", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "blockquote":
			b.WriteString("\n")
		case "li":
			b.WriteString("\n- ")
		case "ul", "ol", "table":
			b.WriteString("\n")
		case "td", "th":
			b.WriteString(" ")
		}
	}

	if n.Type == html.TextNode {
		data := n.Data
		if !inPre {
			data = strings.ReplaceAll(data, "\t", " ")
			data = strings.ReplaceAll(data, "\r", " ")
		}
		b.WriteString(data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c, inPre)
	}

	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "p", "div", "blockquote", "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n\n")
		case "li", "tr":
			b.WriteString("\n")
		case "pre":
			b.WriteString("\n")
		}
	}
}

// isHidden detects display:none / visibility:hidden inline styles and the
// preheader trick of zero-size containers.
func isHidden(n *html.Node) bool {
	for _, attr := range n.Attr {
		if strings.ToLower(attr.Key) != "style" {
			continue
		}
		style := strings.ToLower(strings.ReplaceAll(attr.Val, " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
		if strings.Contains(style, "max-height:0") || strings.Contains(style, "font-size:0") ||
			strings.Contains(style, "opacity:0") {
			return true
		}
	}
	return false
}

// isTrackingPixel matches 1x1 or zero-size images commonly used for opens tracking.
func isTrackingPixel(n *html.Node) bool {
	if !strings.EqualFold(n.Data, "img") {
		return false
	}
	var w, h string
	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "width":
			w = strings.TrimSpace(attr.Val)
		case "height":
			h = strings.TrimSpace(attr.Val)
		}
	}
	return (w == "0" || w == "1") && (h == "0" || h == "1")
}

// stripTags is the fallback path for input the parser rejects: drop everything
// between angle brackets and keep the rest.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// finish collapses whitespace while preserving paragraph breaks, decodes a few
// frequent entities left by the fallback path, and applies NFC so that
// checksums do not depend on the sender's Unicode composition form.
func finish(s string) string {
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(s)
	s = norm.NFC.String(s)
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			// Keep at most one consecutive blank line.
			if len(out) > 0 && out[len(out)-1] == "" {
				continue
			}
			out = append(out, "")
			continue
		}
		out = append(out, collapseSpaces(trimmed))
	}
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func collapseSpaces(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ' ' {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return b.String()
}
