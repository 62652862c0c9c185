package ingest

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML subtrees that never carry documentation text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Iframe:   true,
}

var multiNewlineRe = regexp.MustCompile(`\n{3,}`)

// ExtractText converts a raw document into plain text suitable for indexing.
// PDF and HTML get their text pulled out; anything else passes through.
func ExtractText(raw []byte, contentType string) (string, error) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return extractPDF(raw)
	case strings.Contains(ct, "html"):
		return extractHTML(raw), nil
	default:
		return string(raw), nil
	}
}

func extractPDF(raw []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %w", err)
	}
	rc, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}

// extractHTML returns the visible text of an HTML document. Parse failures
// fall back to the raw bytes rather than losing content.
func extractHTML(raw []byte) string {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}

	var buf strings.Builder
	buf.Grow(len(raw) / 3)
	walkHTML(doc, &buf)

	text := multiNewlineRe.ReplaceAllString(buf.String(), "\n\n")
	return strings.TrimSpace(text)
}

func walkHTML(n *html.Node, buf *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			buf.WriteString(t)
			buf.WriteString(" ")
		}
		return
	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, buf)
	}

	if n.Type == html.ElementNode && isBlockElement(n.DataAtom) {
		buf.WriteString("\n")
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.Div, atom.P, atom.Section, atom.Article, atom.Pre,
		atom.Ul, atom.Ol, atom.Li, atom.Table, atom.Tr, atom.Blockquote,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Br:
		return true
	}
	return false
}
