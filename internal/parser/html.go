package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// HTML extracts readable text from an HTML page. Block elements become
// paragraph breaks so that paragraph chunking works on the result.
type HTML struct{}

func (p *HTML) Name() string { return "html" }

func (p *HTML) CanHandle(in Input) bool {
	m := strings.ToLower(in.MimeType)
	return strings.Contains(m, "text/html") || strings.Contains(m, "xhtml") || in.Ext() == ".html" || in.Ext() == ".htm"
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"br": true, "table": true, "ul": true, "ol": true, "blockquote": true, "pre": true,
}

func (p *HTML) Parse(ctx context.Context, in Input) (*Result, error) {
	doc, err := html.Parse(bytes.NewReader(in.Data))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	var title string
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				if n.Data == "head" {
					findTitle(n, &title)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			b.WriteString("\n\n")
		}
	}
	walk(doc)

	res := &Result{Text: collapseBlankLines(b.String())}
	if title != "" {
		res.Metadata = map[string]any{"title": title}
	}
	return res, nil
}

func findTitle(n *html.Node, title *string) {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		*title = strings.TrimSpace(n.FirstChild.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		findTitle(c, title)
	}
}

// collapseBlankLines trims every line and keeps at most one blank line
// between paragraphs.
func collapseBlankLines(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
