package executor

import (
	"strings"

	"golang.org/x/net/html"
)

// ExtractText strips markup from provider content, returning readable plain
// text. Input without markup passes through unchanged apart from whitespace
// normalization. Script and style bodies are dropped.
func ExtractText(content string) string {
	if !strings.ContainsRune(content, '<') {
		return strings.TrimSpace(content)
	}

	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return strings.TrimSpace(content)
	}

	var b strings.Builder
	collectText(root, &b)
	return strings.TrimSpace(collapseBlankLines(b.String()))
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.ElementNode:
		switch n.Data {
		case "script", "style":
			return
		case "br":
			b.WriteByte('\n')
		case "p", "div", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "blockquote", "pre":
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
		}
	case html.TextNode:
		b.WriteString(n.Data)
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, b)
	}
}

func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
