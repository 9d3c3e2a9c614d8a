// ABOUTME: Formatted message content backed by a goldmark markdown AST
// ABOUTME: Renders HTML for backends with rich bodies and plain text for the rest

package format

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// Content is the canonical formatted form of a message body. The core treats
// it as opaque and only adapters render it into their own dialect.
type Content struct {
	source []byte
	doc    ast.Node
}

// Parse converts markdown into Content.
func Parse(markdown string) Content {
	src := []byte(markdown)
	return Content{source: src, doc: md.Parser().Parse(text.NewReader(src))}
}

// Markdown returns the original markdown source.
func (c Content) Markdown() string {
	return string(c.source)
}

// AST returns the parsed document and the source its segments point into.
// Adapters with their own markup dialect render from it. The document is nil
// for zero Content.
func (c Content) AST() (ast.Node, []byte) {
	return c.doc, c.source
}

// IsZero reports whether the content is empty.
func (c Content) IsZero() bool {
	return len(c.source) == 0
}

// HTML renders the content as an HTML fragment.
func (c Content) HTML() (string, error) {
	if c.doc == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := md.Renderer().Render(&buf, c.source, c.doc); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Plain strips markup and returns the visible text, one block per line.
func (c Content) Plain() string {
	if c.doc == nil {
		return ""
	}
	var b strings.Builder
	_ = ast.Walk(c.doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.NextSibling() != nil {
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(c.source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(c.source))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}
