// ABOUTME: Renders canonical markdown content into Google Chat's text markup
// ABOUTME: *bold*, _italic_, `code`, <url|label> links and bullet lists

package gchat

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark/ast"

	"github.com/2389/coven-chat/internal/format"
)

// Render converts content to Google Chat message text.
func Render(c format.Content) string {
	doc, src := c.AST()
	if doc == nil {
		return ""
	}

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.Emphasis:
			if node.Level >= 2 {
				b.WriteByte('*')
			} else {
				b.WriteByte('_')
			}
		case *ast.Heading:
			b.WriteByte('*')
		case *ast.CodeSpan:
			b.WriteByte('`')
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				b.WriteString("```\n")
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
				b.WriteString("```")
				return ast.WalkSkipChildren, nil
			}
		case *ast.Link:
			if entering {
				fmt.Fprintf(&b, "<%s|", node.Destination)
			} else {
				b.WriteByte('>')
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(src))
				return ast.WalkSkipChildren, nil
			}
		case *ast.Blockquote:
			if entering {
				b.WriteString("> ")
			}
		case *ast.ListItem:
			if entering {
				b.WriteString(listMarker(node))
			}
		}

		if !entering && n.Type() == ast.TypeBlock && n.NextSibling() != nil {
			if _, top := n.Parent().(*ast.Document); top {
				b.WriteString("\n\n")
			} else {
				b.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "• "
	}
	index := list.Start
	for prev := item.PreviousSibling(); prev != nil; prev = prev.PreviousSibling() {
		index++
	}
	return fmt.Sprintf("%d. ", index)
}
