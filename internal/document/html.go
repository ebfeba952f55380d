package document

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode/utf16"
)

// Highlight marks a document range to be wrapped in <mark> when rendering.
type Highlight struct {
	From int
	To   int
	ID   string
}

// ToHTML converts a ProseMirror doc to HTML. Text inside any highlight range
// is wrapped in <mark data-comment-id="...">.
func ToHTML(doc *Node, highlights ...Highlight) string {
	if doc == nil {
		return ""
	}
	r := &htmlRenderer{highlights: append([]Highlight(nil), highlights...)}
	sort.SliceStable(r.highlights, func(i, j int) bool {
		return r.highlights[i].From < r.highlights[j].From
	})
	if doc.Type == "doc" {
		return r.renderContent(doc.Content, 0)
	}
	return r.renderNode(doc, 0)
}

type htmlRenderer struct {
	highlights []Highlight
}

// renderNode renders n, which starts at absolute position pos.
func (r *htmlRenderer) renderNode(n *Node, pos int) string {
	inner := func() string { return r.renderContent(n.Content, pos+1) }

	switch n.Type {
	case "doc":
		return r.renderContent(n.Content, 0)
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", inner())
	case "heading":
		level := n.IntAttr("level", 1)
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, inner(), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", inner())
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", inner())
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", inner())
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", inner())
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", inner())
	case "text":
		return r.renderText(n, pos)
	case "hardBreak":
		return "<br>"
	case "image":
		return fmt.Sprintf(`<img src="%s" alt="%s">`+"\n", html.EscapeString(n.Attr("src")), html.EscapeString(n.Attr("alt")))
	case "table":
		return fmt.Sprintf("<table>\n%s</table>\n", inner())
	case "tableRow":
		return fmt.Sprintf("<tr>\n%s</tr>\n", inner())
	case "tableCell":
		return fmt.Sprintf("<td>%s</td>\n", inner())
	case "tableHeader":
		return fmt.Sprintf("<th>%s</th>\n", inner())
	case "horizontalRule":
		return "<hr>\n"
	default:
		return inner()
	}
}

func (r *htmlRenderer) renderContent(children []*Node, start int) string {
	var b strings.Builder
	pos := start
	for _, child := range children {
		b.WriteString(r.renderNode(child, pos))
		pos += child.Size()
	}
	return b.String()
}

// renderText splits a text node at highlight boundaries.
func (r *htmlRenderer) renderText(n *Node, pos int) string {
	if n.Text == "" {
		return ""
	}
	units := utf16.Encode([]rune(n.Text))
	end := pos + len(units)

	var b strings.Builder
	cursor := pos
	for _, h := range r.highlights {
		from := max(h.From, cursor)
		to := min(h.To, end)
		if from >= to {
			continue
		}
		if from > cursor {
			b.WriteString(applyMarks(decodeRange(units, cursor-pos, from-pos), n.Marks))
		}
		marked := applyMarks(decodeRange(units, from-pos, to-pos), n.Marks)
		fmt.Fprintf(&b, `<mark data-comment-id="%s">%s</mark>`, html.EscapeString(h.ID), marked)
		cursor = to
	}
	if cursor < end {
		b.WriteString(applyMarks(decodeRange(units, cursor-pos, end-pos), n.Marks))
	}
	return b.String()
}

func decodeRange(units []uint16, from, to int) string {
	return string(utf16.Decode(units[from:to]))
}

// applyMarks renders text with formatting marks
func applyMarks(text string, marks []Mark) string {
	htmlText := html.EscapeString(text)

	// Apply marks from outside in
	for i := len(marks) - 1; i >= 0; i-- {
		mark := marks[i]
		switch mark.Type {
		case "bold":
			htmlText = fmt.Sprintf("<strong>%s</strong>", htmlText)
		case "italic":
			htmlText = fmt.Sprintf("<em>%s</em>", htmlText)
		case "code":
			htmlText = fmt.Sprintf("<code>%s</code>", htmlText)
		case "link":
			href, _ := mark.Attrs["href"].(string)
			htmlText = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), htmlText)
		case "strike":
			htmlText = fmt.Sprintf("<s>%s</s>", htmlText)
		case "underline":
			htmlText = fmt.Sprintf("<u>%s</u>", htmlText)
		case "highlight":
			htmlText = fmt.Sprintf("<mark>%s</mark>", htmlText)
		}
	}
	return htmlText
}
