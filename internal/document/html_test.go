package document

import (
	"strings"
	"testing"
)

func TestToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    *Node
		expected string
	}{
		{
			name:     "nil input",
			input:    nil,
			expected: "",
		},
		{
			name:     "simple paragraph",
			input:    doc(para(txt("Hello world"))),
			expected: "<p>Hello world</p>",
		},
		{
			name:     "heading with levels",
			input:    doc(&Node{Type: "heading", Attrs: map[string]any{"level": 2.0}, Content: []*Node{txt("Section Title")}}),
			expected: "<h2>Section Title</h2>",
		},
		{
			name:     "bold and italic text",
			input:    doc(para(txt("Bold and italic", "bold", "italic"))),
			expected: "<strong><em>Bold and italic</em></strong>",
		},
		{
			name:     "bullet list",
			input:    doc(list(para(txt("Item 1")))),
			expected: "<ul>",
		},
		{
			name:     "code block",
			input:    doc(&Node{Type: "codeBlock", Content: []*Node{txt("a < b")}}),
			expected: "<pre><code>a &lt; b</code></pre>",
		},
		{
			name:     "escapes text",
			input:    doc(para(txt("<script>"))),
			expected: "<p>&lt;script&gt;</p>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := strings.TrimSpace(ToHTML(tt.input))
			if !strings.Contains(result, tt.expected) {
				t.Errorf("ToHTML() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestToHTMLHighlights(t *testing.T) {
	d := doc(para(txt("Hello")), para(txt("big "), txt("World", "bold")))

	// "llo" in the first block: positions 3..6.
	got := ToHTML(d, Highlight{From: 3, To: 6, ID: "c1"})
	if !strings.Contains(got, `<p>He<mark data-comment-id="c1">llo</mark></p>`) {
		t.Fatalf("unexpected highlight rendering: %s", got)
	}

	// A range spanning two text nodes keeps marks inside the highlight.
	got = ToHTML(d, Highlight{From: 10, To: 14, ID: "c2"})
	want := `<p>bi<mark data-comment-id="c2">g </mark><mark data-comment-id="c2"><strong>Wo</strong></mark><strong>rld</strong></p>`
	if !strings.Contains(got, want) {
		t.Fatalf("ToHTML() = %s, want substring %s", got, want)
	}
}
