package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func txt(s string, marks ...string) *Node {
	n := &Node{Type: "text", Text: s}
	for _, m := range marks {
		n.Marks = append(n.Marks, Mark{Type: m})
	}
	return n
}

func para(children ...*Node) *Node {
	return &Node{Type: "paragraph", Content: children}
}

func doc(children ...*Node) *Node {
	return &Node{Type: "doc", Content: children}
}

func list(items ...*Node) *Node {
	out := &Node{Type: "bulletList"}
	for _, item := range items {
		out.Content = append(out.Content, &Node{Type: "listItem", Content: []*Node{item}})
	}
	return out
}

func TestParse(t *testing.T) {
	d, err := Parse([]byte(`{"type":"doc","content":[{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"Methods"}]}]}`))
	require.NoError(t, err)
	require.Len(t, d.Content, 1)
	assert.Equal(t, "heading", d.Content[0].Type)
	assert.Equal(t, 2, d.Content[0].IntAttr("level", 1))
	assert.Equal(t, 9, d.ContentSize())

	_, err = Parse([]byte(`{"type":"paragraph"}`))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	_, err = Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestParseAnyAcceptsDecodedJSON(t *testing.T) {
	generic := map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{"type": "paragraph", "content": []any{map[string]any{"type": "text", "text": "hi"}}},
		},
	}
	d, err := ParseAny(generic)
	require.NoError(t, err)
	assert.Equal(t, "hi", Linearize(d).String())

	_, err = ParseAny(nil)
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestSizes(t *testing.T) {
	assert.Equal(t, 5, txt("Hello").Size())
	// U+1F600 is a surrogate pair in UTF-16.
	assert.Equal(t, 4, txt("a😀b").Size())
	assert.Equal(t, 1, (&Node{Type: "hardBreak"}).Size())
	assert.Equal(t, 2, para().Size())
	assert.Equal(t, 7, para(txt("Hello")).Size())
	assert.Equal(t, 14, doc(para(txt("Hello")), para(txt("World"))).ContentSize())
}

func TestLinearizeSeparators(t *testing.T) {
	tests := []struct {
		name string
		doc  *Node
		want string
	}{
		{"empty doc", doc(), ""},
		{"single paragraph", doc(para(txt("Hello"))), "Hello"},
		{"two paragraphs", doc(para(txt("Hello")), para(txt("World"))), "Hello\nWorld"},
		{"empty paragraph still separates", doc(para(txt("a")), para(), para(txt("b"))), "a\n\nb"},
		{"leading empty paragraph", doc(para(), para(txt("b"))), "\nb"},
		{"hard break", doc(para(txt("ab"), &Node{Type: "hardBreak"}, txt("cd"))), "ab\ncd"},
		{"marks split text nodes", doc(para(txt("plain "), txt("bold", "bold"))), "plain bold"},
		{"nested list", doc(para(txt("Intro")), list(para(txt("x")), para(txt("y")))), "Intro\nx\ny"},
		{"block leaf", doc(para(txt("a")), &Node{Type: "horizontalRule"}, para(txt("b"))), "a\n\n\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := Linearize(tt.doc)
			assert.Equal(t, tt.want, text.String())
			assert.Equal(t, tt.want, TextBetween(tt.doc, 0, tt.doc.ContentSize()))
		})
	}
}

func TestLinearizeIsDeterministic(t *testing.T) {
	raw := []byte(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"The results show"}]},{"type":"paragraph","content":[{"type":"text","text":"a 15% improvement"}]}]}`)
	a, err := Parse(raw)
	require.NoError(t, err)
	b, err := Parse(raw)
	require.NoError(t, err)

	ta, tb := Linearize(a), Linearize(b)
	assert.Equal(t, ta.String(), tb.String())
	assert.Equal(t, ta, tb)
}

func TestPositionMapping(t *testing.T) {
	d := doc(para(txt("Hello")), para(txt("World")))
	text := Linearize(d)

	pos, ok := text.PositionAt(0)
	require.True(t, ok)
	assert.Equal(t, 1, pos)

	pos, ok = text.PositionAt(6)
	require.True(t, ok)
	assert.Equal(t, 8, pos)

	// The separator belongs to the end of the first block.
	pos, ok = text.PositionAt(5)
	require.True(t, ok)
	assert.Equal(t, 6, pos)

	pos, ok = text.EndPositionAt(5)
	require.True(t, ok)
	assert.Equal(t, 6, pos)

	pos, ok = text.EndPositionAt(11)
	require.True(t, ok)
	assert.Equal(t, 13, pos)

	_, ok = text.PositionAt(99)
	assert.False(t, ok)

	assert.Equal(t, 0, text.OffsetAt(1))
	assert.Equal(t, 6, text.OffsetAt(8))
	assert.Equal(t, 5, text.OffsetAt(6))
	// Between blocks snaps forward.
	assert.Equal(t, 6, text.OffsetAt(7))
	assert.Equal(t, 11, text.OffsetAt(13))
}

func TestPositionMappingInlineLeaf(t *testing.T) {
	d := doc(para(txt("ab"), &Node{Type: "hardBreak"}, txt("cd")))
	text := Linearize(d)

	pos, ok := text.PositionAt(3)
	require.True(t, ok)
	assert.Equal(t, 4, pos)

	pos, ok = text.EndPositionAt(5)
	require.True(t, ok)
	assert.Equal(t, 6, pos)

	assert.Equal(t, 3, text.OffsetAt(4))
}

func TestRoundTripEveryRange(t *testing.T) {
	docs := map[string]*Node{
		"paragraphs": doc(para(txt("Hello")), para(txt("World"))),
		"empty":      doc(para(txt("a")), para(), para(txt("b"))),
		"lists":      doc(para(txt("Intro")), list(para(txt("x")), para(txt("yz"))), para(txt("end"))),
		"marks":      doc(&Node{Type: "heading", Attrs: map[string]any{"level": 1.0}, Content: []*Node{txt("Title")}}, para(txt("one "), txt("two", "italic"), &Node{Type: "hardBreak"}, txt("three"))),
	}

	for name, d := range docs {
		t.Run(name, func(t *testing.T) {
			text := Linearize(d)
			for i := 0; i < text.Len(); i++ {
				for j := i + 1; j <= text.Len(); j++ {
					from, ok := text.PositionAt(i)
					require.Truef(t, ok, "start %d", i)
					to, ok := text.EndPositionAt(j)
					require.Truef(t, ok, "end %d", j)
					assert.Equalf(t, text.Slice(i, j), TextBetween(d, from, to), "range [%d,%d) -> [%d,%d)", i, j, from, to)
				}
			}
		})
	}
}

func TestIndexAll(t *testing.T) {
	text := Linearize(doc(para(txt("aaa ab a"))))
	assert.Equal(t, []int{0, 1}, text.IndexAll("aa"))
	assert.Equal(t, []int{0, 1, 2, 4, 7}, text.IndexAll("a"))
	assert.Nil(t, text.IndexAll(""))
	assert.Nil(t, text.IndexAll("zzz"))
}

func TestSliceAndUnitLen(t *testing.T) {
	text := Linearize(doc(para(txt("a😀b"))))
	assert.Equal(t, 4, text.Len())
	assert.Equal(t, "😀", text.Slice(1, 3))
	assert.Equal(t, "a😀b", text.Slice(-5, 50))
	assert.Equal(t, "", text.Slice(3, 1))
	assert.Equal(t, 2, UnitLen("😀"))
}

func TestRuneBoundaries(t *testing.T) {
	text := Linearize(doc(para(txt("a😀b"))))
	assert.Equal(t, 1, text.RuneStart(2))
	assert.Equal(t, 3, text.RuneEnd(2))
	assert.Equal(t, 1, text.RuneStart(1))
	assert.Equal(t, 3, text.RuneEnd(3))
	assert.Equal(t, 0, text.RuneEnd(-3))
	assert.Equal(t, 4, text.RuneStart(9))
}
