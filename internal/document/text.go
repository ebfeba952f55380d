package document

import (
	"strings"
	"unicode/utf16"
)

const blockSeparator = "\n"

var leafText = utf16.Encode([]rune("\n"))

// Text is the linearized form of a document. Offsets are UTF-16 code units,
// matching the positions the editor uses.
type Text struct {
	units    []uint16
	segments []segment
	blocks   []textblock
}

// segment maps a run of linear units onto contiguous document positions.
type segment struct {
	start  int
	pos    int
	length int
}

// textblock records where a textblock's content lives in both coordinate spaces.
type textblock struct {
	start      int
	end        int
	contentPos int
	contentEnd int
}

// Linearize flattens every text node of doc in document order. A separator is
// written before each textblock except the first and each leaf contributes a
// newline, so identical trees always produce identical text.
func Linearize(doc *Node) Text {
	w := &textWriter{first: true, record: true}
	if doc != nil {
		w.walk(doc.Content, 0, doc.ContentSize(), 0)
	}
	return Text{units: w.out, segments: w.segments, blocks: w.blocks}
}

// TextBetween returns the text between two document positions using the
// same separator rules as Linearize.
func TextBetween(doc *Node, from, to int) string {
	if doc == nil {
		return ""
	}
	size := doc.ContentSize()
	from = clamp(from, 0, size)
	to = clamp(to, 0, size)
	if from >= to {
		return ""
	}
	w := &textWriter{first: true}
	w.walk(doc.Content, from, to, 0)
	return string(utf16.Decode(w.out))
}

// String returns the full linearized text.
func (t Text) String() string {
	return string(utf16.Decode(t.units))
}

// Len is the text length in UTF-16 code units.
func (t Text) Len() int {
	return len(t.units)
}

// Slice returns the text between two linear offsets, clamped to the text.
func (t Text) Slice(from, to int) string {
	from = clamp(from, 0, len(t.units))
	to = clamp(to, 0, len(t.units))
	if from >= to {
		return ""
	}
	return string(utf16.Decode(t.units[from:to]))
}

// RuneStart moves an offset that splits a surrogate pair back to the start
// of the pair. Other offsets are only clamped to the text.
func (t Text) RuneStart(offset int) int {
	offset = clamp(offset, 0, len(t.units))
	if t.splitsPair(offset) {
		return offset - 1
	}
	return offset
}

// RuneEnd moves an offset that splits a surrogate pair past the end of the
// pair. Other offsets are only clamped to the text.
func (t Text) RuneEnd(offset int) int {
	offset = clamp(offset, 0, len(t.units))
	if t.splitsPair(offset) {
		return offset + 1
	}
	return offset
}

func (t Text) splitsPair(offset int) bool {
	if offset <= 0 || offset >= len(t.units) {
		return false
	}
	hi, lo := t.units[offset-1], t.units[offset]
	return hi >= 0xd800 && hi < 0xdc00 && lo >= 0xdc00 && lo < 0xe000
}

// IndexAll returns the start offset of every literal occurrence of sub,
// including overlapping ones, in ascending order.
func (t Text) IndexAll(sub string) []int {
	needle := utf16.Encode([]rune(sub))
	if len(needle) == 0 || len(needle) > len(t.units) {
		return nil
	}
	var out []int
	for i := 0; i+len(needle) <= len(t.units); i++ {
		if equalUnits(t.units[i:i+len(needle)], needle) {
			out = append(out, i)
		}
	}
	return out
}

// PositionAt maps a linear offset to the document position where a range
// starting at that offset begins. Offsets on a block separator map to the end
// of the preceding block.
func (t Text) PositionAt(offset int) (int, bool) {
	for _, s := range t.segments {
		if offset >= s.start && offset < s.start+s.length {
			return s.pos + offset - s.start, true
		}
	}
	for _, b := range t.blocks {
		if offset == b.start {
			return b.contentPos, true
		}
	}
	for _, b := range t.blocks {
		if offset == b.end {
			return b.contentEnd, true
		}
	}
	if offset == 0 && len(t.units) == 0 {
		return 0, true
	}
	return 0, false
}

// EndPositionAt maps a linear offset to the document position where a range
// ending at that offset stops. An offset just after a separator maps to the
// start of the following block's content.
func (t Text) EndPositionAt(offset int) (int, bool) {
	for _, s := range t.segments {
		if offset > s.start && offset <= s.start+s.length {
			return s.pos + offset - s.start, true
		}
	}
	for _, b := range t.blocks {
		if offset == b.start {
			return b.contentPos, true
		}
	}
	for _, b := range t.blocks {
		if offset == b.end {
			return b.contentEnd, true
		}
	}
	if offset == 0 && len(t.units) == 0 {
		return 0, true
	}
	return 0, false
}

// OffsetAt maps a document position to a linear offset. Positions between
// blocks snap forward to the start of the next block's text.
func (t Text) OffsetAt(pos int) int {
	for _, s := range t.segments {
		if pos >= s.pos && pos <= s.pos+s.length {
			return s.start + pos - s.pos
		}
	}
	for _, b := range t.blocks {
		if pos == b.contentPos {
			return b.start
		}
		if pos == b.contentEnd {
			return b.end
		}
	}
	for _, b := range t.blocks {
		if b.contentPos >= pos {
			return b.start
		}
	}
	return len(t.units)
}

type textWriter struct {
	out      []uint16
	first    bool
	record   bool
	segments []segment
	blocks   []textblock
}

// walk visits children overlapping [from, to), both relative to the parent's
// content start which sits at absolute position nodeStart.
func (w *textWriter) walk(children []*Node, from, to, nodeStart int) {
	pos := 0
	for _, child := range children {
		if pos >= to {
			break
		}
		size := child.Size()
		end := pos + size
		if end > from {
			w.visit(child, nodeStart+pos, from-pos, to-pos, size)
		}
		pos = end
	}
}

func (w *textWriter) visit(n *Node, abs, from, to, size int) {
	switch {
	case n.IsText():
		units := utf16.Encode([]rune(n.Text))
		lo := max(from, 0)
		hi := min(to, len(units))
		if lo < hi {
			w.write(abs+lo, units[lo:hi])
		}
	case n.IsLeaf():
		if n.IsBlock() {
			w.separate()
			if w.record {
				w.blocks = append(w.blocks, textblock{
					start:      len(w.out),
					end:        len(w.out) + len(leafText),
					contentPos: abs,
					contentEnd: abs + 1,
				})
			}
		}
		w.write(abs, leafText)
	default:
		isTextblock := n.IsTextblock()
		if isTextblock {
			w.separate()
		}
		blockIndex := len(w.blocks)
		if isTextblock && w.record {
			w.blocks = append(w.blocks, textblock{
				start:      len(w.out),
				contentPos: abs + 1,
				contentEnd: abs + size - 1,
			})
		}
		if len(n.Content) > 0 {
			w.walk(n.Content, max(0, from-1), min(n.ContentSize(), to-1), abs+1)
		}
		if isTextblock && w.record {
			w.blocks[blockIndex].end = len(w.out)
		}
	}
}

func (w *textWriter) separate() {
	if w.first {
		w.first = false
		return
	}
	w.out = append(w.out, utf16.Encode([]rune(blockSeparator))...)
}

func (w *textWriter) write(pos int, units []uint16) {
	if w.record && len(units) > 0 {
		w.segments = append(w.segments, segment{start: len(w.out), pos: pos, length: len(units)})
	}
	w.out = append(w.out, units...)
}

func equalUnits(a, b []uint16) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PlainText joins the text of every node, separating blocks with newlines.
// It is a lossy helper for search indexing and previews.
func PlainText(doc *Node) string {
	return strings.TrimSpace(Linearize(doc).String())
}
