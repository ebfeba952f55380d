// Package document models ProseMirror chapter content: parsing, size
// accounting, deterministic text linearization and HTML rendering.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf16"
)

// Node represents a node in the ProseMirror document tree
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark represents a text mark (formatting)
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// ErrInvalidDocument is returned when content is not a ProseMirror doc node.
var ErrInvalidDocument = errors.New("invalid document")

var textblockTypes = map[string]struct{}{
	"paragraph": {},
	"heading":   {},
	"codeBlock": {},
}

var inlineTypes = map[string]struct{}{
	"text":      {},
	"hardBreak": {},
	"mention":   {},
	"emoji":     {},
}

var leafTypes = map[string]struct{}{
	"hardBreak":      {},
	"mention":        {},
	"emoji":          {},
	"image":          {},
	"horizontalRule": {},
}

// Parse decodes ProseMirror JSON. The root must be a "doc" node.
func Parse(raw []byte) (*Node, error) {
	var root Node
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if root.Type != "doc" {
		return nil, fmt.Errorf("%w: root type %q", ErrInvalidDocument, root.Type)
	}
	return &root, nil
}

// ParseAny accepts content that was already decoded into generic JSON values.
func ParseAny(value any) (*Node, error) {
	if value == nil {
		return nil, ErrInvalidDocument
	}
	switch typed := value.(type) {
	case *Node:
		return typed, nil
	case []byte:
		return Parse(typed)
	case json.RawMessage:
		return Parse(typed)
	case string:
		return Parse([]byte(typed))
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return Parse(raw)
}

// Empty returns a doc holding one empty paragraph, the editor's blank state.
func Empty() *Node {
	return &Node{Type: "doc", Content: []*Node{{Type: "paragraph"}}}
}

// Marshal encodes the node back into ProseMirror JSON.
func (n *Node) Marshal() ([]byte, error) {
	return json.Marshal(n)
}

// IsText reports whether the node is a text leaf.
func (n *Node) IsText() bool {
	return n.Type == "text"
}

// IsLeaf reports whether the schema forbids content for this node type.
func (n *Node) IsLeaf() bool {
	if n.IsText() {
		return true
	}
	_, ok := leafTypes[n.Type]
	return ok
}

// IsBlock reports whether the node is block-level.
func (n *Node) IsBlock() bool {
	_, inline := inlineTypes[n.Type]
	return !inline
}

// IsTextblock reports whether the node is a block that directly holds inline content.
func (n *Node) IsTextblock() bool {
	if _, ok := textblockTypes[n.Type]; ok {
		return true
	}
	if n.IsLeaf() || !n.IsBlock() || n.Type == "doc" || len(n.Content) == 0 {
		return false
	}
	return !n.Content[0].IsBlock()
}

// Size is the node's ProseMirror size: UTF-16 length for text, 1 for other
// leaves, and content size plus the two boundary tokens for branches.
func (n *Node) Size() int {
	if n.IsText() {
		return unitLen(n.Text)
	}
	if n.IsLeaf() {
		return 1
	}
	return n.ContentSize() + 2
}

// ContentSize is the summed size of the node's children.
func (n *Node) ContentSize() int {
	total := 0
	for _, child := range n.Content {
		total += child.Size()
	}
	return total
}

// Attr returns a string attribute or "".
func (n *Node) Attr(key string) string {
	if n.Attrs == nil {
		return ""
	}
	value, _ := n.Attrs[key].(string)
	return value
}

// IntAttr returns a numeric attribute, accepting JSON floats.
func (n *Node) IntAttr(key string, fallback int) int {
	if n.Attrs == nil {
		return fallback
	}
	switch value := n.Attrs[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	}
	return fallback
}

// UnitLen returns the length of s in UTF-16 code units, the unit the editor
// counts positions in.
func UnitLen(s string) int {
	return unitLen(s)
}

func unitLen(s string) int {
	total := 0
	for _, r := range s {
		total += utf16.RuneLen(r)
	}
	return total
}
