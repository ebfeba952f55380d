// Package anchor stores comments as fuzzy textual anchors and re-resolves
// them against the current chapter text.
package anchor

import (
	"errors"
	"strings"
	"time"

	"thesisdesk/internal/document"
)

// ContextLength is the number of UTF-16 units of prefix and suffix captured
// around a new anchor.
const ContextLength = 100

var (
	// ErrUnresolvable means the anchor's text no longer occurs in the document.
	ErrUnresolvable = errors.New("anchor unresolvable")
	// ErrEmptySelection is returned when capturing an anchor without text.
	ErrEmptySelection = errors.New("empty selection")
)

// Anchor is a comment attached to quoted text plus its surrounding context.
type Anchor struct {
	ID         string     `json:"id"`
	ChapterID  string     `json:"chapter_id"`
	AuthorID   string     `json:"author_id"`
	ExactMatch string     `json:"exact_match"`
	Prefix     string     `json:"prefix"`
	Suffix     string     `json:"suffix"`
	Occurrence int        `json:"occurrence"`
	Body       string     `json:"body"`
	IsRead     bool       `json:"is_read"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Range is a resolved anchor. From and To are document positions usable for
// selections and decorations; Start and End are the matching offsets in the
// linearized text, so End-Start always equals the quoted length.
type Range struct {
	From  int `json:"from"`
	To    int `json:"to"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Resolved pairs an anchor with its range in the current document. Range is
// nil when the quoted text could not be found.
type Resolved struct {
	Anchor Anchor `json:"anchor"`
	Range  *Range `json:"range,omitempty"`
}

// IsResolved reports whether the anchor has a position in the document.
func (r Resolved) IsResolved() bool {
	return r.Range != nil
}

// Resolve finds the best match for a in text.
//
// Every literal occurrence of the quote is scored: two points when the text
// right before it equals the stored prefix and two when the text right after
// it equals the stored suffix. The highest score wins and ties go to the
// earliest occurrence. When the anchor carries no context at all, its
// Occurrence index picks the match instead, falling back to the first one.
func Resolve(text document.Text, a Anchor) (Range, error) {
	if a.ExactMatch == "" {
		return Range{}, ErrUnresolvable
	}
	matches := text.IndexAll(a.ExactMatch)
	if len(matches) == 0 {
		return Range{}, ErrUnresolvable
	}

	length := document.UnitLen(a.ExactMatch)
	start := pick(text, matches, length, a)
	end := start + length

	from, ok := text.PositionAt(start)
	if !ok {
		return Range{}, ErrUnresolvable
	}
	to, ok := text.EndPositionAt(end)
	if !ok {
		return Range{}, ErrUnresolvable
	}
	return Range{From: from, To: to, Start: start, End: end}, nil
}

func pick(text document.Text, matches []int, length int, a Anchor) int {
	if len(matches) == 1 {
		return matches[0]
	}
	if a.Prefix == "" && a.Suffix == "" {
		if a.Occurrence >= 0 && a.Occurrence < len(matches) {
			return matches[a.Occurrence]
		}
		return matches[0]
	}

	prefixLen := document.UnitLen(a.Prefix)
	suffixLen := document.UnitLen(a.Suffix)
	best, bestScore := matches[0], -1
	for _, start := range matches {
		score := 0
		if a.Prefix != "" && text.Slice(start-prefixLen, start) == a.Prefix {
			score += 2
		}
		end := start + length
		if a.Suffix != "" && text.Slice(end, end+suffixLen) == a.Suffix {
			score += 2
		}
		if score > bestScore {
			best, bestScore = start, score
		}
	}
	return best
}

// Capture builds an anchor for the selection [from, to) of doc. The quote is
// taken from the linearized text so a later Resolve on the same document
// returns the same range. A bound that splits a surrogate pair widens the
// selection to the whole character; context bounds shrink instead.
func Capture(doc *document.Node, from, to int, body string) (Anchor, error) {
	text := document.Linearize(doc)
	start, end := text.RuneStart(text.OffsetAt(from)), text.RuneEnd(text.OffsetAt(to))
	if start >= end {
		return Anchor{}, ErrEmptySelection
	}
	exact := text.Slice(start, end)
	if strings.TrimSpace(exact) == "" {
		return Anchor{}, ErrEmptySelection
	}

	occurrence := 0
	for i, match := range text.IndexAll(exact) {
		if match == start {
			occurrence = i
			break
		}
	}

	return Anchor{
		ExactMatch: exact,
		Prefix:     text.Slice(text.RuneEnd(start-ContextLength), start),
		Suffix:     text.Slice(end, text.RuneStart(end+ContextLength)),
		Occurrence: occurrence,
		Body:       body,
	}, nil
}
