package anchor

import (
	"sync"

	"thesisdesk/internal/document"
)

// ActiveClass is the decoration class applied to the active comment.
const ActiveClass = "rte-comment-highlight-active"

// Decoration is a highlighted range for a renderer to apply.
type Decoration struct {
	From     int    `json:"from"`
	To       int    `json:"to"`
	Class    string `json:"class"`
	AnchorID string `json:"anchor_id"`
}

// Resolver holds the resolved anchors of one document session and the
// currently active comment. It is safe for concurrent use.
type Resolver struct {
	mu    sync.Mutex
	state *resolverState
}

// resolverState is never mutated after publication.
type resolverState struct {
	order   []string
	entries map[string]Resolved
	active  string
}

// NewResolver returns an empty, idle resolver.
func NewResolver() *Resolver {
	return &Resolver{state: &resolverState{entries: map[string]Resolved{}}}
}

// Hydrate resolves every anchor against doc and replaces the previous map.
// The active comment is cleared.
func (r *Resolver) Hydrate(doc *document.Node, anchors []Anchor) {
	text := document.Linearize(doc)
	next := &resolverState{
		order:   make([]string, 0, len(anchors)),
		entries: make(map[string]Resolved, len(anchors)),
	}
	for _, a := range anchors {
		entry := Resolved{Anchor: a}
		if rng, err := Resolve(text, a); err == nil {
			entry.Range = &rng
		}
		if _, dup := next.entries[a.ID]; !dup {
			next.order = append(next.order, a.ID)
		}
		next.entries[a.ID] = entry
	}

	r.mu.Lock()
	r.state = next
	r.mu.Unlock()
}

// Toggle activates id, or returns to idle when id is already active. found is
// false when id is unknown or unresolved, in which case the resolver is idle.
func (r *Resolver) Toggle(id string) (active bool, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.state.entries[id]
	if !ok || entry.Range == nil {
		r.state = r.state.withActive("")
		return false, false
	}
	if r.state.active == id {
		r.state = r.state.withActive("")
		return false, true
	}
	r.state = r.state.withActive(id)
	return true, true
}

// Navigate always activates id and returns the range to move the selection
// to. Unknown or unresolved anchors leave the resolver idle.
func (r *Resolver) Navigate(id string) (Range, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.state.entries[id]
	if !ok || entry.Range == nil {
		r.state = r.state.withActive("")
		return Range{}, false
	}
	r.state = r.state.withActive(id)
	return *entry.Range, true
}

// Activate makes id the active comment.
func (r *Resolver) Activate(id string) bool {
	_, ok := r.Navigate(id)
	return ok
}

// Deactivate returns to idle.
func (r *Resolver) Deactivate() {
	r.mu.Lock()
	r.state = r.state.withActive("")
	r.mu.Unlock()
}

// Active returns the active anchor id, if any.
func (r *Resolver) Active() (string, bool) {
	s := r.snapshot()
	return s.active, s.active != ""
}

// Decorations returns the highlight for the active comment, if any.
func (r *Resolver) Decorations() []Decoration {
	s := r.snapshot()
	if s.active == "" {
		return nil
	}
	entry, ok := s.entries[s.active]
	if !ok || entry.Range == nil {
		return nil
	}
	return []Decoration{{
		From:     entry.Range.From,
		To:       entry.Range.To,
		Class:    ActiveClass,
		AnchorID: s.active,
	}}
}

// Lookup returns the resolution for one anchor.
func (r *Resolver) Lookup(id string) (Resolved, bool) {
	entry, ok := r.snapshot().entries[id]
	return entry, ok
}

// Snapshot lists every anchor in hydration order.
func (r *Resolver) Snapshot() []Resolved {
	s := r.snapshot()
	out := make([]Resolved, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

func (r *Resolver) snapshot() *resolverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (s *resolverState) withActive(id string) *resolverState {
	if s.active == id {
		return s
	}
	return &resolverState{order: s.order, entries: s.entries, active: id}
}
