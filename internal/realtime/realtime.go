// Package realtime abstracts a shared pub/sub channel with row-change
// notifications, ephemeral broadcasts and presence tracking. Transport payloads
// are converted to the typed events below inside each adapter.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrClosed = errors.New("channel closed")

// Status reports a channel lifecycle transition.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// EventKind selects what a handler receives.
type EventKind string

const (
	KindPresenceSync EventKind = "presence_sync"
	KindBroadcast    EventKind = "broadcast"
	KindInsert       EventKind = "INSERT"
	KindUpdate       EventKind = "UPDATE"
)

// TypingEvent is the broadcast event name used for typing indicators.
const TypingEvent = "typing"

// Binding describes one subscription on a channel.
type Binding struct {
	Kind  EventKind
	Event string
	Table string
}

func PresenceSyncs() Binding { return Binding{Kind: KindPresenceSync} }

func Typing() Binding { return Binding{Kind: KindBroadcast, Event: TypingEvent} }

func RowInserts(table string) Binding { return Binding{Kind: KindInsert, Table: table} }

func RowUpdates(table string) Binding { return Binding{Kind: KindUpdate, Table: table} }

// Event is the closed set of inbound events.
type Event interface {
	isEvent()
}

// PresenceSync carries the full membership snapshot after any join or leave.
type PresenceSync struct {
	State map[string][]Presence
}

// TypingBroadcast is an ephemeral typing indicator.
type TypingBroadcast struct {
	From     string `json:"from"`
	To       string `json:"to"`
	IsTyping bool   `json:"isTyping"`
}

// RowInsert is a newly inserted row.
type RowInsert struct {
	Table  string
	Record map[string]any
}

// RowUpdate is an updated row with its previous values when known.
type RowUpdate struct {
	Table  string
	Record map[string]any
	Old    map[string]any
}

// StatusChange reports a lifecycle transition.
type StatusChange struct {
	Status Status
	Err    error
}

func (PresenceSync) isEvent()    {}
func (TypingBroadcast) isEvent() {}
func (RowInsert) isEvent()       {}
func (RowUpdate) isEvent()       {}
func (StatusChange) isEvent()    {}

// Presence is one tracked connection of a presence key.
type Presence struct {
	Ref  string         `json:"presence_ref,omitempty"`
	Meta map[string]any `json:"meta"`
}

type Handler func(Event)

type StatusFunc func(Status, error)

// Channel is one subscription to a shared topic. Handlers must be registered
// before Subscribe. A closed channel never delivers further events.
type Channel interface {
	On(b Binding, h Handler)
	Subscribe(ctx context.Context, status StatusFunc) error
	Send(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, meta map[string]any) error
	PresenceState() map[string][]Presence
	Close() error
}

// Dialer creates a channel for topic whose presence entries are keyed by key.
type Dialer func(topic, key string) (Channel, error)

// Change is a row mutation announced to subscribers.
type Change struct {
	Table  string
	Kind   EventKind
	Record map[string]any
	Old    map[string]any
}

// ChangePublisher announces row mutations for transports that do not capture
// them from the database themselves.
type ChangePublisher interface {
	PublishChange(ctx context.Context, c Change) error
}

// decodeTyping converts a broadcast payload into a TypingBroadcast.
func decodeTyping(payload json.RawMessage) (TypingBroadcast, error) {
	var t TypingBroadcast
	if err := json.Unmarshal(payload, &t); err != nil {
		return TypingBroadcast{}, err
	}
	return t, nil
}

// handlers fans events out to the registered bindings.
type handlers struct {
	bindings []Binding
	funcs    []Handler
}

func (h *handlers) add(b Binding, fn Handler) {
	h.bindings = append(h.bindings, b)
	h.funcs = append(h.funcs, fn)
}

func (h *handlers) tables(kind EventKind) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, b := range h.bindings {
		if b.Kind != kind {
			continue
		}
		if _, ok := seen[b.Table]; ok {
			continue
		}
		seen[b.Table] = struct{}{}
		out = append(out, b.Table)
	}
	return out
}

func (h *handlers) wants(kind EventKind) bool {
	for _, b := range h.bindings {
		if b.Kind == kind {
			return true
		}
	}
	return false
}

func (h *handlers) dispatch(ev Event) {
	for i, b := range h.bindings {
		if matchesBinding(b, ev) {
			h.funcs[i](ev)
		}
	}
}

func matchesBinding(b Binding, ev Event) bool {
	switch e := ev.(type) {
	case PresenceSync:
		return b.Kind == KindPresenceSync
	case TypingBroadcast:
		return b.Kind == KindBroadcast && b.Event == TypingEvent
	case RowInsert:
		return b.Kind == KindInsert && b.Table == e.Table
	case RowUpdate:
		return b.Kind == KindUpdate && b.Table == e.Table
	}
	return false
}

// copyPresence deep-copies a presence map so callers cannot mutate adapter state.
func copyPresence(state map[string][]Presence) map[string][]Presence {
	out := make(map[string][]Presence, len(state))
	for key, entries := range state {
		out[key] = append([]Presence(nil), entries...)
	}
	return out
}
