package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the server
	writeWait = 10 * time.Second

	// Interval between Phoenix heartbeats
	heartbeatInterval = 25 * time.Second

	// Time allowed for the join reply
	joinTimeout = 10 * time.Second

	// Maximum message size allowed from the server
	maxMessageSize = 1024 * 1024
)

// SupabaseRealtime dials Supabase Realtime channels over the Phoenix
// websocket protocol.
type SupabaseRealtime struct {
	endpoint    string
	accessToken string
	dialer      *websocket.Dialer
}

// NewSupabaseRealtime builds a dialer for the project at projectURL
// (https://<ref>.supabase.co). accessToken scopes postgres_changes to the
// user's row-level security policies; it defaults to apiKey.
func NewSupabaseRealtime(projectURL, apiKey, accessToken string) (*SupabaseRealtime, error) {
	u, err := url.Parse(strings.TrimRight(projectURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse supabase url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {apiKey}, "vsn": {"1.0.0"}}.Encode()
	if accessToken == "" {
		accessToken = apiKey
	}
	return &SupabaseRealtime{
		endpoint:    u.String(),
		accessToken: accessToken,
		dialer:      &websocket.Dialer{HandshakeTimeout: joinTimeout},
	}, nil
}

func (s *SupabaseRealtime) Dialer() Dialer {
	return func(topic, key string) (Channel, error) {
		if topic == "" {
			return nil, errors.New("realtime: topic is required")
		}
		return &SupabaseChannel{
			rt:       s,
			topic:    "realtime:" + topic,
			key:      key,
			send:     make(chan []byte, 64),
			done:     make(chan struct{}),
			replies:  map[string]chan phxReply{},
			presence: map[string][]Presence{},
		}, nil
	}
}

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type phxReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type phxPresenceMetas map[string]struct {
	Metas []map[string]any `json:"metas"`
}

type phxPostgresChange struct {
	Data struct {
		Type      string         `json:"type"`
		Table     string         `json:"table"`
		Record    map[string]any `json:"record"`
		OldRecord map[string]any `json:"old_record"`
	} `json:"data"`
}

type phxBroadcast struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// SupabaseChannel is one Phoenix channel on its own websocket connection.
type SupabaseChannel struct {
	rt       *SupabaseRealtime
	topic    string
	key      string
	handlers handlers

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	ref      int
	joinRef  string
	replies  map[string]chan phxReply
	status   StatusFunc
	presence map[string][]Presence
	failed   bool
	closed   bool
}

func (c *SupabaseChannel) On(b Binding, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.add(b, h)
}

func (c *SupabaseChannel) Subscribe(ctx context.Context, status StatusFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.status = status
	c.mu.Unlock()

	conn, _, err := c.rt.dialer.DialContext(ctx, c.rt.endpoint, nil)
	if err != nil {
		c.report(StatusChannelError, err)
		return fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()

	reply, err := c.request(ctx, c.topic, "phx_join", c.joinPayload(), true)
	if err != nil {
		st := StatusChannelError
		if errors.Is(err, context.DeadlineExceeded) {
			st = StatusTimedOut
		}
		c.report(st, err)
		return fmt.Errorf("join %s: %w", c.topic, err)
	}
	if reply.Status != "ok" {
		err := fmt.Errorf("join %s: %s", c.topic, string(reply.Response))
		c.report(StatusChannelError, err)
		return err
	}
	c.report(StatusSubscribed, nil)
	return nil
}

func (c *SupabaseChannel) Send(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return c.push(ctx, c.topic, "broadcast", phxBroadcast{Type: "broadcast", Event: event, Payload: body})
}

func (c *SupabaseChannel) Track(ctx context.Context, meta map[string]any) error {
	return c.push(ctx, c.topic, "presence", map[string]any{
		"type":    "presence",
		"event":   "track",
		"payload": meta,
	})
}

func (c *SupabaseChannel) PresenceState() map[string][]Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyPresence(c.presence)
}

func (c *SupabaseChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	// writePump sends phx_leave and closes the connection.
	close(c.done)
	return nil
}

func (c *SupabaseChannel) joinPayload() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	changes := []map[string]string{}
	for _, kind := range []EventKind{KindInsert, KindUpdate} {
		for _, table := range c.handlers.tables(kind) {
			changes = append(changes, map[string]string{
				"event":  string(kind),
				"schema": "public",
				"table":  table,
			})
		}
	}
	return map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false, "ack": false},
			"presence":         map[string]any{"key": c.key},
			"postgres_changes": changes,
		},
		"access_token": c.rt.accessToken,
	}
}

// request pushes a message and waits for its phx_reply.
func (c *SupabaseChannel) request(ctx context.Context, topic, event string, payload any, join bool) (phxReply, error) {
	c.mu.Lock()
	c.ref++
	ref := strconv.Itoa(c.ref)
	if join {
		c.joinRef = ref
	}
	wait := make(chan phxReply, 1)
	c.replies[ref] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.replies, ref)
		c.mu.Unlock()
	}()

	raw, err := c.encodeRef(topic, event, payload, ref)
	if err != nil {
		return phxReply{}, err
	}
	if err := c.enqueue(ctx, raw); err != nil {
		return phxReply{}, err
	}

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	select {
	case reply := <-wait:
		return reply, nil
	case <-ctx.Done():
		return phxReply{}, ctx.Err()
	case <-timer.C:
		return phxReply{}, context.DeadlineExceeded
	case <-c.done:
		return phxReply{}, ErrClosed
	}
}

func (c *SupabaseChannel) push(ctx context.Context, topic, event string, payload any) error {
	raw, err := c.encode(topic, event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, raw)
}

func (c *SupabaseChannel) enqueue(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SupabaseChannel) encode(topic, event string, payload any) ([]byte, error) {
	c.mu.Lock()
	c.ref++
	ref := strconv.Itoa(c.ref)
	c.mu.Unlock()
	return c.encodeRef(topic, event, payload, ref)
}

func (c *SupabaseChannel) encodeRef(topic, event string, payload any, ref string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()
	msg := phxMessage{Topic: topic, Event: event, Payload: body, Ref: &ref}
	if joinRef != "" && topic == c.topic {
		msg.JoinRef = &joinRef
	}
	return json.Marshal(msg)
}

// readPump dispatches server messages until the connection ends.
func (c *SupabaseChannel) readPump() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[realtime] read error on %s: %v", c.topic, err)
			}
			c.report(StatusClosed, err)
			return
		}
		var msg phxMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[realtime] dropping malformed frame on %s: %v", c.topic, err)
			continue
		}
		c.handle(msg)
	}
}

// writePump serializes writes and sends Phoenix heartbeats. It owns the
// connection and closes it on exit.
func (c *SupabaseChannel) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.leave()
			return
		case raw := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.report(StatusChannelError, err)
				return
			}
		case <-ticker.C:
			raw, err := c.encode("phoenix", "heartbeat", map[string]any{})
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.report(StatusChannelError, err)
				return
			}
		}
	}
}

func (c *SupabaseChannel) leave() {
	c.mu.Lock()
	joined := c.joinRef != ""
	c.mu.Unlock()
	if !joined {
		return
	}
	raw, err := c.encode(c.topic, "phx_leave", map[string]any{})
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, raw)
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *SupabaseChannel) handle(msg phxMessage) {
	if msg.Topic != c.topic {
		return
	}
	switch msg.Event {
	case "phx_reply":
		if msg.Ref == nil {
			return
		}
		var reply phxReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return
		}
		c.mu.Lock()
		wait := c.replies[*msg.Ref]
		c.mu.Unlock()
		if wait != nil {
			select {
			case wait <- reply:
			default:
			}
		}
	case "phx_error":
		c.report(StatusChannelError, fmt.Errorf("channel error: %s", string(msg.Payload)))
	case "phx_close":
		c.report(StatusClosed, nil)
	case "presence_state":
		var state phxPresenceMetas
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			log.Printf("[realtime] bad presence_state: %v", err)
			return
		}
		c.mu.Lock()
		c.presence = metasToPresence(state)
		snapshot := copyPresence(c.presence)
		c.mu.Unlock()
		c.dispatch(PresenceSync{State: snapshot})
	case "presence_diff":
		var diff struct {
			Joins  phxPresenceMetas `json:"joins"`
			Leaves phxPresenceMetas `json:"leaves"`
		}
		if err := json.Unmarshal(msg.Payload, &diff); err != nil {
			log.Printf("[realtime] bad presence_diff: %v", err)
			return
		}
		c.mu.Lock()
		applyPresenceDiff(c.presence, metasToPresence(diff.Joins), metasToPresence(diff.Leaves))
		snapshot := copyPresence(c.presence)
		c.mu.Unlock()
		c.dispatch(PresenceSync{State: snapshot})
	case "postgres_changes":
		var change phxPostgresChange
		if err := json.Unmarshal(msg.Payload, &change); err != nil {
			log.Printf("[realtime] bad postgres_changes: %v", err)
			return
		}
		switch EventKind(change.Data.Type) {
		case KindInsert:
			c.dispatch(RowInsert{Table: change.Data.Table, Record: change.Data.Record})
		case KindUpdate:
			c.dispatch(RowUpdate{Table: change.Data.Table, Record: change.Data.Record, Old: change.Data.OldRecord})
		}
	case "broadcast":
		var b phxBroadcast
		if err := json.Unmarshal(msg.Payload, &b); err != nil || b.Event != TypingEvent {
			return
		}
		typing, err := decodeTyping(b.Payload)
		if err != nil {
			log.Printf("[realtime] dropping typing payload: %v", err)
			return
		}
		c.dispatch(typing)
	}
}

func metasToPresence(in phxPresenceMetas) map[string][]Presence {
	out := make(map[string][]Presence, len(in))
	for key, entry := range in {
		for _, meta := range entry.Metas {
			ref, _ := meta["phx_ref"].(string)
			clean := make(map[string]any, len(meta))
			for k, v := range meta {
				if k == "phx_ref" || k == "phx_ref_prev" {
					continue
				}
				clean[k] = v
			}
			out[key] = append(out[key], Presence{Ref: ref, Meta: clean})
		}
	}
	return out
}

// applyPresenceDiff merges joins and removes leaves by presence ref.
func applyPresenceDiff(state, joins, leaves map[string][]Presence) {
	for key, entries := range joins {
		for _, p := range entries {
			state[key] = removeRef(state[key], p.Ref)
			state[key] = append(state[key], p)
		}
	}
	for key, entries := range leaves {
		for _, p := range entries {
			state[key] = removeRef(state[key], p.Ref)
		}
		if len(state[key]) == 0 {
			delete(state, key)
		}
	}
}

func removeRef(entries []Presence, ref string) []Presence {
	out := entries[:0]
	for _, p := range entries {
		if p.Ref != ref {
			out = append(out, p)
		}
	}
	return out
}

func (c *SupabaseChannel) dispatch(ev Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	h := c.handlers
	c.mu.Unlock()
	h.dispatch(ev)
}

func (c *SupabaseChannel) report(st Status, err error) {
	c.mu.Lock()
	if c.closed || c.failed || c.status == nil {
		c.mu.Unlock()
		return
	}
	if st != StatusSubscribed {
		c.failed = true
	}
	fn := c.status
	c.mu.Unlock()
	fn(st, err)
}
