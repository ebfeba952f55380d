package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"thesisdesk/internal/realtime"
	"thesisdesk/internal/store"
	"thesisdesk/internal/util"
)

var (
	ErrMissingUser    = errors.New("chat: user id is required")
	ErrMissingPeer    = errors.New("chat: peer id is required")
	ErrMissingMessage = errors.New("chat: message id is required")
	ErrClosed         = errors.New("chat: engine closed")
	ErrDisconnected   = errors.New("chat: realtime channel disconnected")
)

// DefaultTopic is the shared channel every user joins.
const DefaultTopic = "chat-room"

// Op names the operation a Notice reports on.
type Op string

const (
	OpSend     Op = "send"
	OpDelete   Op = "delete"
	OpMarkRead Op = "mark_read"
	OpHistory  Op = "history"
)

// Notice is a user-facing failure. Network errors never leave the engine as
// return values; they end up in message status and in notices.
type Notice struct {
	Op        Op
	MessageID string
	Err       error
}

type Notifier func(Notice)

func logNotice(n Notice) {
	log.Printf("[chat] %s %s: %v", n.Op, n.MessageID, n.Err)
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notify = n }
}

func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

func WithBackoff(b Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTopic(topic string) Option {
	return func(e *Engine) { e.topic = topic }
}

type pendingSend struct {
	generation uint64
	quiet      bool
}

// Engine maintains one user's message list, peer presence and typing state.
// All methods are safe for concurrent use.
type Engine struct {
	rows      store.Rows
	dial      realtime.Dialer
	notify    Notifier
	scheduler Scheduler
	backoff   Backoff
	now       func() time.Time
	topic     string

	mu       sync.Mutex
	userID   string
	messages []Message
	pending  map[string]pendingSend
	online   map[string]struct{}
	typing   map[string]bool
	state    ConnectionState
	channel  realtime.Channel
	// generation identifies the current channel; callbacks carrying an older
	// value are dropped.
	generation uint64
	settled    uint64
	attempt    int
	timer      Timer
	closed     bool
	watchers   []chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewEngine(rows store.Rows, dial realtime.Dialer, opts ...Option) *Engine {
	e := &Engine{
		rows:      rows,
		dial:      dial,
		notify:    logNotice,
		scheduler: clockScheduler{},
		backoff:   Backoff{Initial: DefaultInitialBackoff, Max: DefaultMaxBackoff},
		now:       func() time.Time { return time.Now().UTC() },
		topic:     DefaultTopic,
		pending:   make(map[string]pendingSend),
		online:    make(map[string]struct{}),
		typing:    make(map[string]bool),
		state:     Disconnected,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect binds the engine to userID and opens the shared channel. Failures
// are retried in the background until Close.
func (e *Engine) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUser
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.userID != "" && e.userID != userID {
		bound := e.userID
		e.mu.Unlock()
		return fmt.Errorf("chat: engine already bound to user %s", bound)
	}
	e.userID = userID
	if e.cancel == nil {
		e.ctx, e.cancel = context.WithCancel(ctx)
	}
	e.mu.Unlock()

	e.connect()
	return nil
}

func (e *Engine) connect() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.generation++
	gen := e.generation
	old := e.channel
	e.channel = nil
	e.stopTimerLocked()
	e.state = Connecting
	userID, topic, ctx := e.userID, e.topic, e.ctx
	e.mu.Unlock()
	e.changed()

	// The previous channel is gone before the next one exists.
	if old != nil {
		if err := old.Close(); err != nil {
			log.Printf("[chat] close channel %s: %v", topic, err)
		}
	}

	ch, err := e.dial(topic, userID)
	if err != nil {
		e.disconnected(gen, fmt.Errorf("dial %s: %w", topic, err))
		return
	}
	handle := e.handler(gen)
	ch.On(realtime.RowInserts(store.TableMessages), handle)
	ch.On(realtime.RowUpdates(store.TableMessages), handle)
	ch.On(realtime.PresenceSyncs(), handle)
	ch.On(realtime.Typing(), handle)

	e.mu.Lock()
	if e.closed || e.generation != gen {
		e.mu.Unlock()
		_ = ch.Close()
		return
	}
	e.channel = ch
	e.mu.Unlock()

	err = ch.Subscribe(ctx, func(st realtime.Status, err error) {
		e.onStatus(gen, ch, st, err)
	})
	if err != nil {
		e.disconnected(gen, err)
	}
}

func (e *Engine) onStatus(gen uint64, ch realtime.Channel, st realtime.Status, err error) {
	switch st {
	case realtime.StatusSubscribed:
		e.subscribed(gen, ch)
	case realtime.StatusChannelError, realtime.StatusTimedOut, realtime.StatusClosed:
		if err == nil {
			err = fmt.Errorf("channel %s", strings.ToLower(string(st)))
		}
		e.disconnected(gen, err)
	}
}

func (e *Engine) subscribed(gen uint64, ch realtime.Channel) {
	e.mu.Lock()
	if e.closed || e.generation != gen {
		e.mu.Unlock()
		return
	}
	e.state = Connected
	e.attempt = 0
	e.stopTimerLocked()
	ctx, userID := e.ctx, e.userID
	e.mu.Unlock()
	e.changed()

	if err := ch.Track(ctx, map[string]any{"user_id": userID}); err != nil && e.current(gen) {
		log.Printf("[chat] track presence %s: %v", userID, err)
	}
	e.loadHistory(ctx, gen, userID)
}

// disconnected fails the sends pending on gen and schedules the next attempt.
// Each generation is handled at most once.
func (e *Engine) disconnected(gen uint64, cause error) {
	e.mu.Lock()
	if e.closed || e.generation != gen || e.settled >= gen {
		e.mu.Unlock()
		return
	}
	e.settled = gen
	e.state = Disconnected

	var notices []Notice
	for i := range e.messages {
		m := &e.messages[i]
		p, ok := e.pending[m.ClientID]
		if !ok || m.Status != StatusPending || p.generation > gen {
			continue
		}
		m.Status = StatusFailed
		if !p.quiet {
			notices = append(notices, Notice{Op: OpSend, MessageID: m.ClientID, Err: ErrDisconnected})
		}
	}

	delay := e.backoff.Delay(e.attempt)
	e.attempt++
	e.stopTimerLocked()
	e.timer = e.scheduler.AfterFunc(delay, func() { e.reconnect(gen) })
	topic := e.topic
	e.mu.Unlock()

	log.Printf("[chat] channel %s down, reconnecting in %s: %v", topic, delay, cause)
	for _, n := range notices {
		e.report(n)
	}
	e.changed()
}

func (e *Engine) reconnect(gen uint64) {
	e.mu.Lock()
	if e.closed || e.generation != gen {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.mu.Unlock()
	e.connect()
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && e.generation == gen
}

func (e *Engine) handler(gen uint64) realtime.Handler {
	return func(ev realtime.Event) {
		if !e.current(gen) {
			return
		}
		switch ev := ev.(type) {
		case realtime.RowInsert:
			e.HandleInsert(ev.Record)
		case realtime.RowUpdate:
			e.HandleUpdate(ev.Record)
		case realtime.PresenceSync:
			e.applyPresence(ev.State)
		case realtime.TypingBroadcast:
			e.applyTyping(ev)
		}
	}
}

// loadHistory fetches every message the user sent or received. Local entries
// the fetch does not know yet are kept after the server rows.
func (e *Engine) loadHistory(ctx context.Context, gen uint64, userID string) {
	rows, err := e.rows.Query(ctx, store.TableMessages, store.Query{
		AnyOf:   []store.Filter{store.Eq("sender_id", userID), store.Eq("receiver_id", userID)},
		OrderBy: "created_at",
	})
	if err != nil {
		if e.current(gen) {
			e.report(Notice{Op: OpHistory, Err: err})
		}
		return
	}
	fetched := make([]Message, 0, len(rows))
	for _, row := range rows {
		m, err := decodeMessage(row)
		if err != nil {
			log.Printf("[chat] decode message %s: %v", row.String("id"), err)
			continue
		}
		fetched = append(fetched, m)
	}

	e.mu.Lock()
	if e.closed || e.generation != gen {
		e.mu.Unlock()
		return
	}
	e.messages = mergeHistory(fetched, e.messages)
	e.mu.Unlock()
	e.changed()
}

func mergeHistory(fetched, local []Message) []Message {
	ids := make(map[string]struct{}, len(fetched))
	clientIDs := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		ids[m.ID] = struct{}{}
		if m.ClientID != "" {
			clientIDs[m.ClientID] = struct{}{}
		}
	}
	out := fetched
	for _, m := range local {
		if _, ok := ids[m.ID]; ok {
			continue
		}
		if _, ok := clientIDs[m.ClientID]; ok && m.ClientID != "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SendMessage appends an optimistic pending message and inserts it. It blocks
// until the insert settles and returns the entry's resulting state; the
// pending entry is visible to Messages and subscribers before the insert
// starts. Only a missing identifier is returned as an error.
func (e *Engine) SendMessage(ctx context.Context, receiverID, body string, typ MessageType, att *Attachment) (Message, error) {
	return e.send(ctx, receiverID, body, typ, att, false)
}

// RetryMessage sends a failed message again under a new client id without a
// second failure notice. The failed entry stays in the list.
func (e *Engine) RetryMessage(ctx context.Context, m Message) (Message, error) {
	return e.send(ctx, m.ReceiverID, m.Body, m.Type, m.Attachment(), true)
}

func (e *Engine) send(ctx context.Context, receiverID, body string, typ MessageType, att *Attachment, quiet bool) (Message, error) {
	if receiverID == "" {
		return Message{}, ErrMissingPeer
	}
	if typ == "" {
		typ = TypeText
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Message{}, ErrClosed
	}
	if e.userID == "" {
		e.mu.Unlock()
		return Message{}, ErrMissingUser
	}
	clientID := util.NewCorrelationID()
	optimistic := Message{
		ID:         clientID,
		ClientID:   clientID,
		SenderID:   e.userID,
		ReceiverID: receiverID,
		Body:       body,
		Type:       typ,
		Status:     StatusPending,
		CreatedAt:  e.now(),
	}
	if att != nil {
		url, mime, size := att.URL, att.Mime, att.Size
		optimistic.AttachmentURL = &url
		optimistic.AttachmentMime = &mime
		optimistic.AttachmentSizeBytes = &size
	}
	e.messages = append(e.messages, optimistic)
	e.pending[clientID] = pendingSend{generation: e.generation, quiet: quiet}
	e.mu.Unlock()
	e.changed()

	row, err := e.rows.Insert(ctx, store.TableMessages, insertRow(optimistic))
	var saved Message
	if err == nil {
		saved, err = decodeMessage(row)
	}

	e.mu.Lock()
	delete(e.pending, clientID)
	result := optimistic
	notify := false
	if err != nil {
		result.Status = StatusFailed
		if i := e.indexByClientID(clientID); i >= 0 {
			if e.messages[i].Status == StatusPending {
				e.messages[i].Status = StatusFailed
				notify = !quiet
			}
			result = e.messages[i]
		}
	} else {
		e.reconcileLocked(saved)
		result = saved
		if i := e.indexByID(saved.ID); i >= 0 {
			result = e.messages[i]
		}
	}
	e.mu.Unlock()

	if notify {
		e.report(Notice{Op: OpSend, MessageID: clientID, Err: err})
	}
	e.changed()
	return result, nil
}

// HandleInsert applies a row from the insert stream. Rows that do not involve
// the user and rows already present by id are ignored; an optimistic entry
// with the same client id is replaced in place.
func (e *Engine) HandleInsert(row map[string]any) {
	m, err := decodeMessage(row)
	if err != nil {
		log.Printf("[chat] decode insert: %v", err)
		return
	}
	e.mu.Lock()
	if e.userID == "" || !m.Involves(e.userID) {
		e.mu.Unlock()
		return
	}
	changed := e.reconcileLocked(m)
	e.mu.Unlock()
	if changed {
		e.changed()
	}
}

// HandleUpdate replaces the message with the row's id. An optimistic entry
// that has not been confirmed yet is matched by client id.
func (e *Engine) HandleUpdate(row map[string]any) {
	m, err := decodeMessage(row)
	if err != nil {
		log.Printf("[chat] decode update: %v", err)
		return
	}
	e.mu.Lock()
	changed := e.replaceLocked(m)
	e.mu.Unlock()
	if changed {
		e.changed()
	}
}

func (e *Engine) reconcileLocked(m Message) bool {
	if e.indexByID(m.ID) >= 0 {
		return false
	}
	if m.ClientID != "" {
		if i := e.indexByClientID(m.ClientID); i >= 0 {
			e.messages[i] = m
			return true
		}
	}
	e.messages = append(e.messages, m)
	return true
}

func (e *Engine) replaceLocked(m Message) bool {
	i := e.indexByID(m.ID)
	if i < 0 && m.ClientID != "" {
		i = e.indexByClientID(m.ClientID)
	}
	if i < 0 {
		return false
	}
	e.messages[i] = m
	return true
}

func (e *Engine) indexByID(id string) int {
	for i := range e.messages {
		if e.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) indexByClientID(clientID string) int {
	for i := range e.messages {
		if e.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// DeleteMessage soft-deletes m locally and then in the store. A failed update
// is reported but the local deletion stays.
func (e *Engine) DeleteMessage(ctx context.Context, m Message) error {
	if m.ID == "" {
		return ErrMissingMessage
	}
	now := e.now()
	e.mu.Lock()
	if i := e.indexByID(m.ID); i >= 0 {
		deletedAt := now
		e.messages[i].DeletedAt = &deletedAt
	}
	e.mu.Unlock()
	e.changed()

	rows, err := e.rows.Update(ctx, store.TableMessages, []store.Filter{store.Eq("id", m.ID)}, store.Row{"deleted_at": now})
	if err != nil {
		e.report(Notice{Op: OpDelete, MessageID: m.ID, Err: err})
		return nil
	}
	e.applyRows(rows)
	return nil
}

// MarkReadForPeer marks every unread message from peerID to the user as read.
func (e *Engine) MarkReadForPeer(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrMissingPeer
	}
	userID := e.UserID()
	if userID == "" {
		return ErrMissingUser
	}
	rows, err := e.rows.Update(ctx, store.TableMessages, []store.Filter{
		store.Eq("receiver_id", userID),
		store.Eq("sender_id", peerID),
		store.Neq("status", string(StatusRead)),
	}, store.Row{"status": string(StatusRead)})
	if err != nil {
		e.report(Notice{Op: OpMarkRead, MessageID: peerID, Err: err})
		return nil
	}
	e.applyRows(rows)
	return nil
}

func (e *Engine) applyRows(rows []store.Row) {
	changed := false
	e.mu.Lock()
	for _, row := range rows {
		m, err := decodeMessage(row)
		if err != nil {
			log.Printf("[chat] decode message %s: %v", row.String("id"), err)
			continue
		}
		if e.replaceLocked(m) {
			changed = true
		}
	}
	e.mu.Unlock()
	if changed {
		e.changed()
	}
}

// SendTyping broadcasts a typing indicator to peerID. It is best effort: no
// channel means nothing is sent.
func (e *Engine) SendTyping(ctx context.Context, peerID string, isTyping bool) error {
	if peerID == "" {
		return ErrMissingPeer
	}
	e.mu.Lock()
	ch, userID, connected := e.channel, e.userID, e.state == Connected
	e.mu.Unlock()
	if ch == nil || !connected {
		return nil
	}
	payload := realtime.TypingBroadcast{From: userID, To: peerID, IsTyping: isTyping}
	if err := ch.Send(ctx, realtime.TypingEvent, payload); err != nil {
		log.Printf("[chat] typing to %s: %v", peerID, err)
	}
	return nil
}

// TypingIndicator returns a debouncer that reports typing to peerID.
func (e *Engine) TypingIndicator(ctx context.Context, peerID string) *TypingIndicator {
	return NewTypingIndicator(func(isTyping bool) {
		_ = e.SendTyping(ctx, peerID, isTyping)
	}, TypingIdle, e.scheduler)
}

func (e *Engine) applyPresence(state map[string][]realtime.Presence) {
	online := make(map[string]struct{}, len(state))
	for key, entries := range state {
		if len(entries) > 0 {
			online[key] = struct{}{}
		}
	}
	e.mu.Lock()
	e.online = online
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) applyTyping(ev realtime.TypingBroadcast) {
	e.mu.Lock()
	if ev.From == "" || ev.To == "" || ev.To != e.userID {
		e.mu.Unlock()
		return
	}
	e.typing[ev.From] = ev.IsTyping
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) report(n Notice) {
	if e.notify != nil {
		e.notify(n)
	}
}

// Subscribe returns a channel that receives a value after state changes,
// and a func that detaches and closes it. Notifications coalesce. Close
// closes every channel still attached.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	e.watchers = append(e.watchers, ch)
	return ch, func() { e.unsubscribe(ch) }
}

func (e *Engine) unsubscribe(ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.watchers {
		if w == ch {
			e.watchers = append(e.watchers[:i], e.watchers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (e *Engine) changed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// Messages returns the list in arrival order.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.messages...)
}

// Conversation returns the messages exchanged with peerID.
func (e *Engine) Conversation(peerID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Message
	for _, m := range e.messages {
		if (m.SenderID == e.userID && m.ReceiverID == peerID) || (m.SenderID == peerID && m.ReceiverID == e.userID) {
			out = append(out, m)
		}
	}
	return out
}

// UnreadFrom counts messages from peerID the user has not read.
func (e *Engine) UnreadFrom(peerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, m := range e.messages {
		if m.SenderID == peerID && m.ReceiverID == e.userID && m.Status != StatusRead && !m.IsDeleted() {
			n++
		}
	}
	return n
}

func (e *Engine) OnlineUserIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.online))
	for id := range e.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) IsUserOnline(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.online[userID]
	return ok
}

func (e *Engine) TypingStatus() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool, len(e.typing))
	for k, v := range e.typing {
		out[k] = v
	}
	return out
}

func (e *Engine) IsTyping(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typing[peerID]
}

func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close tears down the channel and cancels any pending reconnect. No callback
// from an earlier channel has an effect afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.generation++
	e.stopTimerLocked()
	ch := e.channel
	e.channel = nil
	e.state = Disconnected
	watchers := e.watchers
	e.watchers = nil
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ch != nil {
		err = ch.Close()
	}
	for _, w := range watchers {
		close(w)
	}
	return err
}
