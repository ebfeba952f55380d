package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"thesisdesk/internal/realtime"
	"thesisdesk/internal/store"
)

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	live := !t.stopped && !t.fired
	t.stopped = true
	return live
}

// live returns the timers that were neither stopped nor fired.
func (s *fakeScheduler) live() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

// fire runs the single live timer.
func (s *fakeScheduler) fire(t *testing.T) {
	t.Helper()
	live := s.live()
	if len(live) != 1 {
		t.Fatalf("expected exactly one live timer, got %d", len(live))
	}
	s.mu.Lock()
	live[0].fired = true
	s.mu.Unlock()
	live[0].f()
}

type binding struct {
	b realtime.Binding
	h realtime.Handler
}

type fakeChannel struct {
	topic string
	key   string

	mu           sync.Mutex
	bindings     []binding
	status       realtime.StatusFunc
	subscribeErr error
	tracked      []map[string]any
	sent         []realtime.TypingBroadcast
	closed       bool
}

func (c *fakeChannel) On(b realtime.Binding, h realtime.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, binding{b: b, h: h})
}

func (c *fakeChannel) Subscribe(_ context.Context, status realtime.StatusFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.ErrClosed
	}
	c.status = status
	err := c.subscribeErr
	c.mu.Unlock()

	if err != nil {
		status(realtime.StatusChannelError, err)
		return err
	}
	status(realtime.StatusSubscribed, nil)
	return nil
}

func (c *fakeChannel) Send(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	if event == realtime.TypingEvent {
		c.sent = append(c.sent, payload.(realtime.TypingBroadcast))
	}
	return nil
}

func (c *fakeChannel) Track(_ context.Context, meta map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	c.tracked = append(c.tracked, meta)
	return nil
}

func (c *fakeChannel) PresenceState() map[string][]realtime.Presence {
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// emit delivers ev to the matching handlers, even after Close, so tests can
// simulate late callbacks from a torn-down transport.
func (c *fakeChannel) emit(ev realtime.Event) {
	c.mu.Lock()
	bindings := append([]binding(nil), c.bindings...)
	c.mu.Unlock()
	for _, b := range bindings {
		if bindingMatches(b.b, ev) {
			b.h(ev)
		}
	}
}

// fail reports a terminal status the way a transport does when it drops.
func (c *fakeChannel) fail(st realtime.Status) {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	status(st, errors.New("transport dropped"))
}

func bindingMatches(b realtime.Binding, ev realtime.Event) bool {
	switch e := ev.(type) {
	case realtime.PresenceSync:
		return b.Kind == realtime.KindPresenceSync
	case realtime.TypingBroadcast:
		return b.Kind == realtime.KindBroadcast
	case realtime.RowInsert:
		return b.Kind == realtime.KindInsert && b.Table == e.Table
	case realtime.RowUpdate:
		return b.Kind == realtime.KindUpdate && b.Table == e.Table
	}
	return false
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	failNext int
}

func (d *fakeDialer) dial(topic, key string) (realtime.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := &fakeChannel{topic: topic, key: key}
	if d.failNext > 0 {
		ch.subscribeErr = errors.New("subscribe refused")
		d.failNext--
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[len(d.channels)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

// flakyRows wraps MemoryRows with injectable failures and an insert gate.
type flakyRows struct {
	*store.MemoryRows

	mu        sync.Mutex
	insertErr error
	updateErr error
	queryErr  error
	nextID    string
	gate      chan struct{}
	started   chan struct{}
}

func newFlakyRows() *flakyRows {
	return &flakyRows{MemoryRows: store.NewMemoryRows(), started: make(chan struct{}, 8)}
}

// hold makes inserts wait until the returned release func is called.
func (r *flakyRows) hold() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.gate = nil
			r.mu.Unlock()
			close(gate)
		})
	}
}

func (r *flakyRows) setInsertErr(err error) {
	r.mu.Lock()
	r.insertErr = err
	r.mu.Unlock()
}

func (r *flakyRows) Insert(ctx context.Context, table string, row store.Row) (store.Row, error) {
	r.mu.Lock()
	gate := r.gate
	nextID := r.nextID
	r.nextID = ""
	r.mu.Unlock()

	if gate != nil {
		r.started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	err := r.insertErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if nextID != "" {
		row = row.Clone()
		row["id"] = nextID
	}
	return r.MemoryRows.Insert(ctx, table, row)
}

func (r *flakyRows) Query(ctx context.Context, table string, q store.Query) ([]store.Row, error) {
	r.mu.Lock()
	err := r.queryErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.MemoryRows.Query(ctx, table, q)
}

func (r *flakyRows) setUpdateErr(err error) {
	r.mu.Lock()
	r.updateErr = err
	r.mu.Unlock()
}

func (r *flakyRows) Update(ctx context.Context, table string, where []store.Filter, patch store.Row) ([]store.Row, error) {
	r.mu.Lock()
	err := r.updateErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.MemoryRows.Update(ctx, table, where, patch)
}

func (r *flakyRows) waitInsert(t *testing.T) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("insert did not start")
	}
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) record(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *noticeLog) all() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notice(nil), l.notices...)
}
