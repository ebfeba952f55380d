package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPresenceTTL = 30 * time.Second

const keyPrefix = "realtime:"

// RedisHub provides channels backed by Redis Pub/Sub. Presence lives in one
// hash per topic whose entries expire unless their owner keeps heartbeating.
type RedisHub struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisHub(client *redis.Client) *RedisHub {
	return &RedisHub{
		client: client,
		ttl:    defaultPresenceTTL,
		now:    time.Now,
	}
}

// NewRedisHubFromURL parses a redis:// URL.
func NewRedisHubFromURL(redisURL string) (*RedisHub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisHub(redis.NewClient(opts)), nil
}

// WithPresenceTTL sets how long a tracked entry stays visible without a heartbeat.
func (h *RedisHub) WithPresenceTTL(ttl time.Duration) *RedisHub {
	if ttl > 0 {
		h.ttl = ttl
	}
	return h
}

func (h *RedisHub) Client() *redis.Client {
	return h.client
}

func (h *RedisHub) Dialer() Dialer {
	return func(topic, key string) (Channel, error) {
		if topic == "" {
			return nil, errors.New("realtime: topic is required")
		}
		return &RedisChannel{
			hub:   h,
			topic: topic,
			key:   key,
			ref:   uuid.NewString(),
			done:  make(chan struct{}),
		}, nil
	}
}

func (h *RedisHub) PublishChange(ctx context.Context, c Change) error {
	raw, err := json.Marshal(redisEnvelope{
		Type:   "change",
		Kind:   c.Kind,
		Table:  c.Table,
		Record: c.Record,
		Old:    c.Old,
	})
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := h.client.Publish(ctx, changesChannel(c.Table), raw).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

type redisEnvelope struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Kind    EventKind       `json:"kind,omitempty"`
	Table   string          `json:"table,omitempty"`
	Record  map[string]any  `json:"record,omitempty"`
	Old     map[string]any  `json:"old_record,omitempty"`
}

type presenceEntry struct {
	Key    string         `json:"key"`
	Ref    string         `json:"ref"`
	Meta   map[string]any `json:"meta"`
	SeenAt int64          `json:"seen_at"`
}

// RedisChannel is a Channel on a RedisHub.
type RedisChannel struct {
	hub      *RedisHub
	topic    string
	key      string
	ref      string
	handlers handlers

	mu       sync.Mutex
	pubsub   *redis.PubSub
	status   StatusFunc
	presence map[string][]Presence
	tracked  map[string]any
	failed   bool
	closed   bool
	done     chan struct{}
}

func (c *RedisChannel) On(b Binding, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.add(b, h)
}

func (c *RedisChannel) Subscribe(ctx context.Context, status StatusFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.status = status
	channels := []string{topicChannel(c.topic)}
	for _, kind := range []EventKind{KindInsert, KindUpdate} {
		for _, table := range c.handlers.tables(kind) {
			channels = append(channels, changesChannel(table))
		}
	}
	channels = dedupe(channels)
	c.mu.Unlock()

	pubsub := c.hub.client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			st := StatusChannelError
			if errors.Is(err, context.DeadlineExceeded) {
				st = StatusTimedOut
			}
			c.report(st, err)
			return fmt.Errorf("subscribe %s: %w", c.topic, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = pubsub.Close()
		return ErrClosed
	}
	c.pubsub = pubsub
	c.mu.Unlock()

	go c.receive(pubsub.Channel())
	go c.heartbeat()

	c.report(StatusSubscribed, nil)
	if err := c.refreshPresence(ctx); err != nil {
		log.Printf("[realtime] presence refresh %s: %v", c.topic, err)
	}
	return nil
}

func (c *RedisChannel) Send(ctx context.Context, event string, payload any) error {
	if c.isClosed() {
		return ErrClosed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	raw, err := json.Marshal(redisEnvelope{Type: "broadcast", Event: event, Sender: c.ref, Payload: body})
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	return c.hub.client.Publish(ctx, topicChannel(c.topic), raw).Err()
}

func (c *RedisChannel) Track(ctx context.Context, meta map[string]any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.tracked = meta
	c.mu.Unlock()
	return c.writePresence(ctx)
}

func (c *RedisChannel) PresenceState() map[string][]Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyPresence(c.presence)
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	pubsub := c.pubsub
	tracked := c.tracked != nil
	c.mu.Unlock()

	if tracked {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.hub.client.HDel(ctx, presenceKey(c.topic), c.presenceField()).Err(); err != nil {
			log.Printf("[realtime] untrack %s: %v", c.topic, err)
		} else {
			c.announcePresence(ctx)
		}
	}
	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}

func (c *RedisChannel) receive(msgs <-chan *redis.Message) {
	for msg := range msgs {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("[realtime] dropping malformed message on %s: %v", msg.Channel, err)
			continue
		}
		switch env.Type {
		case "broadcast":
			if env.Sender == c.ref || env.Event != TypingEvent {
				continue
			}
			typing, err := decodeTyping(env.Payload)
			if err != nil {
				log.Printf("[realtime] dropping typing payload: %v", err)
				continue
			}
			c.dispatch(typing)
		case "presence":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.refreshPresence(ctx); err != nil {
				log.Printf("[realtime] presence refresh %s: %v", c.topic, err)
			}
			cancel()
		case "change":
			switch env.Kind {
			case KindInsert:
				c.dispatch(RowInsert{Table: env.Table, Record: env.Record})
			case KindUpdate:
				c.dispatch(RowUpdate{Table: env.Table, Record: env.Record, Old: env.Old})
			}
		}
	}
}

// heartbeat refreshes the tracked entry and reports a channel error when
// Redis stops answering.
func (c *RedisChannel) heartbeat() {
	ticker := time.NewTicker(c.hub.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.hub.client.Ping(ctx).Err()
			if err == nil {
				c.mu.Lock()
				tracked := c.tracked != nil
				c.mu.Unlock()
				if tracked {
					err = c.writePresence(ctx)
				}
			}
			cancel()
			if err != nil {
				c.report(StatusChannelError, err)
				return
			}
		}
	}
}

func (c *RedisChannel) writePresence(ctx context.Context) error {
	c.mu.Lock()
	entry := presenceEntry{Key: c.key, Ref: c.ref, Meta: c.tracked, SeenAt: c.hub.now().UnixMilli()}
	c.mu.Unlock()

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if err := c.hub.client.HSet(ctx, presenceKey(c.topic), c.presenceField(), raw).Err(); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	c.announcePresence(ctx)
	return nil
}

func (c *RedisChannel) announcePresence(ctx context.Context) {
	raw, _ := json.Marshal(redisEnvelope{Type: "presence", Sender: c.ref})
	if err := c.hub.client.Publish(ctx, topicChannel(c.topic), raw).Err(); err != nil {
		log.Printf("[realtime] announce presence %s: %v", c.topic, err)
	}
}

func (c *RedisChannel) refreshPresence(ctx context.Context) error {
	entries, err := c.hub.client.HGetAll(ctx, presenceKey(c.topic)).Result()
	if err != nil {
		return err
	}

	cutoff := c.hub.now().Add(-c.hub.ttl).UnixMilli()
	state := map[string][]Presence{}
	var stale []string
	fields := make([]string, 0, len(entries))
	for field := range entries {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		var entry presenceEntry
		if err := json.Unmarshal([]byte(entries[field]), &entry); err != nil {
			stale = append(stale, field)
			continue
		}
		if entry.SeenAt < cutoff {
			stale = append(stale, field)
			continue
		}
		state[entry.Key] = append(state[entry.Key], Presence{Ref: entry.Ref, Meta: entry.Meta})
	}
	if len(stale) > 0 {
		if err := c.hub.client.HDel(ctx, presenceKey(c.topic), stale...).Err(); err != nil {
			log.Printf("[realtime] prune presence %s: %v", c.topic, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.presence = state
	c.mu.Unlock()

	c.dispatch(PresenceSync{State: copyPresence(state)})
	return nil
}

func (c *RedisChannel) dispatch(ev Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	h := c.handlers
	c.mu.Unlock()
	h.dispatch(ev)
}

// report delivers a status once the channel failed or closed; later reports
// are dropped so a consumer sees at most one terminal status per channel.
func (c *RedisChannel) report(st Status, err error) {
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

func (c *RedisChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *RedisChannel) presenceField() string {
	return c.key + ":" + c.ref
}

func topicChannel(topic string) string {
	return keyPrefix + topic
}

func changesChannel(table string) string {
	return keyPrefix + "changes:" + table
}

func presenceKey(topic string) string {
	return keyPrefix + "presence:" + topic
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
