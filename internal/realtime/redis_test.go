package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestHub(t *testing.T) *RedisHub {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisHub(client)
}

func subscribeRedis(t *testing.T, hub *RedisHub, key string, bindings ...Binding) (Channel, <-chan Event) {
	t.Helper()
	ch, err := hub.Dialer()("chat-room", key)
	require.NoError(t, err)
	events := make(chan Event, 32)
	for _, b := range bindings {
		ch.On(b, func(ev Event) {
			select {
			case events <- ev:
			default:
			}
		})
	}
	subscribed := make(chan Status, 1)
	err = ch.Subscribe(context.Background(), func(st Status, err error) {
		select {
		case subscribed <- st:
		default:
		}
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, <-subscribed)
	t.Cleanup(func() { _ = ch.Close() })
	return ch, events
}

func nextEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestRedisChannelDeliversRowChanges(t *testing.T) {
	hub := newTestHub(t)
	_, events := subscribeRedis(t, hub, "u1", RowInserts("messages"), RowUpdates("messages"))

	ctx := context.Background()
	require.NoError(t, hub.PublishChange(ctx, Change{
		Table:  "messages",
		Kind:   KindInsert,
		Record: map[string]any{"id": "m1", "body": "hi"},
	}))
	insert := nextEvent[RowInsert](t, events)
	assert.Equal(t, "messages", insert.Table)
	assert.Equal(t, "m1", insert.Record["id"])

	require.NoError(t, hub.PublishChange(ctx, Change{
		Table:  "messages",
		Kind:   KindUpdate,
		Record: map[string]any{"id": "m1", "status": "read"},
	}))
	update := nextEvent[RowUpdate](t, events)
	assert.Equal(t, "read", update.Record["status"])
}

func TestRedisChannelTypingSkipsSender(t *testing.T) {
	hub := newTestHub(t)
	alice, own := subscribeRedis(t, hub, "alice", Typing())
	_, events := subscribeRedis(t, hub, "bob", Typing())

	require.NoError(t, alice.Send(context.Background(), TypingEvent, TypingBroadcast{From: "alice", To: "bob", IsTyping: true}))

	got := nextEvent[TypingBroadcast](t, events)
	assert.Equal(t, TypingBroadcast{From: "alice", To: "bob", IsTyping: true}, got)

	select {
	case ev := <-own:
		t.Fatalf("sender received its own broadcast: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisChannelPresence(t *testing.T) {
	hub := newTestHub(t)
	alice, _ := subscribeRedis(t, hub, "alice", PresenceSyncs())
	bob, events := subscribeRedis(t, hub, "bob", PresenceSyncs())

	ctx := context.Background()
	require.NoError(t, alice.Track(ctx, map[string]any{"user_id": "alice"}))
	require.NoError(t, bob.Track(ctx, map[string]any{"user_id": "bob"}))

	require.Eventually(t, func() bool {
		state := bob.PresenceState()
		return len(state["alice"]) == 1 && len(state["bob"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	nextEvent[PresenceSync](t, events)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		_, online := bob.PresenceState()["alice"]
		return !online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisPresenceExpiresWithoutHeartbeat(t *testing.T) {
	hub := newTestHub(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	hub.now = clock.Now
	hub.WithPresenceTTL(time.Hour)

	alice, _ := subscribeRedis(t, hub, "alice")
	bob, _ := subscribeRedis(t, hub, "bob")
	ctx := context.Background()
	require.NoError(t, alice.Track(ctx, map[string]any{"user_id": "alice"}))

	require.Eventually(t, func() bool {
		return len(bob.PresenceState()["alice"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	clock.Advance(2 * time.Hour)
	require.NoError(t, bob.Track(ctx, map[string]any{"user_id": "bob"}))

	require.Eventually(t, func() bool {
		state := bob.PresenceState()
		_, aliceOnline := state["alice"]
		return !aliceOnline && len(state["bob"]) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisChannelClosed(t *testing.T) {
	hub := newTestHub(t)
	ch, err := hub.Dialer()("chat-room", "u1")
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.ErrorIs(t, ch.Subscribe(context.Background(), func(Status, error) {}), ErrClosed)
	assert.ErrorIs(t, ch.Send(context.Background(), TypingEvent, nil), ErrClosed)
	assert.ErrorIs(t, ch.Track(context.Background(), nil), ErrClosed)
}

func TestRedisDialerRequiresTopic(t *testing.T) {
	hub := newTestHub(t)
	_, err := hub.Dialer()("", "u1")
	assert.Error(t, err)
}
