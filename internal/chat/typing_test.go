package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thesisdesk/internal/realtime"
)

type emitted struct {
	mu     sync.Mutex
	values []bool
}

func (e *emitted) record(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values = append(e.values, v)
}

func (e *emitted) all() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.values...)
}

func TestTypingIndicatorDebounces(t *testing.T) {
	sched := &fakeScheduler{}
	out := &emitted{}
	ind := NewTypingIndicator(out.record, TypingIdle, sched)

	ind.Keystroke()
	ind.Keystroke()
	ind.Keystroke()
	assert.Equal(t, []bool{true}, out.all())
	require.Len(t, sched.live(), 1)
	assert.Equal(t, TypingIdle, sched.live()[0].delay)

	sched.fire(t)
	assert.Equal(t, []bool{true, false}, out.all())

	ind.Keystroke()
	ind.Stop()
	ind.Stop()
	assert.Equal(t, []bool{true, false, true, false}, out.all())
	assert.Empty(t, sched.live())
}

func TestTypingIndicatorIgnoresSupersededTimer(t *testing.T) {
	sched := &fakeScheduler{}
	out := &emitted{}
	ind := NewTypingIndicator(out.record, TypingIdle, sched)

	ind.Keystroke()
	first := sched.timers[0]
	ind.Keystroke()

	// The first timer was stopped, but a late fire must still be harmless.
	first.f()
	assert.Equal(t, []bool{true}, out.all())

	sched.fire(t)
	assert.Equal(t, []bool{true, false}, out.all())
}

func TestEngineTypingIndicatorBroadcasts(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	ind := h.engine.TypingIndicator(context.Background(), "peer")

	ind.Keystroke()
	h.sched.fire(t)

	assert.Equal(t, []realtime.TypingBroadcast{
		{From: "me", To: "peer", IsTyping: true},
		{From: "me", To: "peer", IsTyping: false},
	}, h.dialer.last().sent)
}
