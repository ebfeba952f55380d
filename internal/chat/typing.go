package chat

import (
	"sync"
	"time"
)

// TypingIdle is how long after the last keystroke typing is reported stopped.
const TypingIdle = 1500 * time.Millisecond

// TypingIndicator debounces keystrokes into typing start/stop signals: true
// once when typing begins, false after the idle period or on Stop.
type TypingIndicator struct {
	emit      func(isTyping bool)
	idle      time.Duration
	scheduler Scheduler

	mu     sync.Mutex
	active bool
	seq    uint64
	timer  Timer
}

func NewTypingIndicator(emit func(isTyping bool), idle time.Duration, scheduler Scheduler) *TypingIndicator {
	if scheduler == nil {
		scheduler = clockScheduler{}
	}
	return &TypingIndicator{emit: emit, idle: idle, scheduler: scheduler}
}

func (t *TypingIndicator) Keystroke() {
	t.mu.Lock()
	start := !t.active
	t.active = true
	t.seq++
	seq := t.seq
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.scheduler.AfterFunc(t.idle, func() { t.expire(seq) })
	t.mu.Unlock()

	if start {
		t.emit(true)
	}
}

func (t *TypingIndicator) expire(seq uint64) {
	t.mu.Lock()
	if !t.active || t.seq != seq {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()
	t.emit(false)
}

// Stop reports typing stopped immediately, e.g. after the message was sent.
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.emit(false)
}
