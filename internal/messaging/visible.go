package messaging

import (
	"slices"
	"sync"

	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/model"
)

// Visible is one subscriber's set of messages currently shown as tooltips.
// Each message is dropped at its VisibleUntil; history is unaffected.
type Visible struct {
	clock    clock.Clock
	onExpire func(model.ChatMessage)

	mu     sync.Mutex
	closed bool
	items  map[string]*visibleEntry
}

type visibleEntry struct {
	msg   model.ChatMessage
	timer clock.Timer
}

// NewVisible returns an empty set. onExpire, if non-nil, is called (without
// locks held) when a message leaves the set by timeout.
func NewVisible(clk clock.Clock, onExpire func(model.ChatMessage)) *Visible {
	return &Visible{
		clock:    clk,
		onExpire: onExpire,
		items:    make(map[string]*visibleEntry),
	}
}

// Add schedules msg for display. It reports false for duplicates and for
// messages whose window has already passed.
func (v *Visible) Add(msg model.ChatMessage) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	if _, dup := v.items[msg.ID]; dup {
		return false
	}
	now := v.clock.Now()
	if !msg.VisibleAt(now) {
		return false
	}

	e := &visibleEntry{msg: msg}
	e.timer = v.clock.AfterFunc(msg.VisibleUntil.Sub(now), func() { v.expire(msg.ID, e) })
	v.items[msg.ID] = e
	return true
}

func (v *Visible) expire(id string, e *visibleEntry) {
	v.mu.Lock()
	if v.closed || v.items[id] != e {
		v.mu.Unlock()
		return
	}
	delete(v.items, id)
	v.mu.Unlock()

	if v.onExpire != nil {
		v.onExpire(e.msg)
	}
}

func (v *Visible) Contains(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.items[id]
	return ok
}

// Active returns the visible messages, oldest first.
func (v *Visible) Active() []model.ChatMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]model.ChatMessage, 0, len(v.items))
	for _, e := range v.items {
		out = append(out, e.msg)
	}
	slices.SortFunc(out, func(a, b model.ChatMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Close cancels all expiry timers.
func (v *Visible) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for id, e := range v.items {
		e.timer.Stop()
		delete(v.items, id)
	}
}
