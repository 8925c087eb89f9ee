// Package presence tracks which identities are online, as seen by one
// observer, and runs the background sweep that keeps the stored presence
// honest.
package presence

import (
	"slices"
	"sync"
	"time"

	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/model"
)

// Transition lists identities that entered or left the online set.
type Transition struct {
	Joined []string `json:"joined"`
	Left   []string `json:"left"`
}

func (t Transition) Empty() bool {
	return len(t.Joined) == 0 && len(t.Left) == 0
}

// HighlightFunc is told when an identity's join highlight starts and ends.
// It is never called with the tracker's lock held.
type HighlightFunc func(id string, active bool)

type version struct {
	online   bool
	lastSeen time.Time
}

type highlight struct {
	timer clock.Timer
}

// Tracker merges poll snapshots and pushed profile changes into one online
// set. Updates carrying an already-seen (online, last_seen) version, or an
// older last_seen, are dropped, so the two sources can overlap freely.
type Tracker struct {
	observer    string
	clock       clock.Clock
	duration    time.Duration
	onHighlight HighlightFunc

	mu         sync.Mutex
	primed     bool
	closed     bool
	online     map[string]model.Profile
	versions   map[string]version
	highlights map[string]*highlight
}

// NewTracker returns a tracker for observer. Joins of other identities start
// a highlight lasting duration. onHighlight may be nil.
func NewTracker(observer string, clk clock.Clock, duration time.Duration, onHighlight HighlightFunc) *Tracker {
	if onHighlight == nil {
		onHighlight = func(string, bool) {}
	}
	return &Tracker{
		observer:    observer,
		clock:       clk,
		duration:    duration,
		onHighlight: onHighlight,
		online:      make(map[string]model.Profile),
		versions:    make(map[string]version),
		highlights:  make(map[string]*highlight),
	}
}

// Observe applies a full snapshot. Identities absent from the snapshot are
// treated as gone. The first snapshot establishes the baseline: its joins are
// reported but not highlighted.
func (t *Tracker) Observe(snapshot []model.Profile) Transition {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Transition{}
	}

	var tr Transition
	seen := make(map[string]struct{}, len(snapshot))
	for _, p := range snapshot {
		seen[p.ID] = struct{}{}
		t.applyLocked(p, &tr)
	}
	for id := range t.versions {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(t.versions, id)
		if _, wasOnline := t.online[id]; wasOnline {
			delete(t.online, id)
			tr.Left = append(tr.Left, id)
		}
	}

	highlight := t.primed
	t.primed = true
	fire := t.finishLocked(&tr, highlight)
	t.mu.Unlock()

	fire()
	return tr
}

// Apply merges a single pushed profile change.
func (t *Tracker) Apply(p model.Profile) Transition {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Transition{}
	}
	var tr Transition
	t.applyLocked(p, &tr)
	fire := t.finishLocked(&tr, t.primed)
	t.mu.Unlock()

	fire()
	return tr
}

// Remove drops an identity whose profile was deleted.
func (t *Tracker) Remove(id string) Transition {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Transition{}
	}
	var tr Transition
	delete(t.versions, id)
	if _, ok := t.online[id]; ok {
		delete(t.online, id)
		tr.Left = append(tr.Left, id)
	}
	fire := t.finishLocked(&tr, t.primed)
	t.mu.Unlock()

	fire()
	return tr
}

func (t *Tracker) applyLocked(p model.Profile, tr *Transition) {
	next := version{online: p.Online, lastSeen: p.LastSeen}
	if prev, ok := t.versions[p.ID]; ok {
		if prev == next || next.lastSeen.Before(prev.lastSeen) {
			return
		}
	}
	t.versions[p.ID] = next

	_, wasOnline := t.online[p.ID]
	switch {
	case p.Online && !wasOnline:
		t.online[p.ID] = p
		tr.Joined = append(tr.Joined, p.ID)
	case p.Online:
		t.online[p.ID] = p
	case wasOnline:
		delete(t.online, p.ID)
		tr.Left = append(tr.Left, p.ID)
	}
}

// finishLocked sorts the transition, updates highlight timers and returns the
// callbacks to run once the lock is released.
func (t *Tracker) finishLocked(tr *Transition, highlightJoins bool) func() {
	slices.Sort(tr.Joined)
	slices.Sort(tr.Left)

	var calls []func()
	for _, id := range tr.Left {
		if h, ok := t.highlights[id]; ok {
			h.timer.Stop()
			delete(t.highlights, id)
			calls = append(calls, func() { t.onHighlight(id, false) })
		}
	}
	if highlightJoins {
		for _, id := range tr.Joined {
			if id == t.observer {
				continue
			}
			if h, ok := t.highlights[id]; ok {
				h.timer.Stop()
			}
			h := &highlight{}
			h.timer = t.clock.AfterFunc(t.duration, func() { t.expire(id, h) })
			t.highlights[id] = h
			calls = append(calls, func() { t.onHighlight(id, true) })
		}
	}
	return func() {
		for _, c := range calls {
			c()
		}
	}
}

func (t *Tracker) expire(id string, h *highlight) {
	t.mu.Lock()
	if t.closed || t.highlights[id] != h {
		t.mu.Unlock()
		return
	}
	delete(t.highlights, id)
	t.mu.Unlock()
	t.onHighlight(id, false)
}

// Online returns the current online profiles, oldest first.
func (t *Tracker) Online() []model.Profile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Profile, 0, len(t.online))
	for _, p := range t.online {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b model.Profile) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (t *Tracker) IsOnline(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[id]
	return ok
}

// Highlighted returns the identities whose highlight is active.
func (t *Tracker) Highlighted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.highlights))
	for id := range t.highlights {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close cancels pending highlight timers. Later updates are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, h := range t.highlights {
		h.timer.Stop()
		delete(t.highlights, id)
	}
}
