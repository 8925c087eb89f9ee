// Package clock abstracts wall time and timers so cooldowns, tooltip expiry
// and highlight auto-clear can be driven deterministically in tests.
//
// Production code uses Real. Tests use Fake and call Advance to move time
// forward; due timers fire synchronously inside Advance, in deadline order.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source injected into every timer-driven component.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or inside Advance (Fake)
	// once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	// NewTicker delivers ticks every d until stopped.
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

// Ticker is a cancellable periodic timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (Real) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Fake is a manually advanced clock.
//
// Thread-safety: all methods are safe for concurrent use. Timer callbacks run
// without the clock's lock held so they may call back into the clock.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int64
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFake returns a fake clock reading start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, when: f.now.Add(d), fn: fn, seq: f.seq}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{clock: f, every: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls inside the interval. Each callback observes Now() equal to its own
// deadline.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDue(target)
		if next == nil {
			f.now = target
			f.fireTickers()
			f.mu.Unlock()
			return
		}
		f.removeTimer(next)
		if next.when.After(f.now) {
			f.now = next.when
		}
		f.mu.Unlock()

		next.fn()
	}
}

// Set moves the clock to t, firing timers due up to t. Moving backwards
// fires nothing.
func (f *Fake) Set(t time.Time) {
	d := t.Sub(f.Now())
	if d < 0 {
		f.mu.Lock()
		f.now = t
		f.mu.Unlock()
		return
	}
	f.Advance(d)
}

func (f *Fake) nextDue(target time.Time) *fakeTimer {
	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].when.Equal(f.timers[j].when) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].when.Before(f.timers[j].when)
	})
	if len(f.timers) == 0 || f.timers[0].when.After(target) {
		return nil
	}
	return f.timers[0]
}

func (f *Fake) removeTimer(t *fakeTimer) bool {
	for i, cur := range f.timers {
		if cur == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

// fireTickers delivers at most one pending tick per ticker; like time.Ticker,
// slow receivers drop ticks.
func (f *Fake) fireTickers() {
	for _, t := range f.tickers {
		if t.stopped || t.next.After(f.now) {
			continue
		}
		for !t.next.After(f.now) {
			t.next = t.next.Add(t.every)
		}
		select {
		case t.ch <- f.now:
		default:
		}
	}
}

type fakeTimer struct {
	clock *Fake
	when  time.Time
	fn    func()
	seq   int64
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.clock.removeTimer(t)
}

type fakeTicker struct {
	clock   *Fake
	every   time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
