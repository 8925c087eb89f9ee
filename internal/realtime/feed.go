// Package realtime delivers row changes to connected browsers.
//
// Feed is the in-process change feed keyed by table and event. Observer turns
// feed changes plus periodic polls into per-connection events, and Hub counts
// connections per identity.
package realtime

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/sakif/cosmicfire/internal/model"
)

// ErrSubscriptionDropped is reported by a subscription that fell too far
// behind and was cut off by the feed.
var ErrSubscriptionDropped = errors.New("realtime: subscription dropped")

// DefaultBuffer is the per-subscription backlog before it is dropped.
const DefaultBuffer = 64

type Feed struct {
	buffer int
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewFeed(buffer int, logger *slog.Logger) *Feed {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Feed{
		buffer: buffer,
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in changes to table with the given event.
// Either may be model.EventAny ("*"). Subscribing to a closed feed returns an
// already-closed subscription.
func (f *Feed) Subscribe(table, event string) *Subscription {
	s := &Subscription{
		feed:  f,
		table: table,
		event: event,
		ch:    make(chan model.Change, f.buffer),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		s.closeWith(nil)
		return s
	}
	f.subs[s] = struct{}{}
	return s
}

// Publish fans change out to matching subscriptions without blocking. A
// subscription whose buffer is full is dropped with ErrSubscriptionDropped.
func (f *Feed) Publish(change model.Change) {
	var dropped []*Subscription

	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return
	}
	for s := range f.subs {
		if !s.matches(change) {
			continue
		}
		select {
		case s.ch <- change:
		default:
			dropped = append(dropped, s)
		}
	}
	f.mu.RUnlock()

	for _, s := range dropped {
		f.logger.Warn("dropping slow subscription",
			slog.String("table", s.table),
			slog.String("event", s.event),
		)
		f.remove(s, ErrSubscriptionDropped)
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for s := range f.subs {
		delete(f.subs, s)
		s.closeWith(nil)
	}
}

func (f *Feed) remove(s *Subscription, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; !ok {
		return
	}
	delete(f.subs, s)
	s.closeWith(err)
}

// Subscription is a filtered view of the feed. C is closed when the
// subscription ends; Err then tells why.
type Subscription struct {
	feed  *Feed
	table string
	event string
	ch    chan model.Change

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *Subscription) C() <-chan model.Change {
	return s.ch
}

// Err returns ErrSubscriptionDropped if the feed cut the subscription off,
// nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Unsubscribe() {
	s.feed.remove(s, nil)
}

func (s *Subscription) matches(c model.Change) bool {
	return (s.table == model.EventAny || s.table == c.Table) &&
		(s.event == model.EventAny || s.event == c.Event)
}

// closeWith must be called with the feed's write lock held (or before the
// subscription is registered), which serializes it against Publish sends.
func (s *Subscription) closeWith(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}
