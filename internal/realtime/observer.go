package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/messaging"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/presence"
)

type EventType string

const (
	EventPresence       EventType = "presence"
	EventHighlight      EventType = "highlight"
	EventMessage        EventType = "message"
	EventMessageExpired EventType = "message_expired"
	EventPosition       EventType = "position"
)

// Event is one message on a client's realtime stream.
type Event struct {
	Type EventType `json:"type"`

	// presence
	Joined []string        `json:"joined,omitempty"`
	Left   []string        `json:"left,omitempty"`
	Online []model.Profile `json:"online,omitempty"`

	// highlight
	UserID string `json:"userId,omitempty"`
	Active bool   `json:"active,omitempty"`

	// message, message_expired
	Message   *model.ChatMessage `json:"message,omitempty"`
	MessageID string             `json:"messageId,omitempty"`

	// position
	Positions map[string]model.Coordinate `json:"positions,omitempty"`
}

// EmitFunc delivers an event to the client. It is called from the observer's
// loop and from timer callbacks, so it must be safe for concurrent use.
type EmitFunc func(Event)

// ProfileSource is polled for the online set.
type ProfileSource interface {
	ListOnline(ctx context.Context) ([]model.Profile, error)
}

// MessageSource seeds still-visible messages on connect.
type MessageSource interface {
	Recent(ctx context.Context, limit int) ([]model.ChatMessage, error)
}

// PositionSource is the session's position allocator.
type PositionSource interface {
	GetAll(ctx context.Context) (map[string]model.Coordinate, error)
	EvictOffline(ctx context.Context) (int, error)
}

// Subscriber is satisfied by *Feed.
type Subscriber interface {
	Subscribe(table, event string) *Subscription
}

type ObserverConfig struct {
	PollInterval   time.Duration
	Highlight      time.Duration
	SeedLimit      int
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration
}

func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		PollInterval:   10 * time.Second,
		Highlight:      3 * time.Second,
		SeedLimit:      30,
		ResubscribeMin: 500 * time.Millisecond,
		ResubscribeMax: 30 * time.Second,
	}
}

// Observer drives one client's view. Polling runs on a fixed interval for the
// whole connection; pushed changes arrive in between. Both feed the same
// presence tracker and visible-message set, which discard duplicates.
//
// When a push subscription is dropped the observer keeps polling and
// resubscribes with exponential backoff.
type Observer struct {
	identity  string
	profiles  ProfileSource
	messages  MessageSource
	positions PositionSource
	feed      Subscriber
	clock     clock.Clock
	cfg       ObserverConfig
	emit      EmitFunc
	logger    *slog.Logger

	tracker *presence.Tracker
	visible *messaging.Visible

	resub       chan struct{}
	mu          sync.Mutex
	resubTimer  clock.Timer
	backoff     time.Duration
	resubscribe int
}

func NewObserver(
	identity string,
	profiles ProfileSource,
	messages MessageSource,
	positions PositionSource,
	feed Subscriber,
	clk clock.Clock,
	cfg ObserverConfig,
	emit EmitFunc,
	logger *slog.Logger,
) *Observer {
	o := &Observer{
		identity:  identity,
		profiles:  profiles,
		messages:  messages,
		positions: positions,
		feed:      feed,
		clock:     clk,
		cfg:       cfg,
		emit:      emit,
		logger:    logger.With(slog.String("user_id", identity)),
		resub:     make(chan struct{}, 1),
		backoff:   cfg.ResubscribeMin,
	}
	o.tracker = presence.NewTracker(identity, clk, cfg.Highlight, func(id string, active bool) {
		o.emit(Event{Type: EventHighlight, UserID: id, Active: active})
	})
	o.visible = messaging.NewVisible(clk, func(m model.ChatMessage) {
		o.emit(Event{Type: EventMessageExpired, MessageID: m.ID})
	})
	return o
}

// Run blocks until ctx is cancelled, then cancels every timer and
// subscription it created.
func (o *Observer) Run(ctx context.Context) {
	ticker := o.clock.NewTicker(o.cfg.PollInterval)
	profileSub := o.feed.Subscribe(model.TableUserProfiles, model.EventAny)
	messageSub := o.feed.Subscribe(model.TableChatMessages, model.EventInsert)
	defer func() {
		ticker.Stop()
		o.mu.Lock()
		if o.resubTimer != nil {
			o.resubTimer.Stop()
		}
		o.mu.Unlock()
		if profileSub != nil {
			profileSub.Unsubscribe()
		}
		if messageSub != nil {
			messageSub.Unsubscribe()
		}
		o.tracker.Close()
		o.visible.Close()
	}()

	o.poll(ctx)
	o.seedMessages(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C():
			o.poll(ctx)

		case change, ok := <-subChan(profileSub):
			if !ok {
				o.dropped(ctx, "profiles", profileSub.Err())
				profileSub = nil
				continue
			}
			o.resetBackoff()
			o.applyProfileChange(ctx, change)

		case change, ok := <-subChan(messageSub):
			if !ok {
				o.dropped(ctx, "messages", messageSub.Err())
				messageSub = nil
				continue
			}
			o.resetBackoff()
			if msg, ok := change.Record.(*model.ChatMessage); ok {
				o.showMessage(*msg)
			}

		case <-o.resub:
			if profileSub == nil {
				profileSub = o.feed.Subscribe(model.TableUserProfiles, model.EventAny)
			}
			if messageSub == nil {
				messageSub = o.feed.Subscribe(model.TableChatMessages, model.EventInsert)
			}
			o.mu.Lock()
			o.resubscribe++
			o.mu.Unlock()
			o.logger.Info("realtime subscription re-established")
			// catch up on anything missed while disconnected
			o.poll(ctx)
			o.seedMessages(ctx)
		}
	}
}

// subChan returns nil for a nil subscription so its select case blocks.
func subChan(s *Subscription) <-chan model.Change {
	if s == nil {
		return nil
	}
	return s.C()
}

func (o *Observer) dropped(ctx context.Context, name string, err error) {
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		// the feed shut down; polling alone carries the connection
		o.logger.Debug("realtime feed closed", slog.String("subscription", name))
		return
	}
	o.logger.Warn("realtime subscription lost, falling back to polling",
		slog.String("subscription", name),
		slog.Any("error", err),
	)
	o.poll(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resubTimer != nil {
		return // one pending resubscribe covers both subscriptions
	}
	wait := o.backoff
	o.backoff = min(o.backoff*2, o.cfg.ResubscribeMax)
	o.resubTimer = o.clock.AfterFunc(wait, func() {
		o.mu.Lock()
		o.resubTimer = nil
		o.mu.Unlock()
		select {
		case o.resub <- struct{}{}:
		default:
		}
	})
}

func (o *Observer) resetBackoff() {
	o.mu.Lock()
	o.backoff = o.cfg.ResubscribeMin
	o.mu.Unlock()
}

func (o *Observer) poll(ctx context.Context) {
	online, err := o.profiles.ListOnline(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("presence poll failed", slog.String("error", err.Error()))
		}
		return
	}
	tr := o.tracker.Observe(online)
	if !tr.Empty() {
		o.emitPresence(tr)
		if len(tr.Left) > 0 {
			if _, err := o.positions.EvictOffline(ctx); err != nil {
				o.logger.Debug("position eviction failed", slog.String("error", err.Error()))
			}
		}
		o.emitPositions(ctx)
	}
}

func (o *Observer) applyProfileChange(ctx context.Context, change model.Change) {
	var tr presence.Transition
	switch rec := change.Record.(type) {
	case *model.Profile:
		if change.Event == model.EventDelete {
			tr = o.tracker.Remove(rec.ID)
		} else {
			tr = o.tracker.Apply(*rec)
		}
	case model.Profile:
		if change.Event == model.EventDelete {
			tr = o.tracker.Remove(rec.ID)
		} else {
			tr = o.tracker.Apply(rec)
		}
	default:
		// bulk changes (sweeps) carry no row; re-poll instead
		o.poll(ctx)
		return
	}
	if tr.Empty() {
		return
	}
	o.emitPresence(tr)
	o.emitPositions(ctx)
}

func (o *Observer) seedMessages(ctx context.Context) {
	recent, err := o.messages.Recent(ctx, o.cfg.SeedLimit)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("loading recent messages failed", slog.String("error", err.Error()))
		}
		return
	}
	// oldest first so the client stacks them in order
	for i := len(recent) - 1; i >= 0; i-- {
		o.showMessage(recent[i])
	}
}

func (o *Observer) showMessage(msg model.ChatMessage) {
	if o.visible.Add(msg) {
		o.emit(Event{Type: EventMessage, Message: &msg})
	}
}

func (o *Observer) emitPresence(tr presence.Transition) {
	o.emit(Event{
		Type:   EventPresence,
		Joined: tr.Joined,
		Left:   tr.Left,
		Online: o.tracker.Online(),
	})
}

func (o *Observer) emitPositions(ctx context.Context) {
	positions, err := o.positions.GetAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("loading positions failed", slog.String("error", err.Error()))
		}
		return
	}
	o.emit(Event{Type: EventPosition, Positions: positions})
}

// Visible returns the messages currently shown to this client.
func (o *Observer) Visible() []model.ChatMessage {
	return o.visible.Active()
}

// Online returns the observer's current view of the online set.
func (o *Observer) Online() []model.Profile {
	return o.tracker.Online()
}

// Resubscriptions reports how many times a dropped subscription has been
// re-established.
func (o *Observer) Resubscriptions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resubscribe
}
