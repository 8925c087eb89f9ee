// Package session binds an authenticated identity to its presence record.
//
// A session moves SignedOut → Authenticating → SignedIn → SignedOut. Each
// SignedIn transition marks the profile online, assigns a position through a
// position cache owned by the session, and posts exactly one "joined" system
// message. Sign-out marks the profile offline before the session is dropped,
// and heartbeats arriving after sign-out has started are ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/position"
)

type State int

const (
	SignedOut State = iota
	Authenticating
	SignedIn
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case SignedIn:
		return "signed_in"
	default:
		return "signed_out"
	}
}

// Event is what OnChange listeners are told.
type Event string

const (
	EventSignedIn  Event = "SIGNED_IN"
	EventSignedOut Event = "SIGNED_OUT"
)

// Session is a snapshot of one sign-in.
type Session struct {
	ID         string         `json:"id"`
	Provider   string         `json:"provider"`
	State      State          `json:"-"`
	Identity   model.Identity `json:"identity"`
	CreatedAt  time.Time      `json:"createdAt"`
	SignedInAt time.Time      `json:"signedInAt,omitempty"`
}

type Listener func(Event, Session)

// ProfileStore is the slice of the profile repository sessions write to.
type ProfileStore interface {
	Upsert(ctx context.Context, identity model.Identity, color string, now time.Time) (*model.Profile, bool, error)
	Get(ctx context.Context, id string) (*model.Profile, error)
	SetOnline(ctx context.Context, id string, online bool, now time.Time) error
}

// SystemMessenger posts join announcements. messaging.Channel implements it.
type SystemMessenger interface {
	SendSystem(ctx context.Context, typ model.MessageType, content string) (*model.ChatMessage, error)
}

type Publisher interface {
	Publish(change model.Change)
}

// Redirector builds the identity provider's sign-in URL for a state value.
type Redirector interface {
	AuthURL(state string) string
}

type Config struct {
	Position position.Config
	// PendingTTL bounds how long an Authenticating session may wait for the
	// provider callback.
	PendingTTL time.Duration
}

func DefaultConfig() Config {
	return Config{Position: position.DefaultConfig(), PendingTTL: 10 * time.Minute}
}

type entry struct {
	mu         sync.Mutex
	session    Session
	joinSent   bool
	signingOut atomic.Bool
	positions  *position.Allocator
}

type Coordinator struct {
	profiles  ProfileStore
	positions position.Store
	messages  SystemMessenger
	publisher Publisher
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.RWMutex
	sessions  map[string]*entry
	listeners map[int]Listener
	nextID    int
}

// NewCoordinator wires a coordinator. rng seeds profile colors and each
// session's position cache; nil means randomly seeded.
func NewCoordinator(
	profiles ProfileStore,
	positions position.Store,
	messages SystemMessenger,
	publisher Publisher,
	clk clock.Clock,
	cfg Config,
	rng *rand.Rand,
	logger *slog.Logger,
) *Coordinator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultConfig().PendingTTL
	}
	return &Coordinator{
		profiles:  profiles,
		positions: positions,
		messages:  messages,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
		rng:       rng,
		sessions:  make(map[string]*entry),
		listeners: make(map[int]Listener),
	}
}

// Begin opens an Authenticating session. Its ID is used as the OAuth state,
// and the returned URL is where the browser should be sent.
func (c *Coordinator) Begin(provider string, r Redirector) (Session, string) {
	now := c.clock.Now()
	s := Session{
		ID:        uuid.NewString(),
		Provider:  provider,
		State:     Authenticating,
		CreatedAt: now,
	}

	c.mu.Lock()
	c.pruneLocked(now)
	c.sessions[s.ID] = &entry{session: s}
	c.mu.Unlock()

	return s, r.AuthURL(s.ID)
}

// Complete finishes sign-in for an Authenticating session. It returns the
// profile with its position filled in.
func (c *Coordinator) Complete(ctx context.Context, sessionID string, identity model.Identity) (*model.Profile, error) {
	e, ok := c.entry(sessionID)
	if !ok {
		return nil, apperror.Unauthorized("sign-in session expired, please try again")
	}

	e.mu.Lock()
	if e.session.State != Authenticating {
		e.mu.Unlock()
		return nil, apperror.Unauthorized("sign-in session expired, please try again")
	}
	now := c.clock.Now()
	if now.Sub(e.session.CreatedAt) > c.cfg.PendingTTL {
		e.mu.Unlock()
		c.drop(sessionID)
		return nil, apperror.Unauthorized("sign-in session expired, please try again")
	}

	profile, created, err := c.profiles.Upsert(ctx, identity, c.color(), now)
	if err != nil {
		e.mu.Unlock()
		return nil, apperror.Unavailable("sign-in", err)
	}

	e.session.Identity = identity
	e.session.State = SignedIn
	e.session.SignedInAt = now
	e.joinSent = false
	e.positions = position.NewAllocator(c.positions, c.cfg.Position, c.sessionRand(), c.logger)

	coord, err := e.positions.GetOrAssign(ctx, identity.ID)
	if err != nil {
		c.logger.Warn("position assignment failed",
			slog.String("user_id", identity.ID),
			slog.String("error", err.Error()),
		)
	} else {
		profile.Position = &coord
	}

	c.sendJoinLocked(ctx, e)
	snapshot := e.session
	e.mu.Unlock()

	c.logger.Info("user signed in",
		slog.String("user_id", identity.ID),
		slog.String("provider", snapshot.Provider),
		slog.Bool("created", created),
	)

	event := model.EventUpdate
	if created {
		event = model.EventInsert
	}
	c.publisher.Publish(model.Change{Table: model.TableUserProfiles, Event: event, Record: profile})
	c.notify(EventSignedIn, snapshot)
	return profile, nil
}

// sendJoinLocked posts the join announcement unless this SignedIn transition
// already has one. A failed post leaves the flag clear so the next heartbeat
// retries it.
func (c *Coordinator) sendJoinLocked(ctx context.Context, e *entry) {
	if e.joinSent {
		return
	}
	content := fmt.Sprintf("%s joined the chat", e.session.Identity.Email)
	if _, err := c.messages.SendSystem(ctx, model.MessageTypeJoin, content); err != nil {
		c.logger.Warn("join message not sent",
			slog.String("user_id", e.session.Identity.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.joinSent = true
}

// Touch records a heartbeat. It is a no-op once sign-out has begun.
func (c *Coordinator) Touch(ctx context.Context, sessionID string) error {
	e, ok := c.entry(sessionID)
	if !ok {
		return apperror.Unauthorized("session is no longer valid")
	}
	if e.signingOut.Load() {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// re-check: SignOut may have started while we waited for the lock
	if e.signingOut.Load() || e.session.State != SignedIn {
		return nil
	}
	if err := c.profiles.SetOnline(ctx, e.session.Identity.ID, true, c.clock.Now()); err != nil {
		return apperror.Unavailable("heartbeat", err)
	}
	c.sendJoinLocked(ctx, e)
	return nil
}

// SignOut ends a session. The profile is marked offline first; if that write
// fails the sign-out still completes and the staleness sweep catches up.
// Signing out an unknown session is a no-op.
func (c *Coordinator) SignOut(ctx context.Context, sessionID string) error {
	e, ok := c.entry(sessionID)
	if !ok {
		return nil
	}
	e.signingOut.Store(true)

	e.mu.Lock()
	wasSignedIn := e.session.State == SignedIn
	identity := e.session.Identity
	if wasSignedIn {
		if err := c.profiles.SetOnline(ctx, identity.ID, false, c.clock.Now()); err != nil {
			c.logger.Warn("offline mark failed during sign-out",
				slog.String("user_id", identity.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.session.State = SignedOut
	e.joinSent = false
	e.positions = nil
	snapshot := e.session
	e.mu.Unlock()

	c.drop(sessionID)
	if !wasSignedIn {
		return nil
	}

	c.logger.Info("user signed out", slog.String("user_id", identity.ID))
	c.publishProfile(ctx, identity.ID)
	c.notify(EventSignedOut, snapshot)
	return nil
}

// Disconnect marks an identity offline when its last realtime connection
// closes. Sessions stay valid; the next heartbeat brings it back online.
func (c *Coordinator) Disconnect(ctx context.Context, identityID string) {
	if err := c.profiles.SetOnline(ctx, identityID, false, c.clock.Now()); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return
		}
		c.logger.Warn("offline mark failed on disconnect",
			slog.String("user_id", identityID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.publishProfile(ctx, identityID)
}

// Lookup returns the signed-in session with the given ID.
func (c *Coordinator) Lookup(sessionID string) (Session, error) {
	e, ok := c.entry(sessionID)
	if !ok {
		return Session{}, apperror.Unauthorized("session is no longer valid")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.State != SignedIn || e.signingOut.Load() {
		return Session{}, apperror.Unauthorized("session is no longer valid")
	}
	return e.session, nil
}

// Positions returns the position cache owned by a signed-in session.
func (c *Coordinator) Positions(sessionID string) (*position.Allocator, error) {
	e, ok := c.entry(sessionID)
	if !ok {
		return nil, apperror.Unauthorized("session is no longer valid")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.positions == nil {
		return nil, apperror.Unauthorized("session is no longer valid")
	}
	return e.positions, nil
}

// JoinSent reports whether the current sign-in of a session has announced
// itself.
func (c *Coordinator) JoinSent(sessionID string) bool {
	e, ok := c.entry(sessionID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joinSent
}

// OnChange registers l for sign-in and sign-out events. The returned func
// removes it.
func (c *Coordinator) OnChange(l Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Active returns the number of sessions that are not signed out.
func (c *Coordinator) Active() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Coordinator) entry(id string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.sessions[id]
	return e, ok
}

func (c *Coordinator) drop(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// pruneLocked forgets Authenticating sessions whose callback never came.
func (c *Coordinator) pruneLocked(now time.Time) {
	for id, e := range c.sessions {
		if !e.mu.TryLock() {
			continue
		}
		stale := e.session.State == Authenticating && now.Sub(e.session.CreatedAt) > c.cfg.PendingTTL
		e.mu.Unlock()
		if stale {
			delete(c.sessions, id)
		}
	}
}

func (c *Coordinator) notify(ev Event, s Session) {
	c.mu.RLock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.RUnlock()
	for _, l := range ls {
		l(ev, s)
	}
}

func (c *Coordinator) publishProfile(ctx context.Context, id string) {
	p, err := c.profiles.Get(ctx, id)
	if err != nil {
		// observers re-poll on a change without a record
		c.publisher.Publish(model.Change{Table: model.TableUserProfiles, Event: model.EventUpdate})
		return
	}
	c.publisher.Publish(model.Change{Table: model.TableUserProfiles, Event: model.EventUpdate, Record: p})
}

func (c *Coordinator) color() string {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return fmt.Sprintf("hsl(%d, 70%%, 70%%)", c.rng.IntN(360))
}

func (c *Coordinator) sessionRand() *rand.Rand {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return rand.New(rand.NewPCG(c.rng.Uint64(), c.rng.Uint64()))
}
