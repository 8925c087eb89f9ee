// Package repository declares the persistence contracts. Implementations live
// in subpackages (sqlite, postgres, redisstore) and are chosen at startup.
package repository

import (
	"context"
	"time"

	"github.com/sakif/cosmicfire/internal/model"
)

type ProfileRepository interface {
	// Upsert creates the profile on first sign-in (online, with the given
	// color) or marks an existing one online and refreshes last_seen. The
	// returned bool reports whether the row was created.
	Upsert(ctx context.Context, identity model.Identity, color string, now time.Time) (*model.Profile, bool, error)
	Get(ctx context.Context, id string) (*model.Profile, error)
	// List returns every profile, oldest first.
	List(ctx context.Context) ([]model.Profile, error)
	ListOnline(ctx context.Context) ([]model.Profile, error)
	SetOnline(ctx context.Context, id string, online bool, now time.Time) error
	MarkOfflineByEmail(ctx context.Context, email string, now time.Time) (int64, error)
	// ExpireHeartbeats marks online profiles whose last_seen is before cutoff
	// as offline.
	ExpireHeartbeats(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteStale removes offline profiles whose last_seen is before cutoff.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)

	// AssignPosition stores candidate only if the profile has no position (or
	// the unassigned sentinel) and returns whichever coordinate is stored
	// afterwards.
	AssignPosition(ctx context.Context, id string, candidate model.Coordinate) (model.Coordinate, error)
	ListOnlinePositions(ctx context.Context) (map[string]model.Coordinate, error)
	ListOnlineIDs(ctx context.Context) ([]string, error)
}

type MessageRepository interface {
	Insert(ctx context.Context, msg *model.ChatMessage) error
	// ListBySender returns the sender's messages, most recent first.
	ListBySender(ctx context.Context, senderID string, limit int) ([]model.ChatMessage, error)
	// ListRecent returns messages from all senders, most recent first.
	ListRecent(ctx context.Context, limit int) ([]model.ChatMessage, error)
}

type RelationshipRepository interface {
	// InsertEdge is a no-op when the edge already exists; the bool reports
	// whether a row was written.
	InsertEdge(ctx context.Context, edge model.Edge) (bool, error)
	DeleteEdge(ctx context.Context, followerID, followedID string, typ model.RelationType) (bool, error)
	HasEdge(ctx context.Context, followerID, followedID string, typ model.RelationType) (bool, error)
	// ListEdges returns every edge in which userID is either endpoint.
	ListEdges(ctx context.Context, userID string) ([]model.Edge, error)
}

// CooldownStore records the last accepted send per identity.
type CooldownStore interface {
	// Acquire atomically checks that at least cooldown has elapsed since the
	// last accepted send and, if so, records now. When it refuses, remaining
	// is how long the caller must still wait.
	Acquire(ctx context.Context, identity string, now time.Time, cooldown time.Duration) (remaining time.Duration, ok bool, err error)
}

// Store is a relational backend implementing every repository.
type Store interface {
	ProfileRepository
	MessageRepository
	RelationshipRepository
	CooldownStore
	Ping(ctx context.Context) error
	Close() error
}
