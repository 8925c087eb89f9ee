package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/repository/sqlite"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct{ changes []model.Change }

func (p *recordingPublisher) Publish(c model.Change) { p.changes = append(p.changes, c) }

func newTestService(t *testing.T, users ...string) (*Service, *sqlite.DB, *recordingPublisher) {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, u := range users {
		_, _, err := db.Upsert(context.Background(), model.Identity{ID: u, Email: u + "@example.com"}, "hsl(0, 70%, 70%)", t0)
		require.NoError(t, err)
	}
	pub := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(db, db, pub, clock.NewFake(t0), logger), db, pub
}

func status(t *testing.T, s *Service, a, b string) model.FriendshipStatus {
	t.Helper()
	st, err := s.Status(context.Background(), a, b)
	require.NoError(t, err)
	return st
}

// ====================================================================
// Follow / Unfollow
// ====================================================================

func TestFollowScenario(t *testing.T) {
	s, _, _ := newTestService(t, "A", "B")
	ctx := context.Background()

	require.NoError(t, s.Follow(ctx, "A", "B"))
	assert.Equal(t, model.StatusFollowing, status(t, s, "A", "B"))
	assert.Equal(t, model.StatusFollowedBy, status(t, s, "B", "A"))

	require.NoError(t, s.Follow(ctx, "B", "A"))
	assert.Equal(t, model.StatusFriends, status(t, s, "A", "B"))
	assert.Equal(t, model.StatusFriends, status(t, s, "B", "A"))

	require.NoError(t, s.Unfollow(ctx, "A", "B"))
	assert.Equal(t, model.StatusFollowedBy, status(t, s, "A", "B"))
}

func TestFollowIsIdempotent(t *testing.T) {
	s, db, pub := newTestService(t, "A", "B")
	ctx := context.Background()

	require.NoError(t, s.Follow(ctx, "A", "B"))
	require.NoError(t, s.Follow(ctx, "A", "B"))

	edges, err := db.ListEdges(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
	assert.Len(t, pub.changes, 1, "duplicate follow publishes nothing")

	require.NoError(t, s.Unfollow(ctx, "A", "B"))
	require.NoError(t, s.Unfollow(ctx, "A", "B"), "unfollow of a missing edge is a no-op")
	assert.Len(t, pub.changes, 2)
	assert.Equal(t, model.EventDelete, pub.changes[1].Event)
}

func TestFollowSelfRejected(t *testing.T) {
	s, _, _ := newTestService(t, "A")
	err := s.Follow(context.Background(), "A", "A")
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestFollowUnknownUser(t *testing.T) {
	s, _, _ := newTestService(t, "A")
	err := s.Follow(context.Background(), "A", "ghost")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestSelfStatusIgnoresEdges(t *testing.T) {
	s, _, _ := newTestService(t, "A", "B")
	require.NoError(t, s.Follow(context.Background(), "A", "B"))
	assert.Equal(t, model.StatusSelf, status(t, s, "A", "A"))
	assert.Equal(t, model.StatusSelf, StatusWith(Connections{User: "A"}, "A"))
}

// ====================================================================
// Block
// ====================================================================

func TestBlockRemovesFollowsAndForbidsFollowing(t *testing.T) {
	s, _, _ := newTestService(t, "A", "B")
	ctx := context.Background()
	require.NoError(t, s.Follow(ctx, "A", "B"))
	require.NoError(t, s.Follow(ctx, "B", "A"))

	require.NoError(t, s.Block(ctx, "B", "A"))
	assert.Equal(t, model.StatusBlocked, status(t, s, "B", "A"))
	assert.Equal(t, model.StatusNotConnected, status(t, s, "A", "B"), "blocked side is not told")

	err := s.Follow(ctx, "A", "B")
	assert.True(t, errors.Is(err, apperror.ErrForbidden))
	err = s.Follow(ctx, "B", "A")
	assert.True(t, errors.Is(err, apperror.ErrForbidden), "blocker cannot follow either")

	conns, err := s.Load(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, Blocking(conns))

	require.NoError(t, s.Unblock(ctx, "B", "A"))
	assert.Equal(t, model.StatusNotConnected, status(t, s, "B", "A"))
	assert.NoError(t, s.Follow(ctx, "A", "B"))
}

func TestBlockSelfRejected(t *testing.T) {
	s, _, _ := newTestService(t, "A")
	assert.True(t, errors.Is(s.Block(context.Background(), "A", "A"), apperror.ErrValidation))
}

// ====================================================================
// Pure functions
// ====================================================================

func TestListsFromConnections(t *testing.T) {
	e := func(a, b string) model.Edge {
		return model.Edge{FollowerID: a, FollowedID: b, Type: model.RelationFollow}
	}
	c := Connections{User: "u", Edges: []model.Edge{
		e("u", "x"), e("x", "u"),
		e("u", "y"),
		e("z", "u"),
		{FollowerID: "u", FollowedID: "w", Type: model.RelationBlock},
	}}

	assert.Equal(t, []string{"x", "z"}, Followers(c))
	assert.Equal(t, []string{"x", "y"}, Following(c))
	assert.Equal(t, []string{"x"}, Friends(c))
	assert.Equal(t, []string{"w"}, Blocking(c))
	assert.Equal(t, model.StatusFriends, StatusWith(c, "x"))
	assert.Equal(t, model.StatusFollowing, StatusWith(c, "y"))
	assert.Equal(t, model.StatusFollowedBy, StatusWith(c, "z"))
	assert.Equal(t, model.StatusBlocked, StatusWith(c, "w"))
	assert.Equal(t, model.StatusSelf, StatusWith(c, "u"))
	assert.Equal(t, model.StatusNotConnected, StatusWith(c, "v"))
}

func TestFriendshipIsSymmetric(t *testing.T) {
	users := []string{"a", "b", "c", "d", "e"}
	s, _, _ := newTestService(t, users...)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(11, 12))

	for i := 0; i < 15; i++ {
		a, b := users[rng.IntN(len(users))], users[rng.IntN(len(users))]
		if a != b {
			require.NoError(t, s.Follow(ctx, a, b))
		}
	}

	for _, a := range users {
		for _, b := range users {
			ab, ba := status(t, s, a, b), status(t, s, b, a)
			assert.Equal(t, ab == model.StatusFriends, ba == model.StatusFriends, fmt.Sprintf("%s/%s: %s vs %s", a, b, ab, ba))

			ca, err := s.Load(ctx, a)
			require.NoError(t, err)
			cb, err := s.Load(ctx, b)
			require.NoError(t, err)
			assert.Equal(t, contains(Friends(ca), b), contains(Friends(cb), a))
		}
	}
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// ====================================================================
// Store failures
// ====================================================================

type brokenEdges struct{}

func (brokenEdges) InsertEdge(context.Context, model.Edge) (bool, error) {
	return false, errors.New("db locked")
}
func (brokenEdges) DeleteEdge(context.Context, string, string, model.RelationType) (bool, error) {
	return false, errors.New("db locked")
}
func (brokenEdges) HasEdge(context.Context, string, string, model.RelationType) (bool, error) {
	return false, errors.New("db locked")
}
func (brokenEdges) ListEdges(context.Context, string) ([]model.Edge, error) {
	return nil, errors.New("db locked")
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	_, db, _ := newTestService(t, "A", "B")
	s := NewService(brokenEdges{}, db, nil, clock.NewFake(t0), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	assert.True(t, errors.Is(s.Follow(ctx, "A", "B"), apperror.ErrUnavailable))
	assert.True(t, errors.Is(s.Unfollow(ctx, "A", "B"), apperror.ErrUnavailable))
	_, err := s.Status(ctx, "A", "B")
	assert.True(t, errors.Is(err, apperror.ErrUnavailable))
}
