package position

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/model"
)

// ====================================================================
// Fake store
// ====================================================================

type fakeStore struct {
	mu        sync.Mutex
	positions map[string]model.Coordinate
	online    map[string]bool
	fail      bool
	calls     atomic.Int32
	gate      chan struct{} // when set, AssignPosition blocks until closed
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{positions: map[string]model.Coordinate{}, online: map[string]bool{}}
	for _, id := range ids {
		s.online[id] = true
	}
	return s
}

func (s *fakeStore) AssignPosition(_ context.Context, id string, c model.Coordinate) (model.Coordinate, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return model.Coordinate{}, errors.New("connection refused")
	}
	if _, ok := s.online[id]; !ok {
		return model.Coordinate{}, apperror.NotFound("profile", id)
	}
	if cur, ok := s.positions[id]; ok && !cur.IsUnassigned() {
		return cur, nil
	}
	s.positions[id] = c
	return c, nil
}

func (s *fakeStore) ListOnlinePositions(context.Context) (map[string]model.Coordinate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("connection refused")
	}
	out := map[string]model.Coordinate{}
	for id, c := range s.positions {
		if s.online[id] && !c.IsUnassigned() {
			out[id] = c
		}
	}
	return out, nil
}

func (s *fakeStore) ListOnlineIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("connection refused")
	}
	var ids []string
	for id, on := range s.online {
		if on {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAllocator(store Store) *Allocator {
	return NewAllocator(store, DefaultConfig(), rand.New(rand.NewPCG(1, 2)), testLogger())
}

const eps = 1e-9

// ====================================================================
// Generation
// ====================================================================

func TestGenerateStaysOnRing(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	cfg := DefaultConfig()
	for i := 0; i < 10_000; i++ {
		c := Generate(rng, cfg, nil)
		d := c.DistanceTo(model.Unassigned)
		require.GreaterOrEqual(t, d, cfg.MinRadius-eps, "coordinate %v too close to center", c)
		require.LessOrEqual(t, d, cfg.MaxRadius+eps, "coordinate %v too far from center", c)
		require.False(t, c.IsUnassigned())
		require.True(t, c.X >= 0 && c.X <= 100 && c.Y >= 0 && c.Y <= 100, "off canvas: %v", c)
	}
}

func TestGenerateKeepsMinDistanceWhenPossible(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	cfg := DefaultConfig()
	existing := []model.Coordinate{{X: 80, Y: 50}, {X: 20, Y: 50}, {X: 50, Y: 80}}
	for i := 0; i < 200; i++ {
		c := Generate(rng, cfg, existing)
		for _, e := range existing {
			assert.GreaterOrEqual(t, c.DistanceTo(e), cfg.MinDistance)
		}
	}
}

func TestGenerateFallsBackWhenCrowded(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	cfg := DefaultConfig()
	cfg.MinDistance = 1000 // impossible
	c := Generate(rng, cfg, []model.Coordinate{{X: 70, Y: 50}})
	d := c.DistanceTo(model.Unassigned)
	assert.InDelta(t, (cfg.MinRadius+cfg.MaxRadius)/2, d, (cfg.MaxRadius-cfg.MinRadius)/2+eps)
}

// ====================================================================
// GetOrAssign
// ====================================================================

func TestGetOrAssignIsStable(t *testing.T) {
	store := newFakeStore("alice")
	a := newTestAllocator(store)
	ctx := context.Background()

	first, err := a.GetOrAssign(ctx, "alice")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := a.GetOrAssign(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, int32(1), store.calls.Load(), "cache hits must not reach the store")
}

func TestGetOrAssignReturnsPersistedCoordinate(t *testing.T) {
	store := newFakeStore("alice")
	persisted := model.Coordinate{X: 90, Y: 50}
	store.positions["alice"] = persisted

	// A fresh allocator (new session) must not re-randomize.
	a := newTestAllocator(store)
	got, err := a.GetOrAssign(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, persisted, got)
}

func TestGetOrAssignRegeneratesSentinel(t *testing.T) {
	store := newFakeStore("alice")
	store.positions["alice"] = model.Unassigned

	a := newTestAllocator(store)
	got, err := a.GetOrAssign(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, got.IsUnassigned())
	assert.Equal(t, got, store.positions["alice"])
}

func TestGetOrAssignCollapsesConcurrentMisses(t *testing.T) {
	store := newFakeStore("alice")
	store.gate = make(chan struct{})
	a := newTestAllocator(store)

	const n = 10
	results := make([]model.Coordinate, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := a.GetOrAssign(context.Background(), "alice")
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	close(store.gate)
	wg.Wait()

	for _, c := range results {
		assert.Equal(t, results[0], c)
	}
	assert.LessOrEqual(t, store.calls.Load(), int32(n))
	assert.Equal(t, results[0], store.positions["alice"])
}

func TestGetOrAssignKeepsDistanceFromOnlineUsers(t *testing.T) {
	cfg := DefaultConfig()
	// bob already sits on the first coordinate this seed produces
	taken := Generate(rand.New(rand.NewPCG(1, 2)), cfg, nil)

	store := newFakeStore("alice", "bob")
	store.positions["bob"] = taken

	a := newTestAllocator(store)
	got, err := a.GetOrAssign(context.Background(), "alice")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, got.DistanceTo(taken), cfg.MinDistance)
	assert.Equal(t, got, store.positions["alice"])
	cached, ok := a.Cached("bob")
	assert.True(t, ok)
	assert.Equal(t, taken, cached)
}

func TestGetOrAssignIgnoresOfflinePositions(t *testing.T) {
	cfg := DefaultConfig()
	taken := Generate(rand.New(rand.NewPCG(1, 2)), cfg, nil)

	store := newFakeStore("alice")
	store.positions["carol"] = taken // carol is offline

	a := newTestAllocator(store)
	got, err := a.GetOrAssign(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, taken, got)
}

func TestGetOrAssignUnknownProfile(t *testing.T) {
	a := newTestAllocator(newFakeStore())
	_, err := a.GetOrAssign(context.Background(), "ghost")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
	_, cached := a.Cached("ghost")
	assert.False(t, cached)
}

// ====================================================================
// Degraded persistence
// ====================================================================

func TestPersistFailureReturnsPendingCoordinate(t *testing.T) {
	store := newFakeStore("alice")
	store.setFail(true)
	a := newTestAllocator(store)
	ctx := context.Background()

	local, err := a.GetOrAssign(ctx, "alice")
	require.NoError(t, err, "persistence failure must not fail the caller")
	assert.False(t, local.IsUnassigned())
	assert.Equal(t, 1, a.Pending())

	again, err := a.GetOrAssign(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, local, again)

	assert.Error(t, a.Sync(ctx))
	assert.Equal(t, 1, a.Pending())

	store.setFail(false)
	require.NoError(t, a.Sync(ctx))
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, local, store.positions["alice"])
}

func TestSyncAdoptsConcurrentWinner(t *testing.T) {
	store := newFakeStore("alice")
	store.setFail(true)
	a := newTestAllocator(store)
	ctx := context.Background()

	_, err := a.GetOrAssign(ctx, "alice")
	require.NoError(t, err)

	// another process assigned alice while we were offline
	winner := model.Coordinate{X: 50, Y: 10}
	store.setFail(false)
	store.positions["alice"] = winner

	require.NoError(t, a.Sync(ctx))
	got, err := a.GetOrAssign(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, winner, got)
}

// ====================================================================
// GetAll / EvictOffline
// ====================================================================

func TestGetAllRefreshesCache(t *testing.T) {
	store := newFakeStore("alice", "bob")
	store.positions["bob"] = model.Coordinate{X: 10, Y: 50}
	a := newTestAllocator(store)
	ctx := context.Background()

	aliceC, err := a.GetOrAssign(ctx, "alice")
	require.NoError(t, err)

	all, err := a.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.Coordinate{"alice": aliceC, "bob": {X: 10, Y: 50}}, all)

	bobC, ok := a.Cached("bob")
	assert.True(t, ok)
	assert.Equal(t, model.Coordinate{X: 10, Y: 50}, bobC)
}

func TestGetAllIncludesPendingAndFailsWhenStoreDown(t *testing.T) {
	store := newFakeStore("alice")
	store.setFail(true)
	a := newTestAllocator(store)
	ctx := context.Background()

	local, err := a.GetOrAssign(ctx, "alice")
	require.NoError(t, err)

	_, err = a.GetAll(ctx)
	assert.Error(t, err)

	store.setFail(false)
	all, err := a.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, local, all["alice"])
}

func TestEvictOfflineKeepsPersistedPosition(t *testing.T) {
	store := newFakeStore("alice", "bob")
	a := newTestAllocator(store)
	ctx := context.Background()

	bobC, err := a.GetOrAssign(ctx, "bob")
	require.NoError(t, err)
	_, err = a.GetOrAssign(ctx, "alice")
	require.NoError(t, err)

	store.mu.Lock()
	store.online["bob"] = false
	store.mu.Unlock()

	n, err := a.EvictOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := a.Cached("bob")
	assert.False(t, ok)
	_, ok = a.Cached("alice")
	assert.True(t, ok)

	// bob comes back to the same spot
	store.mu.Lock()
	store.online["bob"] = true
	store.mu.Unlock()
	again, err := a.GetOrAssign(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, bobC, again)
}
