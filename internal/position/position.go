// Package position places each online identity on the shared canvas.
//
// An Allocator is owned by one session: it is created at sign-in and dropped
// at sign-out, so cached coordinates never leak between sessions. The store
// stays the source of truth; the cache only saves round trips.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/model"
)

// Store is the subset of the profile repository the allocator needs.
type Store interface {
	AssignPosition(ctx context.Context, id string, candidate model.Coordinate) (model.Coordinate, error)
	ListOnlinePositions(ctx context.Context) (map[string]model.Coordinate, error)
	ListOnlineIDs(ctx context.Context) ([]string, error)
}

type Config struct {
	MinRadius   float64
	MaxRadius   float64
	MinDistance float64
	Attempts    int
}

func DefaultConfig() Config {
	return Config{MinRadius: 20, MaxRadius: 45, MinDistance: 8, Attempts: 100}
}

type Allocator struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	rng     *rand.Rand
	cache   map[string]model.Coordinate
	pending map[string]model.Coordinate // generated but not yet persisted
}

// NewAllocator returns an empty allocator. A nil rng is replaced by a
// randomly seeded one.
func NewAllocator(store Store, cfg Config, rng *rand.Rand, logger *slog.Logger) *Allocator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Allocator{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		rng:     rng,
		cache:   make(map[string]model.Coordinate),
		pending: make(map[string]model.Coordinate),
	}
}

// GetOrAssign returns the identity's coordinate, assigning one on first call.
//
// If persisting a new coordinate fails, the generated value is still returned
// and kept as pending; Sync retries it later.
func (a *Allocator) GetOrAssign(ctx context.Context, id string) (model.Coordinate, error) {
	a.mu.Lock()
	if c, ok := a.cache[id]; ok {
		a.mu.Unlock()
		return c, nil
	}
	a.mu.Unlock()

	v, err, _ := a.group.Do(id, func() (interface{}, error) {
		a.loadOnline(ctx)

		a.mu.Lock()
		if c, ok := a.cache[id]; ok {
			a.mu.Unlock()
			return c, nil
		}
		candidate := a.generateLocked()
		a.mu.Unlock()

		stored, err := a.store.AssignPosition(ctx, id, candidate)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return nil, err
			}
			a.logger.Warn("position not persisted, keeping local coordinate",
				slog.String("user_id", id),
				slog.String("error", err.Error()),
			)
			a.mu.Lock()
			a.cache[id] = candidate
			a.pending[id] = candidate
			a.mu.Unlock()
			return candidate, nil
		}

		a.mu.Lock()
		a.cache[id] = stored
		delete(a.pending, id)
		a.mu.Unlock()
		return stored, nil
	})
	if err != nil {
		return model.Coordinate{}, err
	}
	return v.(model.Coordinate), nil
}

// Sync retries every pending persist. Entries that succeed are replaced with
// the stored winner.
func (a *Allocator) Sync(ctx context.Context) error {
	a.mu.Lock()
	work := make(map[string]model.Coordinate, len(a.pending))
	for id, c := range a.pending {
		work[id] = c
	}
	a.mu.Unlock()

	var errs []error
	for id, c := range work {
		stored, err := a.store.AssignPosition(ctx, id, c)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				a.mu.Lock()
				delete(a.pending, id)
				delete(a.cache, id)
				a.mu.Unlock()
				continue
			}
			errs = append(errs, fmt.Errorf("position: syncing %s: %w", id, err))
			continue
		}
		a.mu.Lock()
		a.cache[id] = stored
		delete(a.pending, id)
		a.mu.Unlock()
	}
	return errors.Join(errs...)
}

// GetAll loads the positions of all online identities, refreshing the cache.
// Coordinates that are still pending are included.
func (a *Allocator) GetAll(ctx context.Context) (map[string]model.Coordinate, error) {
	if err := a.Sync(ctx); err != nil {
		a.logger.Warn("pending positions not synced", slog.String("error", err.Error()))
	}

	stored, err := a.store.ListOnlinePositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("position: loading online positions: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, c := range stored {
		a.cache[id] = c
	}
	out := make(map[string]model.Coordinate, len(stored)+len(a.pending))
	for id, c := range stored {
		out[id] = c
	}
	for id, c := range a.pending {
		out[id] = c
	}
	return out, nil
}

// EvictOffline drops cached coordinates of identities that are no longer
// online. Persisted positions are untouched, so returning users get the same
// spot. It returns the number of evicted entries.
func (a *Allocator) EvictOffline(ctx context.Context) (int, error) {
	ids, err := a.store.ListOnlineIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("position: listing online ids: %w", err)
	}
	online := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		online[id] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	evicted := 0
	for id := range a.cache {
		if _, ok := online[id]; ok {
			continue
		}
		if _, ok := a.pending[id]; ok {
			continue
		}
		delete(a.cache, id)
		evicted++
	}
	return evicted, nil
}

// Cached returns the cached coordinate for id, if any.
func (a *Allocator) Cached(id string) (model.Coordinate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cache[id]
	return c, ok
}

// Pending returns the number of coordinates waiting to be persisted.
func (a *Allocator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// loadOnline merges the stored positions of online identities into the cache
// so a new coordinate is generated away from them. A failed load only loses
// the separation.
func (a *Allocator) loadOnline(ctx context.Context) {
	stored, err := a.store.ListOnlinePositions(ctx)
	if err != nil {
		a.logger.Debug("online positions unavailable, assigning without separation",
			slog.String("error", err.Error()),
		)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, c := range stored {
		a.cache[id] = c
	}
}

func (a *Allocator) generateLocked() model.Coordinate {
	existing := make([]model.Coordinate, 0, len(a.cache))
	for _, c := range a.cache {
		existing = append(existing, c)
	}
	return Generate(a.rng, a.cfg, existing)
}

// Generate samples a coordinate on the ring [MinRadius, MaxRadius] around the
// canvas center. It tries up to cfg.Attempts candidates to stay MinDistance
// away from every coordinate in existing and falls back to the last one.
func Generate(rng *rand.Rand, cfg Config, existing []model.Coordinate) model.Coordinate {
	var c model.Coordinate
	attempts := max(cfg.Attempts, 1)
	for i := 0; i < attempts; i++ {
		c = sample(rng, cfg.MinRadius, cfg.MaxRadius)
		if separated(c, existing, cfg.MinDistance) {
			return c
		}
	}
	return c
}

func sample(rng *rand.Rand, minRadius, maxRadius float64) model.Coordinate {
	angle := rng.Float64() * 2 * math.Pi
	radius := minRadius + rng.Float64()*(maxRadius-minRadius)
	return model.Coordinate{
		X: model.CanvasCenter + radius*math.Cos(angle),
		Y: model.CanvasCenter + radius*math.Sin(angle),
	}
}

func separated(c model.Coordinate, existing []model.Coordinate, minDistance float64) bool {
	for _, e := range existing {
		if c.DistanceTo(e) < minDistance {
			return false
		}
	}
	return true
}
