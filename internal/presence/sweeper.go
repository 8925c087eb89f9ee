package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/cosmicfire/internal/clock"
)

// SweepStore is the part of the profile repository the sweeper writes to.
type SweepStore interface {
	ExpireHeartbeats(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type SweepConfig struct {
	// OfflineAfter marks online profiles offline once their last heartbeat
	// is this old.
	OfflineAfter time.Duration
	// StaleAfter deletes offline profiles last seen this long ago.
	StaleAfter time.Duration
	Interval   time.Duration
}

type SweepResult struct {
	Expired int64 `json:"expired"`
	Deleted int64 `json:"deleted"`
}

// Sweeper periodically expires silent sessions and purges long-offline
// profiles. Start and Stop follow the usual manager-loop shape.
type Sweeper struct {
	store   SweepStore
	clock   clock.Clock
	cfg     SweepConfig
	logger  *slog.Logger
	onSweep func(SweepResult)

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSweeper builds a sweeper. onSweep, if non-nil, is called after every run
// that changed at least one row.
func NewSweeper(store SweepStore, clk clock.Clock, cfg SweepConfig, logger *slog.Logger, onSweep func(SweepResult)) *Sweeper {
	return &Sweeper{
		store:   store,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
		onSweep: onSweep,
		done:    make(chan struct{}),
	}
}

// RunOnce performs one sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	var res SweepResult

	expired, err := s.store.ExpireHeartbeats(ctx, now.Add(-s.cfg.OfflineAfter))
	if err != nil {
		return res, fmt.Errorf("presence: expiring heartbeats: %w", err)
	}
	res.Expired = expired

	deleted, err := s.store.DeleteStale(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		return res, fmt.Errorf("presence: deleting stale profiles: %w", err)
	}
	res.Deleted = deleted

	if (res.Expired > 0 || res.Deleted > 0) && s.onSweep != nil {
		s.onSweep(res)
	}
	return res, nil
}

func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting presence sweeper",
			slog.Duration("interval", s.cfg.Interval),
			slog.Duration("offline_after", s.cfg.OfflineAfter),
			slog.Duration("stale_after", s.cfg.StaleAfter),
		)
		ticker := s.clock.NewTicker(s.cfg.Interval)
		s.wg.Add(1)
		go s.loop(ticker)
	})
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Sweeper) loop(ticker clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C():
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			res, err := s.RunOnce(ctx)
			cancel()
			if err != nil {
				s.logger.Error("presence sweep failed", slog.String("error", err.Error()))
				continue
			}
			s.logger.Debug("presence sweep done",
				slog.Int64("expired", res.Expired),
				slog.Int64("deleted", res.Deleted),
			)
		}
	}
}
