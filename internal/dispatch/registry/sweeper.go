package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically marks runners offline once their heartbeat is
// older than the liveness timeout. Sweeps run on a single goroutine, so
// at most one sweep is in flight at a time.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper for the registry.
func NewSweeper(registry *Registry, interval time.Duration, logger *zap.Logger) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		registry: registry,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.logger.Info("Runner liveness sweeper starting",
		zap.Duration("interval", s.interval),
		zap.Duration("liveness_timeout", s.registry.livenessTimeout))

	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if swept := s.registry.SweepNow(); swept > 0 {
					s.logger.Info("Liveness sweep finished",
						zap.Int("runners_marked_offline", swept))
				}
			case <-s.ctx.Done():
				s.logger.Info("Runner liveness sweeper shutting down")
				return
			}
		}
	}()
}

// Shutdown stops the sweep loop and waits for it to exit.
func (s *Sweeper) Shutdown() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Runner liveness sweeper stopped")
}
