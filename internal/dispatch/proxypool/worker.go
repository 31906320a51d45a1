package proxypool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RefreshWorker keeps the pool synchronized with the provider listing.
// After a failed refresh it retries on the shorter retry interval until a
// refresh succeeds again.
type RefreshWorker struct {
	pool          *Pool
	client        *ProviderClient
	interval      time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewRefreshWorker creates the worker; Start launches it.
func NewRefreshWorker(
	pool *Pool,
	client *ProviderClient,
	interval time.Duration,
	retryInterval time.Duration,
	logger *zap.Logger,
) *RefreshWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &RefreshWorker{
		pool:          pool,
		client:        client,
		interval:      interval,
		retryInterval: retryInterval,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start runs an initial refresh and then the periodic loop.
func (w *RefreshWorker) Start() {
	w.logger.Info("Proxy refresh worker starting",
		zap.Duration("interval", w.interval),
		zap.Duration("retry_interval", w.retryInterval))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		next := w.runOnce()
		timer := time.NewTimer(next)
		defer timer.Stop()

		for {
			select {
			case <-timer.C:
				timer.Reset(w.runOnce())
			case <-w.ctx.Done():
				w.logger.Info("Proxy refresh worker shutting down")
				return
			}
		}
	}()
}

// runOnce refreshes the pool and returns the delay until the next run.
func (w *RefreshWorker) runOnce() time.Duration {
	if err := w.RefreshNow(w.ctx); err != nil {
		if w.ctx.Err() == nil {
			w.logger.Warn("Proxy refresh failed, pool left unchanged",
				zap.Error(err),
				zap.Duration("retry_in", w.retryInterval))
		}
		return w.retryInterval
	}
	return w.interval
}

// RefreshNow performs a single provider fetch and pool merge. Also used
// by the manual refresh API endpoint.
func (w *RefreshWorker) RefreshNow(ctx context.Context) error {
	listing, err := w.client.FetchAll(ctx)
	if err != nil {
		return err
	}
	w.pool.Refresh(listing)
	return nil
}

// Shutdown stops the worker and waits for it to exit.
func (w *RefreshWorker) Shutdown() {
	w.cancel()
	w.wg.Wait()
	w.logger.Info("Proxy refresh worker stopped")
}
