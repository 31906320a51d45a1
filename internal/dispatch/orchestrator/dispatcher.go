// Package orchestrator drives a scrape submission through admission,
// cache lookup, and the bounded retry loop over runner/proxy pairs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/internal/common/requestid"
	"github.com/scrapehive/dispatcher/internal/dispatch/events"
	"github.com/scrapehive/dispatcher/internal/dispatch/metrics"
	"github.com/scrapehive/dispatcher/internal/dispatch/proxypool"
	"github.com/scrapehive/dispatcher/internal/dispatch/ratelimit"
	"github.com/scrapehive/dispatcher/internal/dispatch/registry"
	"github.com/scrapehive/dispatcher/internal/dispatch/resultcache"
	"github.com/scrapehive/dispatcher/internal/dispatch/runnerclient"
	"github.com/scrapehive/dispatcher/pkg/types"
)

// Config tunes the retry state machine.
type Config struct {
	// MaxAttempts bounds runner invocations per submission, escalation
	// included.
	MaxAttempts int
	// AttemptTimeout bounds a single runner invocation.
	AttemptTimeout time.Duration
	// RetryBackoff is the pause between failed attempts.
	RetryBackoff time.Duration
	// MinContentBytes is the auto-mode threshold below which a fast-path
	// result is treated as needing a rendered fetch.
	MinContentBytes int
}

// Dispatcher owns the submission state machine. All dependencies are
// shared and safe for concurrent Submit calls.
type Dispatcher struct {
	registry *registry.Registry
	proxies  *proxypool.Pool
	cache    resultcache.Store
	limiter  *ratelimit.Limiter
	invoker  runnerclient.Invoker
	emitter  events.Emitter
	metrics  *metrics.Collector
	config   Config
	logger   *zap.Logger
}

// NewDispatcher wires the dispatcher. metrics may be nil.
func NewDispatcher(
	reg *registry.Registry,
	proxies *proxypool.Pool,
	cache resultcache.Store,
	limiter *ratelimit.Limiter,
	invoker runnerclient.Invoker,
	emitter events.Emitter,
	collector *metrics.Collector,
	config Config,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		proxies:  proxies,
		cache:    cache,
		limiter:  limiter,
		invoker:  invoker,
		emitter:  emitter,
		metrics:  collector,
		config:   config,
		logger:   logger,
	}
}

// Submit resolves one scrape request to a terminal result or error.
// Cancelling ctx aborts the attempt loop; any held lease is released.
func (d *Dispatcher) Submit(ctx context.Context, req *types.ScrapeRequest) (*types.ScrapeResult, error) {
	start := time.Now().UTC()
	reqID := requestid.Generate("")

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	log := d.logger.With(
		zap.String("request_id", reqID),
		zap.String("url", req.URL),
		zap.String("method", string(req.Method)))

	if !d.limiter.Allow(req.CallerKey) {
		d.metrics.RecordRateLimited()
		d.emitTerminal(reqID, req, nil, 0, start, ErrRateLimited)
		return nil, ErrRateLimited
	}

	fingerprint := resultcache.Fingerprint(req)
	if req.UseCache {
		if cached := d.cacheLookup(ctx, fingerprint, log); cached != nil {
			cached.FromCache = true
			d.metrics.RecordScrape(string(cached.Status), string(cached.MethodUsed), time.Since(start), 0)
			d.emitTerminal(reqID, req, cached, 0, start, nil)
			log.Debug("Serving result from cache")
			return cached, nil
		}
	}

	result, attempts, err := d.runAttempts(ctx, reqID, req, log)
	if err != nil {
		d.metrics.RecordScrape("failed", "", time.Since(start), attempts)
		d.emitTerminal(reqID, req, nil, attempts, start, err)
		return nil, err
	}

	result.Attempts = attempts
	if req.UseCache {
		if cacheErr := d.cache.Set(ctx, fingerprint, result); cacheErr != nil {
			log.Warn("Failed to write result to cache", zap.Error(cacheErr))
		}
	}

	d.metrics.RecordScrape(string(result.Status), string(result.MethodUsed), time.Since(start), attempts)
	d.emitTerminal(reqID, req, result, attempts, start, nil)
	return result, nil
}

// cacheLookup downgrades backend errors to misses.
func (d *Dispatcher) cacheLookup(ctx context.Context, fingerprint string, log *zap.Logger) *types.ScrapeResult {
	cached, err := d.cache.Get(ctx, fingerprint)
	if err != nil {
		d.metrics.RecordCacheError()
		log.Warn("Cache lookup failed, treating as miss", zap.Error(err))
		return nil
	}
	if cached == nil {
		d.metrics.RecordCacheMiss()
		return nil
	}
	d.metrics.RecordCacheHit()
	return cached
}

// runAttempts is the bounded retry loop. Every attempt uses a
// runner/proxy pair not tried before in this submission.
func (d *Dispatcher) runAttempts(
	ctx context.Context,
	reqID string,
	req *types.ScrapeRequest,
	log *zap.Logger,
) (*types.ScrapeResult, int, error) {
	effectiveMethod := req.Method
	if effectiveMethod == types.MethodAuto {
		effectiveMethod = types.MethodHTTPOnly
	}
	escalated := false

	triedRunners := make(map[string]bool)
	triedProxies := make(map[string]bool)

	var lastErr error
	attempts := 0

	for attempts < d.config.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, attempts, fmt.Errorf("submission cancelled: %w", err)
		}

		if attempts > 0 {
			if err := sleepCtx(ctx, d.config.RetryBackoff); err != nil {
				return nil, attempts, fmt.Errorf("submission cancelled: %w", err)
			}
		}

		selectMethod := effectiveMethod
		if req.Method == types.MethodAuto && !escalated {
			// an auto attempt may still need to escalate on this runner
			selectMethod = types.MethodAuto
		}

		lease, err := d.registry.Acquire(selectMethod, triedRunners)
		if err != nil {
			return nil, attempts, d.exhausted(err, lastErr, attempts)
		}

		proxy, err := d.proxies.Select(triedProxies)
		if err != nil {
			lease.Release()
			return nil, attempts, d.exhausted(err, lastErr, attempts)
		}

		triedRunners[lease.Runner.ID] = true
		triedProxies[proxy.Key()] = true
		attempts++

		result, attemptErr := d.attempt(ctx, reqID, req, effectiveMethod, lease, proxy, log)
		if attemptErr == nil {
			if req.Method == types.MethodAuto && !escalated && d.needsRender(result) {
				log.Debug("Fast path returned near-empty content, escalating to rendered fetch",
					zap.Int("content_bytes", len(result.Content)))
				effectiveMethod = types.MethodRendered
				escalated = true
				lastErr = runnerclient.ErrRenderRequired
				continue
			}
			return result, attempts, nil
		}

		if errors.Is(attemptErr, runnerclient.ErrRenderRequired) && req.Method == types.MethodAuto && !escalated {
			log.Debug("Runner signaled render required, escalating")
			effectiveMethod = types.MethodRendered
			escalated = true
			lastErr = attemptErr
			continue
		}

		lastErr = attemptErr
		log.Warn("Scrape attempt failed",
			zap.Int("attempt", attempts),
			zap.String("runner_id", lease.Runner.ID),
			zap.String("proxy", proxy.Key()),
			zap.Error(attemptErr))
	}

	return nil, attempts, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, lastErr)
}

// attempt runs one leased invocation and records outcomes in both pools.
func (d *Dispatcher) attempt(
	ctx context.Context,
	reqID string,
	req *types.ScrapeRequest,
	method types.ScrapeMethod,
	lease *registry.Lease,
	proxy types.ProxyCredentials,
	log *zap.Logger,
) (*types.ScrapeResult, error) {
	defer lease.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
	defer cancel()

	start := time.Now().UTC()
	resp, err := d.invoker.Invoke(attemptCtx, lease.Runner.URL, &runnerclient.Request{
		RequestID: reqID,
		URL:       req.URL,
		Method:    method,
		Stealth:   req.Stealth,
		Parse:     req.Parse,
		Proxy:     &proxy,
	})
	elapsed := time.Since(start)

	if err == nil {
		d.registry.RecordOutcome(lease.Runner.ID, true)
		d.proxies.RecordOutcome(proxy.Key(), true, elapsed)
		d.metrics.RecordRunnerInvocation("success")
		d.metrics.RecordProxyOutcome(true)

		return &types.ScrapeResult{
			Content:        resp.Content,
			Status:         types.StatusSuccess,
			MethodUsed:     resp.MethodUsed,
			RunnerUsed:     lease.Runner.ID,
			ProxyUsed:      proxy.Key(),
			ResponseTimeMs: elapsed.Milliseconds(),
		}, nil
	}

	switch {
	case errors.Is(err, runnerclient.ErrRenderRequired):
		// the fetch itself worked; neither pool is at fault
		d.registry.RecordOutcome(lease.Runner.ID, true)
		d.proxies.RecordOutcome(proxy.Key(), true, elapsed)
		d.metrics.RecordRunnerInvocation("render_required")

	case errors.Is(err, runnerclient.ErrRunnerUnavailable):
		// transport-level failure: the runner is unhealthy, the proxy
		// was never exercised
		d.registry.RecordOutcome(lease.Runner.ID, false)
		d.registry.MarkError(lease.Runner.ID)
		d.metrics.RecordRunnerInvocation("unavailable")

	case errors.Is(err, runnerclient.ErrRunnerTimeout):
		d.registry.RecordOutcome(lease.Runner.ID, false)
		d.registry.MarkError(lease.Runner.ID)
		d.proxies.RecordOutcome(proxy.Key(), false, 0)
		d.metrics.RecordRunnerInvocation("timeout")
		d.metrics.RecordProxyOutcome(false)

	case errors.Is(err, runnerclient.ErrRunnerRejected):
		// the target blocked this proxy; the runner did its job
		d.registry.RecordOutcome(lease.Runner.ID, false)
		d.proxies.RecordOutcome(proxy.Key(), false, elapsed)
		d.metrics.RecordRunnerInvocation("rejected")
		d.metrics.RecordProxyOutcome(false)

	default:
		d.registry.RecordOutcome(lease.Runner.ID, false)
		d.proxies.RecordOutcome(proxy.Key(), false, elapsed)
		d.metrics.RecordRunnerInvocation("failed")
		d.metrics.RecordProxyOutcome(false)
	}

	return nil, err
}

// needsRender reports whether a successful fast-path result is too thin
// to be the real page.
func (d *Dispatcher) needsRender(result *types.ScrapeResult) bool {
	if result.MethodUsed == types.MethodRendered {
		return false
	}
	return len(result.Content) < d.config.MinContentBytes
}

// exhausted decides the terminal error when acquisition fails mid-loop.
// With no attempts made the pool error itself is the answer; otherwise
// the submission ran out of untried pairs.
func (d *Dispatcher) exhausted(acquireErr, lastErr error, attempts int) error {
	if attempts == 0 {
		return acquireErr
	}
	if lastErr == nil {
		lastErr = acquireErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, lastErr)
}

func (d *Dispatcher) emitTerminal(
	reqID string,
	req *types.ScrapeRequest,
	result *types.ScrapeResult,
	attempts int,
	start time.Time,
	err error,
) {
	event := &events.ScrapeEvent{
		Timestamp:      time.Now().UTC(),
		RequestID:      reqID,
		URL:            req.URL,
		Method:         req.Method,
		Attempts:       attempts,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}

	if result != nil {
		event.Status = string(result.Status)
		event.MethodUsed = result.MethodUsed
		event.RunnerID = result.RunnerUsed
		event.Proxy = result.ProxyUsed
		event.FromCache = result.FromCache
	} else {
		event.Status = "failed"
		if errors.Is(err, ErrRateLimited) {
			event.Status = "rate_limited"
		}
		if err != nil {
			event.Error = err.Error()
		}
	}

	d.emitter.Emit(event)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
