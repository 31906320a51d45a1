// Package proxypool manages the shared pool of outbound proxies: health
// scoring, weighted selection, failure cooldowns, and provider refresh.
package proxypool

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/pkg/types"
)

var (
	// ErrNoProxiesAvailable means every proxy is excluded or cooling down.
	ErrNoProxiesAvailable = errors.New("no proxies available")
	// ErrUnknownProxy is returned when removing a proxy that is not pooled.
	ErrUnknownProxy = errors.New("unknown proxy")
)

// Proxy source labels.
const (
	SourceManual   = "manual"
	SourceProvider = "provider"
)

// responseTimeAlpha is the EMA smoothing factor for response times.
const responseTimeAlpha = 0.3

// maxCooldownShift bounds the exponential backoff shift.
const maxCooldownShift = 16

// Proxy is the pool's view of one upstream proxy endpoint.
type Proxy struct {
	Credentials         types.ProxyCredentials `json:"credentials"`
	Source              string                 `json:"source"`
	SuccessCount        int64                  `json:"success_count"`
	FailureCount        int64                  `json:"failure_count"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	AvgResponseTime     time.Duration          `json:"avg_response_time_ns"`
	CooldownUntil       time.Time              `json:"cooldown_until,omitempty"`
	LastSeenByProvider  time.Time              `json:"last_seen_by_provider,omitempty"`
	AddedAt             time.Time              `json:"added_at"`
}

// SuccessRate returns successes over total attempts. A proxy with no
// history is treated as fully healthy so new entries get traffic.
func (p *Proxy) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(p.SuccessCount) / float64(total)
}

// InCooldown reports whether the proxy is excluded from selection at now.
func (p *Proxy) InCooldown(now time.Time) bool {
	return now.Before(p.CooldownUntil)
}

type poolEntry struct {
	mu    sync.Mutex
	proxy Proxy
}

// Settings tunes pool behavior. Zero values are not defaulted here; the
// config loader fills them before the pool is built.
type Settings struct {
	// CooldownThreshold is the consecutive-failure count that triggers a
	// cooldown.
	CooldownThreshold int
	// CooldownBase is the first cooldown duration; it doubles with every
	// further consecutive failure, capped at CooldownMax.
	CooldownBase time.Duration
	CooldownMax  time.Duration
	// ExplorationFloor is the minimum selection weight, keeping unlucky
	// proxies reachable so they can recover.
	ExplorationFloor float64
	// LatencyBaseline scales the latency penalty in selection weights.
	LatencyBaseline time.Duration
	// StalenessWindow is how long a provider-sourced proxy survives
	// without being listed by the provider.
	StalenessWindow time.Duration
}

// Pool is an in-memory proxy pool. Like the runner registry, its state is
// best effort and rebuilt from provider refresh after a restart.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*poolEntry

	settings Settings
	logger   *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewPool creates an empty pool.
func NewPool(settings Settings, logger *zap.Logger) *Pool {
	return &Pool{
		entries:  make(map[string]*poolEntry),
		settings: settings,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Add inserts a manually managed proxy. Adding an existing key refreshes
// its credentials but keeps its stats.
func (p *Pool) Add(creds types.ProxyCredentials) {
	p.upsert(creds, SourceManual, time.Time{})
}

func (p *Pool) upsert(creds types.ProxyCredentials, source string, seenByProvider time.Time) {
	key := creds.Key()

	p.mu.Lock()
	e, exists := p.entries[key]
	if !exists {
		p.entries[key] = &poolEntry{proxy: Proxy{
			Credentials:        creds,
			Source:             source,
			AddedAt:            time.Now().UTC(),
			LastSeenByProvider: seenByProvider,
		}}
		p.mu.Unlock()
		p.logger.Debug("Proxy added to pool",
			zap.String("proxy", key),
			zap.String("source", source))
		return
	}
	p.mu.Unlock()

	e.mu.Lock()
	e.proxy.Credentials = creds
	if !seenByProvider.IsZero() {
		e.proxy.LastSeenByProvider = seenByProvider
	}
	e.mu.Unlock()
}

// Remove deletes a proxy from the pool.
func (p *Pool) Remove(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[key]; !exists {
		return ErrUnknownProxy
	}
	delete(p.entries, key)
	p.logger.Info("Proxy removed from pool", zap.String("proxy", key))
	return nil
}

// Select picks a proxy by weighted random draw over all eligible entries.
// Weight favors high success rates and low response times but never drops
// below the exploration floor, so a streaky proxy can still earn its way
// back. Proxies in cooldown or in the excluding set are skipped.
func (p *Pool) Select(excluding map[string]bool) (types.ProxyCredentials, error) {
	now := time.Now().UTC()

	p.mu.RLock()
	candidates := make([]*poolEntry, 0, len(p.entries))
	for key, e := range p.entries {
		if excluding[key] {
			continue
		}
		candidates = append(candidates, e)
	}
	p.mu.RUnlock()

	type weighted struct {
		creds  types.ProxyCredentials
		weight float64
	}
	eligible := make([]weighted, 0, len(candidates))
	total := 0.0
	for _, e := range candidates {
		e.mu.Lock()
		if e.proxy.InCooldown(now) {
			e.mu.Unlock()
			continue
		}
		w := p.weight(&e.proxy)
		creds := e.proxy.Credentials
		e.mu.Unlock()

		eligible = append(eligible, weighted{creds: creds, weight: w})
		total += w
	}

	if len(eligible) == 0 {
		return types.ProxyCredentials{}, ErrNoProxiesAvailable
	}

	draw := p.randFloat() * total
	for _, candidate := range eligible {
		draw -= candidate.weight
		if draw <= 0 {
			return candidate.creds, nil
		}
	}
	return eligible[len(eligible)-1].creds, nil
}

// weight must be called with the entry lock held.
func (p *Pool) weight(proxy *Proxy) float64 {
	latencyFactor := 1.0
	if proxy.AvgResponseTime > 0 && p.settings.LatencyBaseline > 0 {
		baseline := float64(p.settings.LatencyBaseline)
		latencyFactor = baseline / (baseline + float64(proxy.AvgResponseTime))
	}
	return p.settings.ExplorationFloor + proxy.SuccessRate()*latencyFactor
}

// RecordOutcome folds one attempt result into the proxy's stats. A
// success clears the failure streak and any cooldown; reaching the
// consecutive-failure threshold starts an exponentially growing cooldown.
func (p *Pool) RecordOutcome(key string, success bool, responseTime time.Duration) {
	p.mu.RLock()
	e, exists := p.entries[key]
	p.mu.RUnlock()
	if !exists {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if responseTime > 0 {
		if e.proxy.AvgResponseTime == 0 {
			e.proxy.AvgResponseTime = responseTime
		} else {
			e.proxy.AvgResponseTime = time.Duration(
				responseTimeAlpha*float64(responseTime) +
					(1-responseTimeAlpha)*float64(e.proxy.AvgResponseTime))
		}
	}

	if success {
		e.proxy.SuccessCount++
		e.proxy.ConsecutiveFailures = 0
		e.proxy.CooldownUntil = time.Time{}
		return
	}

	e.proxy.FailureCount++
	e.proxy.ConsecutiveFailures++

	streak := e.proxy.ConsecutiveFailures
	if streak < p.settings.CooldownThreshold {
		return
	}

	shift := streak - p.settings.CooldownThreshold
	if shift > maxCooldownShift {
		shift = maxCooldownShift
	}
	cooldown := p.settings.CooldownBase << shift
	if cooldown > p.settings.CooldownMax {
		cooldown = p.settings.CooldownMax
	}
	e.proxy.CooldownUntil = time.Now().UTC().Add(cooldown)

	p.logger.Warn("Proxy placed in cooldown",
		zap.String("proxy", key),
		zap.Int("consecutive_failures", streak),
		zap.Duration("cooldown", cooldown))
}

// Refresh merges a provider listing into the pool. Listed proxies are
// added or re-stamped with their stats intact; provider-sourced entries
// the provider stopped listing longer than the staleness window ago are
// pruned. Manually added proxies are never pruned.
func (p *Pool) Refresh(listing []types.ProxyCredentials) {
	now := time.Now().UTC()
	for _, creds := range listing {
		p.upsert(creds, SourceProvider, now)
	}

	threshold := now.Add(-p.settings.StalenessWindow)
	pruned := 0

	p.mu.Lock()
	for key, e := range p.entries {
		e.mu.Lock()
		stale := e.proxy.Source == SourceProvider && e.proxy.LastSeenByProvider.Before(threshold)
		e.mu.Unlock()
		if stale {
			delete(p.entries, key)
			pruned++
		}
	}
	p.mu.Unlock()

	p.logger.Info("Proxy pool refreshed",
		zap.Int("listed", len(listing)),
		zap.Int("pruned", pruned),
		zap.Int("pool_size", p.Size()))
}

// Size returns the number of pooled proxies.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// AvailableCount returns how many proxies are currently selectable.
func (p *Pool) AvailableCount() int {
	now := time.Now().UTC()

	p.mu.RLock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	count := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.proxy.InCooldown(now) {
			count++
		}
		e.mu.Unlock()
	}
	return count
}

// Snapshot returns copies of all proxy records, sorted by key.
func (p *Pool) Snapshot() []Proxy {
	p.mu.RLock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	proxies := make([]Proxy, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		proxies = append(proxies, e.proxy)
		e.mu.Unlock()
	}
	sort.Slice(proxies, func(i, j int) bool {
		return proxies[i].Credentials.Key() < proxies[j].Credentials.Key()
	})
	return proxies
}

func (p *Pool) randFloat() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64()
}
