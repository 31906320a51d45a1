// Package registry tracks the fleet of scrape runners: registration,
// heartbeats, liveness sweeping, and leased acquisition for dispatch.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/pkg/types"
)

var (
	// ErrNoRunnersAvailable means no active runner matched the selection
	// constraints.
	ErrNoRunnersAvailable = errors.New("no runners available")
	// ErrUnknownRunner is returned in strict mode for heartbeats from
	// runners that never registered.
	ErrUnknownRunner = errors.New("unknown runner")
)

// Runner is the registry's view of one runner process.
type Runner struct {
	ID            string                   `json:"id"`
	URL           string                   `json:"url"`
	Capabilities  types.RunnerCapabilities `json:"capabilities"`
	Status        types.RunnerStatus       `json:"status"`
	LastHeartbeat time.Time                `json:"last_heartbeat"`
	RegisteredAt  time.Time                `json:"registered_at"`
	ActiveTasks   int                      `json:"active_tasks"`
	TotalSuccess  int64                    `json:"total_success"`
	TotalFailed   int64                    `json:"total_failed"`
}

// entry wraps a runner with its own lock so selection and outcome
// recording never hold the registry-wide lock during an invoke.
type entry struct {
	mu     sync.Mutex
	runner Runner
}

// Registry is an in-memory runner registry. State is best effort and
// rebuilt from runner re-registration after a restart.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	livenessTimeout time.Duration
	strictHeartbeat bool
	logger          *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(livenessTimeout time.Duration, strictHeartbeat bool, logger *zap.Logger) *Registry {
	return &Registry{
		entries:         make(map[string]*entry),
		livenessTimeout: livenessTimeout,
		strictHeartbeat: strictHeartbeat,
		logger:          logger,
	}
}

// live reports whether a runner in this status can take work. Active and
// idle differ only in whether tasks are in flight.
func live(status types.RunnerStatus) bool {
	return status == types.RunnerActive || status == types.RunnerIdle
}

// liveStatus is the status a runner settles into given its current load.
func liveStatus(activeTasks int) types.RunnerStatus {
	if activeTasks > 0 {
		return types.RunnerActive
	}
	return types.RunnerIdle
}

// Register adds a runner or refreshes an existing registration. A
// re-registering runner comes back live with its counters preserved.
func (r *Registry) Register(id, url string, caps types.RunnerCapabilities) error {
	if id == "" {
		return fmt.Errorf("runner ID is required")
	}
	if url == "" {
		return fmt.Errorf("runner URL is required")
	}
	if !caps.HTTPOnly && !caps.Rendered {
		return fmt.Errorf("runner must support at least one fetch method")
	}

	now := time.Now().UTC()

	r.mu.Lock()
	e, exists := r.entries[id]
	if !exists {
		r.entries[id] = &entry{runner: Runner{
			ID:            id,
			URL:           url,
			Capabilities:  caps,
			Status:        types.RunnerIdle,
			LastHeartbeat: now,
			RegisteredAt:  now,
		}}
		r.mu.Unlock()
		r.logger.Info("Runner registered",
			zap.String("runner_id", id),
			zap.String("url", url))
		return nil
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.runner.URL = url
	e.runner.Capabilities = caps
	e.runner.Status = liveStatus(e.runner.ActiveTasks)
	e.runner.LastHeartbeat = now
	e.mu.Unlock()

	r.logger.Info("Runner re-registered",
		zap.String("runner_id", id),
		zap.String("url", url))
	return nil
}

// Heartbeat refreshes a runner's liveness and brings swept or errored
// runners back into rotation. In strict mode a heartbeat from an unknown
// runner is rejected; otherwise it is logged and ignored.
func (r *Registry) Heartbeat(id string) error {
	r.mu.RLock()
	e, exists := r.entries[id]
	r.mu.RUnlock()

	if !exists {
		if r.strictHeartbeat {
			return fmt.Errorf("%w: %s", ErrUnknownRunner, id)
		}
		r.logger.Warn("Heartbeat from unregistered runner ignored",
			zap.String("runner_id", id))
		return nil
	}

	e.mu.Lock()
	e.runner.LastHeartbeat = time.Now().UTC()
	if !live(e.runner.Status) {
		e.runner.Status = liveStatus(e.runner.ActiveTasks)
	}
	e.mu.Unlock()
	return nil
}

// Deregister removes a runner. Removing an unknown runner is a no-op.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	_, exists := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if exists {
		r.logger.Info("Runner deregistered", zap.String("runner_id", id))
	}
}

// Lease is a scoped acquisition of one runner. Release is idempotent and
// must be called exactly when the attempt finishes, success or not.
type Lease struct {
	Runner   Runner
	registry *Registry
	release  sync.Once
}

// Release returns the leased slot to the runner.
func (l *Lease) Release() {
	l.release.Do(func() {
		r := l.registry

		r.mu.RLock()
		e, exists := r.entries[l.Runner.ID]
		r.mu.RUnlock()
		if !exists {
			return
		}

		e.mu.Lock()
		if e.runner.ActiveTasks > 0 {
			e.runner.ActiveTasks--
		}
		if e.runner.ActiveTasks == 0 && e.runner.Status == types.RunnerActive {
			e.runner.Status = types.RunnerIdle
		}
		e.mu.Unlock()
	})
}

// Acquire selects the least busy live runner that supports method and
// is not in the excluding set, and leases it. Load ties break toward the
// runner with the oldest heartbeat so work spreads across the fleet.
func (r *Registry) Acquire(method types.ScrapeMethod, excluding map[string]bool) (*Lease, error) {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		if excluding[id] {
			continue
		}
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	var best *entry
	var bestLoad int
	var bestSeen time.Time
	for _, e := range candidates {
		e.mu.Lock()
		ok := live(e.runner.Status) && e.runner.Capabilities.Supports(method)
		load := e.runner.ActiveTasks
		seen := e.runner.LastHeartbeat
		e.mu.Unlock()
		if !ok {
			continue
		}
		if best == nil || load < bestLoad || (load == bestLoad && seen.Before(bestSeen)) {
			best = e
			bestLoad = load
			bestSeen = seen
		}
	}

	if best == nil {
		return nil, ErrNoRunnersAvailable
	}

	best.mu.Lock()
	// Re-check under the entry lock: a sweep may have run since scanning.
	if !live(best.runner.Status) {
		best.mu.Unlock()
		return nil, ErrNoRunnersAvailable
	}
	best.runner.ActiveTasks++
	best.runner.Status = types.RunnerActive
	snapshot := best.runner
	best.mu.Unlock()

	return &Lease{Runner: snapshot, registry: r}, nil
}

// RecordOutcome updates a runner's counters after an invoke.
func (r *Registry) RecordOutcome(id string, success bool) {
	r.mu.RLock()
	e, exists := r.entries[id]
	r.mu.RUnlock()
	if !exists {
		return
	}

	e.mu.Lock()
	if success {
		e.runner.TotalSuccess++
	} else {
		e.runner.TotalFailed++
	}
	e.mu.Unlock()
}

// MarkError flips a runner to error status immediately after an invoke
// failure so it stops receiving work until its next heartbeat.
func (r *Registry) MarkError(id string) {
	r.mu.RLock()
	e, exists := r.entries[id]
	r.mu.RUnlock()
	if !exists {
		return
	}

	e.mu.Lock()
	prev := e.runner.Status
	e.runner.Status = types.RunnerError
	e.mu.Unlock()

	if prev != types.RunnerError {
		r.logger.Warn("Runner marked as errored",
			zap.String("runner_id", id),
			zap.String("previous_status", string(prev)))
	}
}

// SweepNow marks runners whose heartbeat is older than the liveness
// timeout offline. Returns the number of runners transitioned. Normally
// driven by the Sweeper.
func (r *Registry) SweepNow() int {
	threshold := time.Now().UTC().Add(-r.livenessTimeout)

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	swept := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.runner.Status != types.RunnerOffline && e.runner.LastHeartbeat.Before(threshold) {
			e.runner.Status = types.RunnerOffline
			swept++
			r.logger.Info("Runner marked offline",
				zap.String("runner_id", e.runner.ID),
				zap.Time("last_heartbeat", e.runner.LastHeartbeat))
		}
		e.mu.Unlock()
	}
	return swept
}

// Snapshot returns copies of all runner records, sorted by ID.
func (r *Registry) Snapshot() []Runner {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	runners := make([]Runner, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		runners = append(runners, e.runner)
		e.mu.Unlock()
	}
	sort.Slice(runners, func(i, j int) bool {
		return runners[i].ID < runners[j].ID
	})
	return runners
}

// ActiveCount returns how many runners can currently take work, whether
// idle or mid-task.
func (r *Registry) ActiveCount() int {
	count := 0
	for _, runner := range r.Snapshot() {
		if live(runner.Status) {
			count++
		}
	}
	return count
}
