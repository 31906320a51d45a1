package orchestrator

import (
	"errors"

	"github.com/scrapehive/dispatcher/internal/dispatch/proxypool"
	"github.com/scrapehive/dispatcher/internal/dispatch/registry"
	"github.com/scrapehive/dispatcher/internal/dispatch/runnerclient"
)

var (
	// ErrInvalidRequest means the submission failed validation.
	ErrInvalidRequest = errors.New("invalid scrape request")
	// ErrRateLimited means the caller exceeded its admission budget.
	// The submission was rejected before consuming any pool resources.
	ErrRateLimited = errors.New("rate limited")
	// ErrAttemptsExhausted means every allowed attempt failed. It wraps
	// the last attempt's error.
	ErrAttemptsExhausted = errors.New("all scrape attempts failed")
)

// Re-exported pool and invocation errors, so callers can classify every
// terminal error with a single import.
var (
	ErrNoRunnersAvailable = registry.ErrNoRunnersAvailable
	ErrNoProxiesAvailable = proxypool.ErrNoProxiesAvailable
	ErrRunnerTimeout      = runnerclient.ErrRunnerTimeout
	ErrRunnerRejected     = runnerclient.ErrRunnerRejected
	ErrScrapeFailed       = runnerclient.ErrScrapeFailed
)
