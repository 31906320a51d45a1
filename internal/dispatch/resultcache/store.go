package resultcache

import (
	"context"

	"github.com/scrapehive/dispatcher/pkg/types"
)

// Store is the result cache backend. Implementations must treat Get
// misses as (nil, nil): errors are reserved for backend failures, which
// the dispatcher downgrades to misses.
type Store interface {
	// Get returns the cached result for key, or nil on a miss.
	Get(ctx context.Context, key string) (*types.ScrapeResult, error)
	// Set stores a result under key for the backend's configured TTL.
	Set(ctx context.Context, key string, result *types.ScrapeResult) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases backend resources.
	Close() error
}
