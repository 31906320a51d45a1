package resultcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/scrapehive/dispatcher/pkg/types"
)

// MemoryStore is a capacity-bounded LRU cache with lazy TTL expiry.
// Expired entries are dropped when read; capacity overflow evicts the
// least recently used entry on write.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	ttl      time.Duration
	capacity int
}

type memoryEntry struct {
	key      string
	result   types.ScrapeResult
	cachedAt time.Time
}

// NewMemoryStore creates a memory store. A capacity of zero means
// unbounded.
func NewMemoryStore(ttl time.Duration, capacity int) *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*types.ScrapeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.entries[key]
	if !exists {
		return nil, nil
	}

	entry := elem.Value.(*memoryEntry)
	if s.ttl > 0 && time.Since(entry.cachedAt) > s.ttl {
		s.order.Remove(elem)
		delete(s.entries, key)
		return nil, nil
	}

	s.order.MoveToFront(elem)
	result := entry.result
	return &result, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, result *types.ScrapeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.entries[key]; exists {
		entry := elem.Value.(*memoryEntry)
		entry.result = *result
		entry.cachedAt = time.Now().UTC()
		s.order.MoveToFront(elem)
		return nil
	}

	elem := s.order.PushFront(&memoryEntry{
		key:      key,
		result:   *result,
		cachedAt: time.Now().UTC(),
	})
	s.entries[key] = elem

	if s.capacity > 0 && s.order.Len() > s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.entries, oldest.Value.(*memoryEntry).key)
		}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.entries[key]; exists {
		s.order.Remove(elem)
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of cached entries, including any not yet lazily
// expired.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *MemoryStore) Close() error { return nil }
