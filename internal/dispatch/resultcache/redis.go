package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrapehive/dispatcher/internal/common/redis"
	"github.com/scrapehive/dispatcher/pkg/types"
)

// redisKeyPrefix namespaces cache values in the shared redis database.
const redisKeyPrefix = "result:"

// RedisStore keeps results in redis as compressed JSON, with TTL
// delegated to redis expiry.
type RedisStore struct {
	client      *redis.Client
	ttl         time.Duration
	compression types.CompressionAlgorithm
}

// NewRedisStore wraps an already connected redis client.
func NewRedisStore(client *redis.Client, ttl time.Duration, compression types.CompressionAlgorithm) *RedisStore {
	return &RedisStore{
		client:      client,
		ttl:         ttl,
		compression: compression,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*types.ScrapeResult, error) {
	value, err := s.client.GetBytes(ctx, redisKeyPrefix+key)
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	if value == nil {
		return nil, nil
	}

	payload, err := decompress(value)
	if err != nil {
		return nil, fmt.Errorf("cache value corrupted: %w", err)
	}

	var result types.ScrapeResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("cache value corrupted: %w", err)
	}
	return &result, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, result *types.ScrapeResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	value, err := compress(payload, s.compression)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+key, value, s.ttl)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
