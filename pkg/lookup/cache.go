package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

// Cache memoizes successful searches by query
type Cache interface {
	Get(ctx context.Context, query string) ([]models.LookupResult, bool)
	Set(ctx context.Context, query string, results []models.LookupResult)
}

// MemoryCache is an in-process cache for one batch run
type MemoryCache struct {
	cache *gocache.Cache
}

// NewMemoryCache creates a cache whose entries expire after ttl
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{cache: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, query string) ([]models.LookupResult, bool) {
	v, ok := m.cache.Get(normalizeQuery(query))
	if !ok {
		return nil, false
	}
	results, ok := v.([]models.LookupResult)
	return results, ok
}

func (m *MemoryCache) Set(_ context.Context, query string, results []models.LookupResult) {
	m.cache.SetDefault(normalizeQuery(query), results)
}

const redisKeyPrefix = "foodmap:lookup:"

// RedisCache shares lookups across batch runs so repeated queries are not billed twice
type RedisCache struct {
	logger *zap.Logger
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps a connected redis client
func NewRedisCache(logger *zap.Logger, client *redis.Client, ttl time.Duration) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{logger: logger.Named("lookup.cache"), client: client, ttl: ttl}
}

// Get treats any redis failure as a miss
func (r *RedisCache) Get(ctx context.Context, query string) ([]models.LookupResult, bool) {
	data, err := r.client.Get(ctx, redisKeyPrefix+normalizeQuery(query)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("Lookup cache read failed", zap.Error(err))
		return nil, false
	}

	var results []models.LookupResult
	if err := json.Unmarshal(data, &results); err != nil {
		r.logger.Warn("Discarding corrupt lookup cache entry", zap.String("query", query), zap.Error(err))
		return nil, false
	}
	return results, true
}

func (r *RedisCache) Set(ctx context.Context, query string, results []models.LookupResult) {
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+normalizeQuery(query), data, r.ttl).Err(); err != nil {
		r.logger.Warn("Lookup cache write failed", zap.Error(err))
	}
}

// Tiered reads the first cache that hits and writes through to all of them
type Tiered []Cache

func (t Tiered) Get(ctx context.Context, query string) ([]models.LookupResult, bool) {
	for i, c := range t {
		if results, ok := c.Get(ctx, query); ok {
			for _, upper := range t[:i] {
				upper.Set(ctx, query, results)
			}
			return results, true
		}
	}
	return nil, false
}

func (t Tiered) Set(ctx context.Context, query string, results []models.LookupResult) {
	for _, c := range t {
		c.Set(ctx, query, results)
	}
}
