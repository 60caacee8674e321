// Package cache provides the bounded resource cache consulted by reads:
// (kind, id) maps to the latest resource JSON. Writes replace the entry,
// deletes invalidate it, and search/history never touch it.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/fhir"
)

// ResourceCache is the read path cache contract.
type ResourceCache interface {
	// Get returns the cached latest resource, or (nil, nil) on a miss.
	Get(ctx context.Context, kind, id string) (fhir.Resource, error)

	// Put replaces the cached entry with the just-written resource.
	Put(ctx context.Context, resource fhir.Resource) error

	// Invalidate drops the entry for (kind, id).
	Invalidate(ctx context.Context, kind, id string) error

	// Close releases the underlying connection.
	Close() error
}

// RedisCache caches resources in Redis with a TTL; capacity bounding is
// Redis-side (maxmemory policy), invalidation is an explicit DEL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func key(kind, id string) string {
	return kind + "/" + id
}

// Get implements ResourceCache.
func (c *RedisCache) Get(ctx context.Context, kind, id string) (fhir.Resource, error) {
	data, err := c.client.Get(ctx, key(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	resource, err := fhir.ParseResource(data)
	if err != nil {
		// A corrupt entry is treated as a miss and dropped.
		common.Logger.WithError(err).WithField("key", key(kind, id)).Warn("dropping corrupt cache entry")
		_ = c.client.Del(ctx, key(kind, id)).Err()
		return nil, nil
	}
	return resource, nil
}

// Put implements ResourceCache.
func (c *RedisCache) Put(ctx context.Context, resource fhir.Resource) error {
	data, err := resource.JSON()
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(resource.Kind(), resource.ID()), data, c.ttl).Err()
}

// Invalidate implements ResourceCache.
func (c *RedisCache) Invalidate(ctx context.Context, kind, id string) error {
	return c.client.Del(ctx, key(kind, id)).Err()
}

// Close implements ResourceCache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Noop is the cache used when Redis is disabled; every lookup misses.
type Noop struct{}

// Get implements ResourceCache.
func (Noop) Get(context.Context, string, string) (fhir.Resource, error) { return nil, nil }

// Put implements ResourceCache.
func (Noop) Put(context.Context, fhir.Resource) error { return nil }

// Invalidate implements ResourceCache.
func (Noop) Invalidate(context.Context, string, string) error { return nil }

// Close implements ResourceCache.
func (Noop) Close() error { return nil }
