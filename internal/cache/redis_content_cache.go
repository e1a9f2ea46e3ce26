// Package cache holds Redis-backed caches for immutable data.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

const contentKeyPrefix = "fanout:content:"

// RedisContentCache stores contents as JSON strings keyed by tenant and id.
type RedisContentCache struct {
	rdb redis.UniversalClient
}

func NewRedisContentCache(rdb redis.UniversalClient) *RedisContentCache {
	return &RedisContentCache{rdb: rdb}
}

func contentKey(tenantID, id string) string {
	return contentKeyPrefix + tenantID + ":" + id
}

// Get returns domain.ErrNotFound on a cache miss.
func (c *RedisContentCache) Get(ctx context.Context, tenantID, id string) (*domain.Content, error) {
	raw, err := c.rdb.Get(ctx, contentKey(tenantID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get content: %w", err)
	}

	var content domain.Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("decode cached content: %w", err)
	}
	if content.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return &content, nil
}

func (c *RedisContentCache) Set(ctx context.Context, content *domain.Content, ttl time.Duration) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	if err := c.rdb.Set(ctx, contentKey(content.TenantID, content.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set content: %w", err)
	}
	return nil
}
