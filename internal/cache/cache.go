// Package cache provides response caching for upstream drug vocabulary and
// catalog lookups: an in-process expiring LRU tier and an optional Redis tier
// shared between replicas.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores values by string key
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V)
}

// Memory is an expiring LRU cache local to the process
type Memory[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewMemory creates a memory tier holding at most size entries for ttl
func NewMemory[V any](size int, ttl time.Duration) *Memory[V] {
	if size <= 0 {
		size = 1024
	}
	return &Memory[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get implements Cache
func (m *Memory[V]) Get(_ context.Context, key string) (V, bool) {
	return m.lru.Get(key)
}

// Set implements Cache
func (m *Memory[V]) Set(_ context.Context, key string, value V) {
	m.lru.Add(key, value)
}

// Len returns the number of live entries
func (m *Memory[V]) Len() int {
	return m.lru.Len()
}

// Redis stores JSON-encoded values in Redis under a key prefix. Redis errors
// are logged and reported as misses.
type Redis[V any] struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis creates a Redis tier
func NewRedis[V any](client redis.Cmdable, prefix string, ttl time.Duration, logger *zap.Logger) *Redis[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis[V]{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Get implements Cache
func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return zero, false
	}
	if err != nil {
		r.logger.Warn("redis cache get failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}

	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		r.client.Del(ctx, r.prefix+key)
		return zero, false
	}
	return v, true
}

// Set implements Cache
func (r *Redis[V]) Set(ctx context.Context, key string, value V) {
	raw, err := json.Marshal(value)
	if err != nil {
		r.logger.Warn("redis cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, r.ttl).Err(); err != nil {
		r.logger.Warn("redis cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Tiered reads tiers in order, back-filling faster tiers on a hit, and
// writes to every tier
type Tiered[V any] struct {
	tiers []Cache[V]
}

// NewTiered creates a tiered cache; nil tiers are skipped
func NewTiered[V any](tiers ...Cache[V]) *Tiered[V] {
	t := &Tiered[V]{}
	for _, tier := range tiers {
		if tier != nil {
			t.tiers = append(t.tiers, tier)
		}
	}
	return t
}

// Get implements Cache
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	for i, tier := range t.tiers {
		if v, ok := tier.Get(ctx, key); ok {
			for _, faster := range t.tiers[:i] {
				faster.Set(ctx, key, v)
			}
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Set implements Cache
func (t *Tiered[V]) Set(ctx context.Context, key string, value V) {
	for _, tier := range t.tiers {
		tier.Set(ctx, key, value)
	}
}

// Build assembles the standard memory + optional Redis cache for one upstream
func Build[V any](size int, ttl time.Duration, rdb redis.Cmdable, prefix string, logger *zap.Logger) Cache[V] {
	mem := NewMemory[V](size, ttl)
	if rdb == nil {
		return mem
	}
	return NewTiered[V](mem, NewRedis[V](rdb, prefix, ttl, logger))
}
