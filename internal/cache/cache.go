// Package cache provides the read cache in front of contract lookups.
//
// The cache is best-effort: backend failures are logged and reported as
// misses so reads always fall through to the store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pendergraft/sorobanregistry/internal/config"
)

// Cache stores serialized values under string keys
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Delete(ctx context.Context, keys ...string)
	Close() error
}

// New creates a cache from configuration. A disabled cache is a no-op.
func New(cfg config.CacheConfig, logger *slog.Logger) (Cache, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch cfg.Type {
	case "memory":
		return NewMemory(cfg.MaxEntries, ttl), nil
	case "redis":
		return NewRedis(cfg.RedisURL, ttl, logger)
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}

// GetJSON decodes a cached value into v
func GetJSON(ctx context.Context, c Cache, key string, v any) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// SetJSON encodes v and caches it
func SetJSON(ctx context.Context, c Cache, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Set(ctx, key, data)
}

// Noop is a cache that never stores anything
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Noop) Set(context.Context, string, []byte)        {}
func (Noop) Delete(context.Context, ...string)          {}
func (Noop) Close() error                               { return nil }
