package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pendergraft/sorobanregistry/internal/observability/metrics"
)

// Memory is an in-process LRU cache whose entries also expire after a TTL
type Memory struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemory creates an in-memory cache
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Memory{lru: expirable.NewLRU[string, []byte](maxEntries, nil, ttl)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := m.lru.Get(key)
	metrics.CacheLookup("memory", ok)
	return v, ok
}

func (m *Memory) Set(_ context.Context, key string, value []byte) {
	m.lru.Add(key, value)
}

func (m *Memory) Delete(_ context.Context, keys ...string) {
	for _, k := range keys {
		m.lru.Remove(k)
	}
}

func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}

// Len returns the number of stored entries
func (m *Memory) Len() int {
	return m.lru.Len()
}
