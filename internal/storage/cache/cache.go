// Package cache keeps recently read model versions in memory.
package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/objones25/factorstore/internal/storage"
	"github.com/objones25/factorstore/internal/storage/monitor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSize is the number of versions kept when no size is configured.
const DefaultSize = 8

// ModelCache is a ModelReader that serves repeated reads from an LRU. A
// version is immutable once written, so entries never go stale. Failed
// reads, including unknown versions, are not cached.
type ModelCache struct {
	next   storage.ModelReader
	lru    *lru.Cache[string, *storage.StoredModel]
	logger zerolog.Logger
}

var _ storage.ModelReader = (*ModelCache)(nil)

// New wraps next with a cache holding up to size versions.
func New(next storage.ModelReader, size int) (*ModelCache, error) {
	if next == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}
	if size <= 0 {
		size = DefaultSize
	}

	logger := log.With().Str("component", "model_cache").Logger()
	c, err := lru.NewWithEvict(size, func(version string, _ *storage.StoredModel) {
		monitor.CacheEvictions.Inc()
		logger.Debug().Str("version", version).Msg("Evicted model")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return &ModelCache{next: next, lru: c, logger: logger}, nil
}

// Read returns the cached version or reads it through. The result is
// shared between callers and must not be modified.
func (c *ModelCache) Read(ctx context.Context, version string) (*storage.StoredModel, error) {
	if stored, ok := c.lru.Get(version); ok {
		monitor.CacheOperations.WithLabelValues("hit").Inc()
		return stored, nil
	}
	monitor.CacheOperations.WithLabelValues("miss").Inc()

	stored, err := c.next.Read(ctx, version)
	if err != nil {
		return nil, err
	}
	c.lru.Add(version, stored)
	return stored, nil
}

// Contains reports whether version is cached without touching recency.
func (c *ModelCache) Contains(version string) bool {
	return c.lru.Contains(version)
}

// Len returns the number of cached versions.
func (c *ModelCache) Len() int {
	return c.lru.Len()
}

// Purge drops every cached version.
func (c *ModelCache) Purge() {
	c.lru.Purge()
}
