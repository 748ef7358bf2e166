// Package cache provides caching for rendered slices and query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	SliceCacheSizeMB int
	SliceTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages slice and query caches.
type Manager struct {
	sliceCache *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	sliceCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.SliceTTL,
		CleanWindow:        cfg.SliceTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // 512KB per rendered slice
		HardMaxCacheSize:   cfg.SliceCacheSizeMB,
		Verbose:            false,
	}

	sliceCache, err := bigcache.New(context.Background(), sliceCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create slice cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		sliceCache: sliceCache,
		queryCache: queryCache,
	}, nil
}

// GetSlice retrieves a rendered slice from cache.
func (m *Manager) GetSlice(key string) ([]byte, bool) {
	data, err := m.sliceCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetSlice stores a rendered slice in cache.
func (m *Manager) SetSlice(key string, data []byte) error {
	return m.sliceCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// SliceKey generates a cache key for one rendered panel. Keying on the
// state sequence number makes each navigation update its own entry, so
// a stale render is never served for a newer state.
func SliceKey(dataset string, panel int, seq uint64, timePoint int, transform string) string {
	base := fmt.Sprintf("slice:%s:%d/%d/%d", dataset, panel, seq, timePoint)
	if transform == "" {
		return base
	}
	h := sha256.Sum256([]byte(transform))
	return base + ":" + hex.EncodeToString(h[:])[:16]
}

// TimeCourseKey generates a cache key for a voxel signal query.
func TimeCourseKey(dataset string, x, y, z int, preprocessed bool) string {
	return fmt.Sprintf("tc:%s:%d/%d/%d:pre=%t", dataset, x, y, z, preprocessed)
}

// VertexCourseKey generates a cache key for a surface vertex signal query.
func VertexCourseKey(dataset, hemisphere string, vertex int, preprocessed bool) string {
	return fmt.Sprintf("vc:%s:%s/%d:pre=%t", dataset, hemisphere, vertex, preprocessed)
}

// SurfaceValuesKey generates a cache key for one hemisphere's vertex
// array at a time point.
func SurfaceValuesKey(dataset, hemisphere string, timePoint int) string {
	return fmt.Sprintf("sv:%s:%s/%d", dataset, hemisphere, timePoint)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"slice_cache_len": m.sliceCache.Len(),
		"slice_cache_cap": m.sliceCache.Capacity(),
		"query_cache_len": m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.sliceCache.Close()
}
