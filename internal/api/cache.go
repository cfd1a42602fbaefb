package api

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// FileCache keeps rendered output files in memory so repeated viewer loads
// skip the filesystem.
type FileCache struct {
	files *bigcache.BigCache
}

// NewFileCache creates a cache bounded to sizeMB megabytes.
func NewFileCache(sizeMB int) (*FileCache, error) {
	cfg := bigcache.Config{
		Shards:             256,
		LifeWindow:         10 * time.Minute,
		CleanWindow:        5 * time.Minute,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       4 * 1024 * 1024,
		HardMaxCacheSize:   sizeMB,
		Verbose:            false,
	}
	files, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create file cache: %w", err)
	}
	return &FileCache{files: files}, nil
}

// Get retrieves a cached file body.
func (c *FileCache) Get(key string) ([]byte, bool) {
	data, err := c.files.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores a file body.
func (c *FileCache) Set(key string, data []byte) error {
	return c.files.Set(key, data)
}

// Stats returns cache statistics.
func (c *FileCache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"file_cache_len": c.files.Len(),
		"file_cache_cap": c.files.Capacity(),
	}
}

// Close releases the cache.
func (c *FileCache) Close() error {
	return c.files.Close()
}
