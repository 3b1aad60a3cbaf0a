package onboard

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultProgramCacheSize = 128

// ProgramCache stores compiled rule programs keyed by engine and expression.
type ProgramCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

type lruProgramCache struct {
	cache *lru.Cache[string, any]
}

// NewLRUProgramCache returns a bounded, concurrency-safe ProgramCache. A
// non-positive size falls back to the default.
func NewLRUProgramCache(size int) ProgramCache {
	if size <= 0 {
		size = defaultProgramCacheSize
	}
	cache, _ := lru.New[string, any](size)
	return &lruProgramCache{cache: cache}
}

func (c *lruProgramCache) Get(key string) (any, bool) {
	return c.cache.Get(key)
}

func (c *lruProgramCache) Set(key string, value any) {
	c.cache.Add(key, value)
}
