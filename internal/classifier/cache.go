package classifier

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores classifications keyed by (transcript hash, inference model).
// It is an injected collaborator so tests can substitute a deterministic
// fake; there is no ambient process-wide cache.
type Cache interface {
	Get(key string) (*Classification, bool)
	Add(key string, c *Classification)
}

// LRUCache is the production Cache: a bounded LRU with per-entry TTL.
type LRUCache struct {
	lru *expirable.LRU[string, *Classification]
}

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{lru: expirable.NewLRU[string, *Classification](size, nil, ttl)}
}

func (c *LRUCache) Get(key string) (*Classification, bool) {
	return c.lru.Get(key)
}

func (c *LRUCache) Add(key string, v *Classification) {
	c.lru.Add(key, v)
}
