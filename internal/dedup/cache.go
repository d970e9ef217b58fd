// Package dedup tracks recently seen message ids so the router delivers and
// forwards each envelope at most once.
package dedup

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"meshcore/internal/wire"
)

const (
	DefaultCap = 10_000
	DefaultTTL = 5 * time.Minute
)

// Cache is a bounded msg_id set: LRU eviction at capacity, per-entry TTL.
type Cache struct {
	lru *expirable.LRU[wire.MessageID, struct{}]
}

func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{lru: expirable.NewLRU[wire.MessageID, struct{}](capacity, nil, ttl)}
}

// Seen records id and reports whether it was already present.
func (c *Cache) Seen(id wire.MessageID) bool {
	if _, ok := c.lru.Get(id); ok {
		return true
	}
	c.lru.Add(id, struct{}{})
	return false
}

func (c *Cache) Len() int { return c.lru.Len() }
