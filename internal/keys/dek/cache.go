package dek

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"piivault/pkg/domain"
)

const (
	// DefaultCacheTTL bounds how long an unwrapped DEK stays in memory.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheSize bounds the number of tenants with keys in memory.
	DefaultCacheSize = 10_000
)

// Entry is what the cache holds for a tenant: the active key and, while a
// rotation is running, the pending key new writes must use.
type Entry struct {
	Active  Key
	Pending *Key
}

// WriteKey returns the key new ciphertexts are sealed under.
func (e *Entry) WriteKey() Key {
	if e.Pending != nil {
		return *e.Pending
	}
	return e.Active
}

// ForVersion returns the key for a stored key version.
func (e *Entry) ForVersion(version int) (Key, bool) {
	if e.Active.Version == version {
		return e.Active, true
	}
	if e.Pending != nil && e.Pending.Version == version {
		return *e.Pending, true
	}
	return Key{}, false
}

// Cache holds unwrapped tenant keys. Only keys may be cached, never PII.
type Cache interface {
	Get(tenantID domain.TenantID) (*Entry, bool)
	Set(tenantID domain.TenantID, entry *Entry)
	Delete(tenantID domain.TenantID)
}

// LRUCache is a size-bounded Cache with a fixed TTL per entry.
type LRUCache struct {
	lru *expirable.LRU[domain.TenantID, *Entry]
}

// NewLRUCache builds a cache. Non-positive arguments fall back to defaults.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &LRUCache{lru: expirable.NewLRU[domain.TenantID, *Entry](size, nil, ttl)}
}

func (c *LRUCache) Get(tenantID domain.TenantID) (*Entry, bool) {
	return c.lru.Get(tenantID)
}

func (c *LRUCache) Set(tenantID domain.TenantID, entry *Entry) {
	c.lru.Add(tenantID, entry)
}

func (c *LRUCache) Delete(tenantID domain.TenantID) {
	c.lru.Remove(tenantID)
}

// Len returns the number of cached tenants.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}
