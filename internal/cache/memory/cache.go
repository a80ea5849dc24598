// Package memory provides the process-local TTL cache shared by the domain
// policy, the robots cache and adapter response caching.
package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a key/value store whose entries expire lazily on read.
// Reads and writes are individually atomic; callers doing read-check-write
// tolerate races between them.
type Cache struct {
	mu      sync.Mutex
	clock   crawler.Clock
	entries map[string]entry
}

// New builds a Cache that reads expiry against clock.
func New(clock crawler.Clock) *Cache {
	return &Cache{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Get returns the value for key if present and unexpired. Expired entries are
// removed as a side effect.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl deletes the key.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = entry{value: value, expiresAt: c.clock.Now().Add(ttl)}
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix removes every key starting with prefix and returns how many
// were removed.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// CountPrefix returns how many unexpired keys start with prefix.
func (c *Cache) CountPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for k, e := range c.entries {
		if strings.HasPrefix(k, prefix) && now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including expired ones not yet read.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
