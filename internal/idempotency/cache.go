// Package idempotency caches responses per (client, key) so retried
// requests replay the original outcome instead of re-executing.
package idempotency

import (
	"sync"
	"time"
)

// Config bounds the cache. MaxTotal and MaxPerClient are enforced by
// oldest-first eviction immediately after every Store.
type Config struct {
	TTL          time.Duration
	MaxTotal     int
	MaxPerClient int
}

type entry struct {
	seq       uint64
	clientID  string
	key       string
	status    int
	payload   []byte
	createdAt time.Time
	expiresAt time.Time
}

type cacheKey struct {
	clientID string
	key      string
}

// Cache is a linearizable (client, key) → response store with TTL and
// bounded capacity.
type Cache struct {
	mu      sync.Mutex
	config  Config
	entries map[cacheKey]*entry
	seq     uint64
	now     func() time.Time
}

func New(config Config) *Cache {
	return &Cache{
		config:  config,
		entries: make(map[cacheKey]*entry),
		now:     time.Now,
	}
}

// TryGet returns the cached response for (clientID, key) if present and not
// expired. Expired entries are purged on access.
func (c *Cache) TryGet(clientID, key string) (status int, payload []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ck := cacheKey{clientID, key}
	e, exists := c.entries[ck]
	if !exists {
		return 0, nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, ck)
		return 0, nil, false
	}
	return e.status, e.payload, true
}

// Store caches a response and then enforces the capacity caps, evicting
// oldest entries first. Ties on creation time break by insertion sequence,
// so eviction order is deterministic.
func (c *Cache) Store(clientID, key string, status int, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.seq++
	c.entries[cacheKey{clientID, key}] = &entry{
		seq:       c.seq,
		clientID:  clientID,
		key:       key,
		status:    status,
		payload:   payload,
		createdAt: now,
		expiresAt: now.Add(c.config.TTL),
	}

	if c.config.MaxTotal > 0 {
		for len(c.entries) > c.config.MaxTotal {
			c.evictOldest("")
		}
	}
	if c.config.MaxPerClient > 0 {
		for c.countForClient(clientID) > c.config.MaxPerClient {
			c.evictOldest(clientID)
		}
	}
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) countForClient(clientID string) int {
	n := 0
	for _, e := range c.entries {
		if e.clientID == clientID {
			n++
		}
	}
	return n
}

// evictOldest removes the oldest entry, optionally scoped to one client.
func (c *Cache) evictOldest(clientID string) {
	var oldest *entry
	for _, e := range c.entries {
		if clientID != "" && e.clientID != clientID {
			continue
		}
		if oldest == nil || e.createdAt.Before(oldest.createdAt) ||
			(e.createdAt.Equal(oldest.createdAt) && e.seq < oldest.seq) {
			oldest = e
		}
	}
	if oldest != nil {
		delete(c.entries, cacheKey{oldest.clientID, oldest.key})
	}
}
