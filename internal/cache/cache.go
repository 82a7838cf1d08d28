// Package cache memoizes non-streaming agent responses. Concurrent misses
// on the same key collapse into a single computation; only successful
// results are stored. Streaming runs never touch the cache.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a stored response stays valid.
const DefaultTTL = 600 * time.Second

// Key derives the cache key from the request identity. Args are serialized
// in sorted key order so logically equal requests hash identically.
func Key(agentName, prompt string, args map[string]any) string {
	var sb strings.Builder
	sb.WriteString("agent:")
	sb.WriteString(agentName)
	sb.WriteString("|prompt:")
	sb.WriteString(prompt)
	sb.WriteString("|args:")

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%v", k, args[k])
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	value     string
	expiresAt time.Time
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// Cache is an in-memory TTL response cache with singleflight semantics.
type Cache struct {
	ttl time.Duration
	sf  singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
	hits    uint64
	misses  uint64
}

// New creates a cache; ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, entries: make(map[string]entry)}
}

// GetOrCompute returns the cached value for key, or runs compute exactly
// once across all concurrent callers of that key. A compute error is
// delivered to every waiter and nothing is stored.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (string, error)) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if time.Now().Before(e.expiresAt) {
			c.hits++
			c.mu.Unlock()
			return e.value, nil
		}
		delete(c.entries, key)
	}
	c.misses++
	c.mu.Unlock()

	v, err, _ := c.sf.Do(key, func() (any, error) {
		value, err := compute(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.entries[key] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every entry and resets counters.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.hits, c.misses = 0, 0
	c.mu.Unlock()
}

// Stats reports hit/miss counters and the live entry count. Expired entries
// still resident are excluded from the count.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	live := 0
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			live++
		}
	}
	return Stats{Hits: c.hits, Misses: c.misses, Entries: live}
}
