// ABOUTME: Bounded TTL cache recognising checkpoint events already handled for a mission
// ABOUTME: Engines may replay the last checkpoint when a mission stream is reopened

package dedupe

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Defaults sized for one entry per open checkpoint across all live missions.
const (
	DefaultTTL     = 24 * time.Hour
	DefaultMaxSize = 10000
)

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers keys for ttl, evicting the least recently marked key once
// maxSize is reached.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is oldest
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. Non-positive arguments fall back to the defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckpointKey identifies a checkpoint event within a mission. Events without
// an engine ID are keyed by a hash of their payload.
func CheckpointKey(missionID, checkpointID string, data []byte) string {
	if checkpointID != "" {
		return missionID + "|" + checkpointID
	}
	sum := sha256.Sum256(data)
	return missionID + "|sha256:" + hex.EncodeToString(sum[:12])
}

// CheckAndMark reports whether key was already marked and live. A new or
// expired key is marked as a side effect.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		live := now.Sub(e.seen) < c.ttl
		e.seen = now
		c.order.MoveToBack(el)
		return live
	}

	for len(c.entries) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Forget drops every key with the given prefix, used when a mission ends.
func (c *Cache) Forget(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*entry); len(e.key) >= len(prefix) && e.key[:len(prefix)] == prefix {
			c.removeLocked(el)
		}
		el = next
	}
}

// Len returns the number of tracked keys, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes expired keys and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for el := c.order.Front(); el != nil; {
		if now.Sub(el.Value.(*entry).seen) < c.ttl {
			// Entries are ordered by last mark, so the rest are live.
			break
		}
		next := el.Next()
		c.removeLocked(el)
		dropped++
		el = next
	}
	return dropped
}

// Run sweeps expired keys every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}
