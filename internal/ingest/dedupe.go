// ABOUTME: TTL cache for deduplicating inbound messages by (chat, message) id
// ABOUTME: Size-bounded with O(1) oldest-entry eviction

package ingest

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// dedupeCache tracks message keys the handler has already accepted.
// Transports redeliver on reconnect; the cache absorbs those replays.
type dedupeCache struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // keys oldest-first
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newDedupeCache(ttl time.Duration, maxSize int) *dedupeCache {
	return &dedupeCache{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// checkAndMark reports whether key was already seen within the TTL, and
// marks it either way. Atomic, so concurrent deliveries of the same
// message admit exactly one.
func (c *dedupeCache) checkAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok {
		duplicate := now.Sub(entry.at) < c.ttl
		entry.at = now
		c.order.MoveToBack(entry.element)
		return duplicate
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}

	c.seen[key] = &seenEntry{at: now, element: c.order.PushBack(key)}
	return false
}
