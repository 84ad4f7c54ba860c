package reminder

import (
	"container/list"
	"sync"
	"time"
)

// EnabledCache memoizes per-chat enabled flags for a fixed TTL. It holds at
// most size entries, evicting the least recently written one.
type EnabledCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	size  int
	order *list.List
	items map[int64]*list.Element
}

type cacheEntry struct {
	chatID  int64
	enabled bool
	expires time.Time
}

func NewEnabledCache(ttl time.Duration, size int) *EnabledCache {
	if size <= 0 {
		size = 1024
	}
	return &EnabledCache{ttl: ttl, size: size, order: list.New(), items: map[int64]*list.Element{}}
}

// Get returns the cached flag and whether it was present and fresh at now.
func (c *EnabledCache) Get(chatID int64, now time.Time) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[chatID]
	if !ok {
		return false, false
	}
	e := el.Value.(*cacheEntry)
	if !now.Before(e.expires) {
		c.order.Remove(el)
		delete(c.items, chatID)
		return false, false
	}
	return e.enabled, true
}

func (c *EnabledCache) Put(chatID int64, enabled bool, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[chatID]; ok {
		e := el.Value.(*cacheEntry)
		e.enabled = enabled
		e.expires = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).chatID)
	}
	c.items[chatID] = c.order.PushFront(&cacheEntry{chatID: chatID, enabled: enabled, expires: now.Add(c.ttl)})
}

func (c *EnabledCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
