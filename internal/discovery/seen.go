package discovery

import "sync"

// ItemKey scopes a request or proposal id to the peer that published it.
// Ids are only unique per peer.
func ItemKey(peer, id string) string {
	return peer + "/" + id
}

// SeenCache remembers the items handled during this process lifetime, keyed
// by ItemKey. It is passed to the pipeline so tests can start from any state.
type SeenCache struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func NewSeenCache(keys ...string) *SeenCache {
	c := &SeenCache{keys: make(map[string]struct{}, len(keys))}
	for _, key := range keys {
		c.keys[key] = struct{}{}
	}
	return c
}

func (c *SeenCache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.keys[key]
	return ok
}

// Add records key and reports whether it was new.
func (c *SeenCache) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[key]; ok {
		return false
	}
	c.keys[key] = struct{}{}
	return true
}

// Remove forgets keys so the items can be admitted again.
func (c *SeenCache) Remove(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.keys, key)
	}
}

func (c *SeenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
