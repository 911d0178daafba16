package budget

import (
	"sync"
	"time"

	"github.com/example/taskpilot/internal/models"
)

type cacheEntry struct {
	status  models.TokenStatus
	expires time.Time
}

// statusCache is a short-lived read-through cache for Status.
type statusCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newStatusCache(ttl time.Duration) *statusCache {
	return &statusCache{ttl: ttl, entries: map[string]cacheEntry{}}
}

func (c *statusCache) get(id string, now time.Time) (models.TokenStatus, bool) {
	if c.ttl <= 0 {
		return models.TokenStatus{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return models.TokenStatus{}, false
	}
	// an expired window must go back to the store to be reset
	if !now.Before(e.expires) || now.After(e.status.ResetAt) {
		delete(c.entries, id)
		return models.TokenStatus{}, false
	}
	return e.status, true
}

func (c *statusCache) put(id string, st models.TokenStatus, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[id] = cacheEntry{status: st, expires: now.Add(c.ttl)}
	c.mu.Unlock()
}

func (c *statusCache) drop(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
