package rbac

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// decisionCache holds recent permission decisions in process. Every entry
// schedules its own removal at TTL instead of being checked lazily, so
// the map never accumulates dead entries. Mutating role assignments
// invalidate all entries for the affected (user, team) pair immediately.
type decisionCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	decision   Decision
	resource   string
	resourceID string
	timer      *time.Timer
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &decisionCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// cacheKey is deterministic over every field of the check, so two checks
// differing in any input never collide.
func cacheKey(req CheckRequest) string {
	parts := []string{req.UserID, req.TeamID, req.Resource, req.Action, req.ResourceID}
	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+req.Context[k])
		}
	}
	return strings.Join(parts, "\x1f")
}

func scopePrefix(userID, teamID string) string {
	return userID + "\x1f" + teamID + "\x1f"
}

func (c *decisionCache) get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry.decision, ok
}

func (c *decisionCache) put(key string, req CheckRequest, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		old.timer.Stop()
	}
	timer := time.AfterFunc(c.ttl, func() { c.remove(key) })
	c.entries[key] = cacheEntry{
		decision:   d,
		resource:   req.Resource,
		resourceID: req.ResourceID,
		timer:      timer,
	}
}

func (c *decisionCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		entry.timer.Stop()
		delete(c.entries, key)
	}
}

// invalidate drops every cached decision for the (user, team) pair.
func (c *decisionCache) invalidate(userID, teamID string) {
	prefix := scopePrefix(userID, teamID)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if strings.HasPrefix(key, prefix) {
			entry.timer.Stop()
			delete(c.entries, key)
		}
	}
}

// invalidateResource drops every cached decision made about one
// resource, across all users and teams. Ownership transfers call this
// so an owner-gated grant cannot outlive the transfer.
func (c *decisionCache) invalidateResource(resource, resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.resource == resource && entry.resourceID == resourceID {
			entry.timer.Stop()
			delete(c.entries, key)
		}
	}
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
