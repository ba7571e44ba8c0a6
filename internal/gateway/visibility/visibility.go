// Package visibility implements the bounded-TTL, in-process cache private
// mode checks a repository's public/private status against, so the
// gateway does not re-query the code host per request.
package visibility

import (
	"sync"
	"time"
)

// Visibility is a repository's public/private status as last observed.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

type entry struct {
	vis       Visibility
	expiresAt time.Time
}

// Cache is a bounded-TTL cache of repository visibility, with a shorter TTL
// for negative (lookup-failed) results so a transient API hiccup doesn't
// wrongly block for the positive TTL's duration.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	negTTL  time.Duration
}

// New builds a visibility cache with the given positive and negative TTLs.
func New(ttl, negTTL time.Duration) *Cache {
	return &Cache{entries: map[string]entry{}, ttl: ttl, negTTL: negTTL}
}

// Lookup fetches a cached entry. If absent or expired, fetch is called
// and the result cached: a successful fetch under ttl, a failed one
// (ok=false) under negTTL.
func (c *Cache) Lookup(repoFull string, fetch func() (Visibility, bool)) Visibility {
	c.mu.Lock()
	if e, ok := c.entries[repoFull]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.vis
	}
	c.mu.Unlock()

	vis, ok := fetch()
	ttl := c.ttl
	if !ok {
		ttl = c.negTTL
		vis = Private // fail closed: unresolved visibility is treated as private
	}

	c.mu.Lock()
	c.entries[repoFull] = entry{vis: vis, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return vis
}

// Invalidate drops a cached entry, e.g. after a policy reload.
func (c *Cache) Invalidate(repoFull string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, repoFull)
}
