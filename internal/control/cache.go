package control

import "sync"

// directiveCache holds the most recently observed Directive for each
// namespace/service_name pair, for the admin /rules endpoint
// (SPEC_FULL.md §12.1). It is strictly observational: nothing in this
// package consults it to make a Registry decision.
type directiveCache struct {
	mu    sync.RWMutex
	byKey map[string]Directive
}

func newDirectiveCache() *directiveCache {
	return &directiveCache{byKey: make(map[string]Directive)}
}

func (c *directiveCache) put(d Directive) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[cacheKey(d.Namespace, d.ServiceName)] = d
}

// Snapshot returns every cached directive, most-recent value per key.
func (c *directiveCache) Snapshot() []Directive {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Directive, 0, len(c.byKey))
	for _, d := range c.byKey {
		out = append(out, d)
	}
	return out
}

func cacheKey(ns, service string) string {
	return ns + "/" + service
}
