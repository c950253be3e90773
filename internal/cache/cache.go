// Package cache defines the response cache collaborator interface (§4.M).
// Cache internals are explicitly out of scope for this core; NopCache is
// the default wiring and always misses.
package cache

// CachedResponse is the unit of storage a ResponseCache implementation
// would hold: enough to reconstruct a response without re-fetching it.
type CachedResponse struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// ResponseCache is consulted by the HTTP handler and the interceptor's
// origin-side leg when cache_enabled is true (§4.M, §6).
type ResponseCache interface {
	Get(key string) (CachedResponse, bool)
	Put(key string, resp CachedResponse)
}

// NopCache always misses on Get and discards every Put. It is the default
// ResponseCache until a real implementation is wired in, consistent with
// §1's explicit exclusion of cache internals from this core.
type NopCache struct{}

func (NopCache) Get(string) (CachedResponse, bool) { return CachedResponse{}, false }
func (NopCache) Put(string, CachedResponse)         {}
