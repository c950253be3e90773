// Package resolver implements the name resolver (§4.A): asynchronous DNS
// A/AAAA lookup with a short-TTL cache and in-flight de-duplication, and a
// family-preference lookup for callers that need specifically an IPv4 or
// IPv6 address.
//
// In-flight de-duplication uses golang.org/x/sync/singleflight, a direct
// dependency of the teacher's go.mod (used there to coordinate concurrent
// ACME/config-reload goroutines); here it collapses a burst of concurrent
// connections to the same freshly-unresolved host into one system lookup.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"interceptproxy/internal/log"
)

// Family selects which address family a caller prefers.
type Family int

const (
	Any Family = iota
	IPv4
	IPv6
)

// ErrNoAddressOfFamily is returned by First when host resolves to at least
// one address, but none of the requested family (§4.A).
var ErrNoAddressOfFamily = errors.New("resolver: no address of requested family")

// cacheTTL bounds how long a resolved address list is served from cache
// before a fresh system lookup is performed again.
const cacheTTL = 30 * time.Second

type cacheEntry struct {
	addrs     []net.IP
	expiresAt time.Time
}

// Resolver performs asynchronous, cached hostname resolution. The zero value
// is not usable; construct with New.
type Resolver struct {
	res   *net.Resolver
	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry

	logger *zap.Logger
}

// New creates a Resolver using the system's default DNS resolver.
func New() *Resolver {
	return &Resolver{
		res:    net.DefaultResolver,
		cache:  make(map[string]cacheEntry),
		logger: log.Named("resolver"),
	}
}

// Lookup resolves host to its sequence of IPs, asynchronously with respect
// to the caller's goroutine only in the sense that it may suspend on I/O;
// concurrent callers for the same host share one underlying system lookup.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	r.mu.Lock()
	if entry, ok := r.cache[host]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.addrs, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(host, func() (any, error) {
		addrs, lookupErr := r.res.LookupIPAddr(ctx, host)
		if lookupErr != nil {
			return nil, lookupErr
		}
		ips := make([]net.IP, len(addrs))
		for i, a := range addrs {
			ips[i] = a.IP
		}
		r.mu.Lock()
		r.cache[host] = cacheEntry{addrs: ips, expiresAt: time.Now().Add(cacheTTL)}
		r.mu.Unlock()
		return ips, nil
	})
	if err != nil {
		r.logger.Debug("dns lookup failed", zap.String("host", host), zap.Error(err))
		return nil, fmt.Errorf("resolver: lookup %s: %w", host, err)
	}
	return v.([]net.IP), nil
}

// First resolves host and returns the first address matching family, or
// ErrNoAddressOfFamily if host resolved but none match.
func (r *Resolver) First(ctx context.Context, host string, family Family) (net.IP, error) {
	addrs, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, ip := range addrs {
		if matchesFamily(ip, family) {
			return ip, nil
		}
	}
	return nil, ErrNoAddressOfFamily
}

func matchesFamily(ip net.IP, family Family) bool {
	switch family {
	case IPv4:
		return ip.To4() != nil
	case IPv6:
		return ip.To4() == nil && ip.To16() != nil
	default:
		return true
	}
}
