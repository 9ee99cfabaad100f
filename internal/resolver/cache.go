package resolver

import (
	"context"
	"net"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cached remembers successful lookups of another Resolver for a fixed TTL.
// Failures are never cached.
type Cached struct {
	next  Resolver
	cache *cache.Cache
}

// NewCached wraps next with a TTL cache. A ttl <= 0 disables caching and
// returns next unchanged.
func NewCached(next Resolver, ttl time.Duration) Resolver {
	if ttl <= 0 {
		return next
	}
	return &Cached{next: next, cache: cache.New(ttl, 2*ttl)}
}

// Resolve returns a cached endpoint list or consults the wrapped resolver.
func (c *Cached) Resolve(ctx context.Context, host, port string) ([]Endpoint, error) {
	key := net.JoinHostPort(host, port)
	if v, ok := c.cache.Get(key); ok {
		return slices.Clone(v.([]Endpoint)), nil
	}

	eps, err := c.next.Resolve(ctx, host, port)
	if err != nil {
		return nil, err
	}

	c.cache.Set(key, slices.Clone(eps), cache.DefaultExpiration)
	return eps, nil
}

// Len returns the number of cached entries, including expired ones not yet
// evicted.
func (c *Cached) Len() int {
	return c.cache.ItemCount()
}
