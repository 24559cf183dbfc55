// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// RepositoryOwnerResolver resolves owners from a WorldRepository.
type RepositoryOwnerResolver struct {
	Worlds WorldRepository
}

// ResolveOwner implements OwnerResolver.
func (r RepositoryOwnerResolver) ResolveOwner(ctx context.Context, worldID ulid.ULID) (string, error) {
	w, err := r.Worlds.Get(ctx, worldID)
	if err != nil {
		return "", err
	}
	return w.OwnerID, nil
}

// CachedOwnerResolver memoizes world ownership for a bounded time.
// World ownership does not change in this system, so a TTL only bounds memory
// and the visibility of worlds deleted out of band.
type CachedOwnerResolver struct {
	next  OwnerResolver
	cache *ristretto.Cache[string, string]
	ttl   time.Duration
}

// NewCachedOwnerResolver wraps next with a cache holding up to maxEntries owners.
func NewCachedOwnerResolver(next OwnerResolver, maxEntries int64, ttl time.Duration) (*CachedOwnerResolver, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, oops.Code("OWNER_CACHE_INIT_FAILED").Wrap(err)
	}
	return &CachedOwnerResolver{next: next, cache: cache, ttl: ttl}, nil
}

// ResolveOwner implements OwnerResolver. Misses (including ErrNotFound) are not cached.
func (c *CachedOwnerResolver) ResolveOwner(ctx context.Context, worldID ulid.ULID) (string, error) {
	key := worldID.String()
	if owner, ok := c.cache.Get(key); ok {
		return owner, nil
	}
	owner, err := c.next.ResolveOwner(ctx, worldID)
	if err != nil {
		return "", err
	}
	c.cache.SetWithTTL(key, owner, 1, c.ttl)
	return owner, nil
}

// Wait blocks until pending cache writes are applied.
func (c *CachedOwnerResolver) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *CachedOwnerResolver) Close() {
	c.cache.Close()
}
