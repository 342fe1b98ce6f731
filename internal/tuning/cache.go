package tuning

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

const cacheKey = "constants"

// CachedSource caches snapshots from an upstream Source with a time-based
// expiry and an explicit invalidation hook. A failed refresh is a hard
// error: stale snapshots are never served.
type CachedSource struct {
	upstream Source
	cache    *gocache.Cache
}

// NewCachedSource wraps upstream with a TTL cache.
func NewCachedSource(upstream Source, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedSource{
		upstream: upstream,
		cache:    gocache.New(ttl, 2*ttl),
	}
}

// Constants returns the cached snapshot, refreshing lazily after expiry.
func (s *CachedSource) Constants(ctx context.Context) (*Constants, error) {
	if cached, ok := s.cache.Get(cacheKey); ok {
		return cached.(*Constants), nil
	}
	snapshot, err := s.upstream.Constants(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "refreshing tunable constants")
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	s.cache.Set(cacheKey, snapshot, gocache.DefaultExpiration)
	return snapshot, nil
}

// Invalidate drops the cached snapshot so the next read refreshes.
func (s *CachedSource) Invalidate() {
	s.cache.Delete(cacheKey)
}
