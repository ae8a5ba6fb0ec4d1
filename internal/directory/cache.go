package directory

import (
	"context"
	"sync"
	"time"
)

type cachedMembers struct {
	members   []string
	expiresAt time.Time
}

// CachedGroupDirectory memoizes member lists for a fixed TTL.
// Lookup errors are never cached.
type CachedGroupDirectory struct {
	next  GroupDirectory
	ttl   time.Duration
	clock func() time.Time
	cache sync.Map
}

// NewCachedGroupDirectory wraps next. A non-positive ttl disables caching.
func NewCachedGroupDirectory(next GroupDirectory, ttl time.Duration, clock func() time.Time) *CachedGroupDirectory {
	if clock == nil {
		clock = time.Now
	}
	return &CachedGroupDirectory{next: next, ttl: ttl, clock: clock}
}

// Members returns a copy of the cached member list or loads it from the wrapped directory.
func (c *CachedGroupDirectory) Members(ctx context.Context, groupID string) ([]string, error) {
	if c.ttl <= 0 {
		return c.next.Members(ctx, groupID)
	}
	now := c.clock()
	if cached, ok := c.cache.Load(groupID); ok {
		entry, ok := cached.(cachedMembers)
		if ok && now.Before(entry.expiresAt) {
			return append([]string(nil), entry.members...), nil
		}
	}

	members, err := c.next.Members(ctx, groupID)
	if err != nil {
		return nil, err
	}
	c.cache.Store(groupID, cachedMembers{
		members:   append([]string(nil), members...),
		expiresAt: now.Add(c.ttl),
	})
	return members, nil
}

// Invalidate drops the cached member list for groupID.
func (c *CachedGroupDirectory) Invalidate(groupID string) {
	c.cache.Delete(groupID)
}
