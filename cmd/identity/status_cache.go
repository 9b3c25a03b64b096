package identity

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// StatusCache is a read-through TTL cache in front of Store.GetStatus.
// The realtime gateway consults user status on every handshake, and a
// short TTL keeps that off the hot path while still noticing bans,
// deletions, and token-version bumps within CacheTTL.
//
// Writes that must take effect immediately (password change, logout-all)
// go through Invalidate.
type StatusCache struct {
	store Store
	lru   *expirable.LRU[string, Status]
}

const (
	statusCacheSize = 10_000
	statusCacheTTL  = 30 * time.Second
)

func NewStatusCache(store Store) *StatusCache {
	return &StatusCache{
		store: store,
		lru:   expirable.NewLRU[string, Status](statusCacheSize, nil, statusCacheTTL),
	}
}

func (c *StatusCache) GetStatus(ctx context.Context, userID string) (Status, error) {
	if st, ok := c.lru.Get(userID); ok {
		return st, nil
	}
	st, err := c.store.GetStatus(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	c.lru.Add(userID, st)
	return st, nil
}

// Invalidate drops the cached status so the next read sees the store.
func (c *StatusCache) Invalidate(userID string) {
	c.lru.Remove(userID)
}
