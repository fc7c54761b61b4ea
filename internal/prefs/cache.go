package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cached is a read-through Redis cache in front of a Service. Both
// engines hit preferences on every tick; the cache keeps that off the
// primary store. Writes invalidate, reads populate.
type Cached struct {
	next Service
	rdb  *redis.Client
	ttl  time.Duration
}

func NewCached(next Service, rdb *redis.Client, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl}
}

func cacheKey(accountID string) string { return "prefs:" + accountID }

func (c *Cached) Get(ctx context.Context, accountID string) (Prefs, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(accountID)).Bytes()
	if err == nil {
		var p Prefs
		if err := json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
		// poisoned entry: fall through to source and overwrite
	} else if !errors.Is(err, redis.Nil) {
		// cache unreachable: serve from source, don't fail the tick
		return c.next.Get(ctx, accountID)
	}

	p, err := c.next.Get(ctx, accountID)
	if err != nil {
		return p, err
	}
	if raw, err := json.Marshal(p); err == nil {
		_ = c.rdb.Set(ctx, cacheKey(accountID), raw, c.ttl).Err()
	}
	return p, nil
}

func (c *Cached) Set(ctx context.Context, p Prefs) error {
	if err := c.next.Set(ctx, p); err != nil {
		return err
	}
	_ = c.rdb.Del(ctx, cacheKey(p.AccountID)).Err()
	return nil
}
