// Package tiered layers the process-local run cache over a shared remote one.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/runstream/internal/port/cache"
)

// Cache reads L1 then L2 and writes both. The remote level is best effort:
// read and write failures there are logged and treated as a miss or a
// local-only write. Deletes still report L2 failures, since a stale remote
// entry would be served to every other replica.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

// New combines l1 with an optional l2. Runs found only in L2 are copied
// into L1 for l1Expire.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if val, found, err := c.l1.Get(ctx, key); err != nil || found {
		return val, found, err
	}
	if c.l2 == nil {
		return nil, false, nil
	}

	val, found, err := c.l2.Get(ctx, key)
	switch {
	case err != nil:
		slog.WarnContext(ctx, "remote run cache read failed", "key", key, "error", err)
		return nil, false, nil
	case !found:
		return nil, false, nil
	}
	if err := c.l1.Set(ctx, key, val, c.l1Expire); err != nil {
		slog.DebugContext(ctx, "run cache backfill skipped", "key", key, "error", err)
	}
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, value, ttl); err != nil {
			slog.WarnContext(ctx, "remote run cache write failed", "key", key, "error", err)
		}
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Delete(ctx, key)
}
