// Package ristretto is the in-process history cache, backed by
// dgraph-io/ristretto.
package ristretto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/runstream/internal/config"
)

// ErrRejected is returned by Set when the cache refuses to admit a value,
// either because it exceeds the whole budget or because the write buffer
// was full.
var ErrRejected = errors.New("ristretto: value rejected")

// Cache holds serialized runs in process memory, costed by byte size.
type Cache struct {
	c       *ristretto.Cache[string, []byte]
	maxCost int64
}

// New creates a cache holding at most maxCostBytes of values.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes <= 0 {
		return nil, errors.New("ristretto: max cost must be > 0")
	}
	// A serialized run is rarely below 100 bytes; keep ten counters per
	// expected entry.
	counters := max(maxCostBytes/100*10, 1000)
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        counters,
		MaxCost:            maxCostBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
		Metrics:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c, maxCost: maxCostBytes}, nil
}

// NewFromConfig sizes the cache from cfg.L1MaxSizeMB.
func NewFromConfig(cfg config.Cache) (*Cache, error) {
	return New(cfg.L1MaxSizeMB << 20)
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	return val, found, nil
}

// Set admits value for ttl and waits for the write buffer to flush, so a
// following Get observes it.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cost := int64(len(value))
	if cost > c.maxCost {
		return fmt.Errorf("%w: %s is %d bytes, budget %d", ErrRejected, key, cost, c.maxCost)
	}
	if !c.c.SetWithTTL(key, value, cost, ttl) {
		return fmt.Errorf("%w: %s", ErrRejected, key)
	}
	c.c.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// HitRatio reports hits / (hits + misses) since the cache was created.
func (c *Cache) HitRatio() float64 {
	return c.c.Metrics.Ratio()
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
