// Package cache defines the port interface for caching serialized run state.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. A miss is reported as
// ok == false with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
