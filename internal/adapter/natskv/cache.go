// Package natskv stores serialized runs in a JetStream key-value bucket so
// replicas share one remote cache.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache is a cache.Cache over a KV bucket. Entry lifetime is the bucket's
// TTL; per-entry TTLs are ignored.
type Cache struct {
	kv jetstream.KeyValue
}

func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, Key(key))
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := c.kv.Put(ctx, Key(key), value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Delete purges the key so no delete marker or history is left behind.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Purge(ctx, Key(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv purge %s: %w", key, err)
	}
	return nil
}

// Key maps a cache key onto the KV key alphabet [-/_=.a-zA-Z0-9]. Other
// characters become '_'; leading and trailing dots are dropped.
func Key(key string) string {
	key = strings.Trim(key, ".")
	if key == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune("-/_=.", r):
			return r
		}
		return '_'
	}, key)
}
