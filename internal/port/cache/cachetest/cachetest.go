// Package cachetest provides a compliance suite for cache.Cache implementations.
package cachetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/runstream/internal/port/cache"
)

// RunComplianceTests runs the standard compliance test suite against any Cache implementation.
func RunComplianceTests(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "run.1", []byte(`{"id":1}`), time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "run.1")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != `{"id":1}` {
			t.Fatalf(`expected {"id":1}, got %s`, val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "run.404")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for nonexistent key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "run.2", []byte("del-val"), time.Minute)
		if err := c.Delete(ctx, "run.2"); err != nil {
			t.Fatal(err)
		}
		_, found, err := c.Get(ctx, "run.2")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "run.never"); err != nil {
			t.Fatal("Delete of nonexistent key should not error")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "run.3", []byte("v1"), time.Minute)
		_ = c.Set(ctx, "run.3", []byte("v2"), time.Minute)
		val, found, err := c.Get(ctx, "run.3")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after overwrite")
		}
		if string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %s", val)
		}
	})
}

// Mem is a map-backed cache.Cache for tests. The zero value is not usable;
// call NewMem. Data may be inspected directly once concurrent callers are done.
type Mem struct {
	mu   sync.Mutex
	Data map[string][]byte
	Err  error // returned by every call when set
}

// NewMem returns an empty Mem.
func NewMem() *Mem {
	return &Mem{Data: make(map[string][]byte)}
}

func (m *Mem) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, false, m.Err
	}
	v, ok := m.Data[key]
	return v, ok, nil
}

func (m *Mem) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Data[key] = value
	return nil
}

func (m *Mem) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Data, key)
	return nil
}
