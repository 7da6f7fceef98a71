package resilience

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many calls run at once using a weighted semaphore.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter allows at most limit concurrent calls. A limit below 1 returns
// nil, which does not limit at all.
func NewLimiter(limit int) *Limiter {
	if limit < 1 {
		return nil
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(limit))}
}

// Do acquires a slot, runs fn, and releases the slot. It returns ctx.Err()
// if ctx ends while waiting. A nil Limiter runs fn directly.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if l == nil {
		return fn()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn()
}
