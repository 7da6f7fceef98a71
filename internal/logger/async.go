package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

// nopCloser is a no-op Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// asyncQueue is shared by an AsyncHandler and every handler derived from it.
type asyncQueue struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan queued
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// AsyncHandler wraps an slog.Handler with a buffered channel and worker pool.
// When the buffer is full, records below WARN are dropped and WARN or above
// wait for space. Every record is dropped after Close.
type AsyncHandler struct {
	inner slog.Handler
	q     *asyncQueue
}

// queued pairs a record with the handler that accepted it, so records from
// derived handlers keep their attributes and groups.
type queued struct {
	h   slog.Handler
	rec slog.Record
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	q := &asyncQueue{ch: make(chan queued, chanSize)}
	h := &AsyncHandler{inner: inner, q: q}
	for range workers {
		q.wg.Add(1)
		go q.drain()
	}
	return h
}

func (q *asyncQueue) drain() {
	defer q.wg.Done()
	for item := range q.ch {
		_ = item.h.Handle(context.Background(), item.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.q.mu.RLock()
	defer h.q.mu.RUnlock()
	if h.q.closed {
		h.q.dropped.Add(1)
		return nil
	}
	item := queued{h: h.inner, rec: rec.Clone()}
	if rec.Level >= slog.LevelWarn {
		h.q.ch <- item
		return nil
	}
	select {
	case h.q.ch <- item:
	default:
		h.q.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same queue but wrapping a new inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

// WithGroup returns a handler sharing the same queue but wrapping a new inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.q.dropped.Load()
}

// Close stops accepting records, waits for the workers to drain the buffer
// and reports how many records were dropped. It is safe to call more than
// once.
func (h *AsyncHandler) Close() {
	h.q.mu.Lock()
	if h.q.closed {
		h.q.mu.Unlock()
		return
	}
	h.q.closed = true
	close(h.q.ch)
	h.q.mu.Unlock()
	h.q.wg.Wait()

	if n := h.q.dropped.Load(); n > 0 {
		rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async logger dropped records", 0)
		rec.AddAttrs(slog.Int64("dropped", n))
		_ = h.inner.Handle(context.Background(), rec)
	}
}
