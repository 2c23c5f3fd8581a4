package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// queued pairs a record with the context it was logged under, so
// context-derived attributes survive the hop to a worker.
type queued struct {
	ctx context.Context
	rec slog.Record
}

// AsyncHandler hands records to a fixed set of workers through a bounded
// queue. Below-warn records are dropped when the queue is full; warn and
// error records block until there is room.
type AsyncHandler struct {
	inner  slog.Handler
	shared *asyncShared
}

type asyncShared struct {
	mu      sync.RWMutex // guards queue against send-after-close
	queue   chan queued
	wg      sync.WaitGroup
	closed  bool
	dropped atomic.Int64
}

// NewAsyncHandler creates an AsyncHandler with the given queue capacity and worker count.
func NewAsyncHandler(inner slog.Handler, queueSize, workers int) *AsyncHandler {
	if workers < 1 {
		workers = 1
	}
	s := &asyncShared{queue: make(chan queued, queueSize)}
	h := &AsyncHandler{inner: inner, shared: s}
	for range workers {
		s.wg.Add(1)
		go h.drain()
	}
	return h
}

func (h *AsyncHandler) drain() {
	defer h.shared.wg.Done()
	for q := range h.shared.queue {
		_ = h.inner.Handle(q.ctx, q.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. After Close, records are written inline.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.shared.mu.RLock()
	defer h.shared.mu.RUnlock()
	if h.shared.closed {
		return h.inner.Handle(ctx, rec)
	}
	q := queued{ctx: context.WithoutCancel(ctx), rec: rec.Clone()}
	if rec.Level >= slog.LevelWarn {
		h.shared.queue <- q
		return nil
	}
	select {
	case h.shared.queue <- q:
	default:
		h.shared.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same queue with a derived inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), shared: h.shared}
}

// WithGroup returns a handler sharing the same queue with a derived inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), shared: h.shared}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.shared.dropped.Load()
}

// Close drains the queue and stops the workers. Safe to call more than once.
func (h *AsyncHandler) Close() {
	h.shared.mu.Lock()
	if h.shared.closed {
		h.shared.mu.Unlock()
		return
	}
	h.shared.closed = true
	close(h.shared.queue)
	h.shared.mu.Unlock()
	h.shared.wg.Wait()
}
