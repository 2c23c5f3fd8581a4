package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/companion-dev/companion/internal/adapter/otel"
	"github.com/companion-dev/companion/internal/domain/event"
)

// EventHandler receives one orchestrator event. A returned error is logged
// and never reaches the emitter or other handlers.
type EventHandler func(ctx context.Context, ev event.Event) error

// busItem is a queued event or, when flushed is non-nil, a flush marker.
type busItem struct {
	ev      event.Event
	flushed chan struct{}
}

// subscriber owns one handler's ordered queue and the goroutine draining it.
type subscriber struct {
	id      uint64
	kind    event.Kind // "" matches every kind
	handler EventHandler

	mu      sync.Mutex
	queue   []busItem
	stopped bool // no more items are accepted
	dropped bool // queued events are discarded instead of delivered
	wake    chan struct{}
	done    chan struct{}
}

func (s *subscriber) matches(kind event.Kind) bool {
	return s.kind == "" || s.kind == kind
}

func (s *subscriber) push(item busItem) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// stop ends the subscriber once its queue is empty. With drop set, queued
// events are skipped; flush markers are still released.
func (s *subscriber) stop(drop bool) {
	s.mu.Lock()
	s.stopped = true
	s.dropped = s.dropped || drop
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// EventBus delivers events to each subscriber on that subscriber's own
// goroutine, in emission order. Emit never blocks on handlers and a slow
// handler delays only its own deliveries. Queues are unbounded.
type EventBus struct {
	mu      sync.Mutex
	subs    []*subscriber
	nextID  uint64
	closed  bool
	metrics *cfotel.Metrics
}

// NewEventBus creates an empty bus.
func NewEventBus(metrics *cfotel.Metrics) *EventBus {
	return &EventBus{metrics: metrics}
}

// On registers handler for one event kind and returns an unsubscribe func.
func (b *EventBus) On(kind event.Kind, handler EventHandler) func() {
	return b.subscribe(kind, handler)
}

// OnAny registers handler for every event kind.
func (b *EventBus) OnAny(handler EventHandler) func() {
	return b.subscribe("", handler)
}

func (b *EventBus) subscribe(kind event.Kind, handler EventHandler) func() {
	s := &subscriber{
		kind:    kind,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			s.stop(true)
		})
	}
}

// Emit queues ev for every matching subscriber. Events emitted after Close
// are dropped.
func (b *EventBus) Emit(ev event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		slog.Debug("event dropped after bus close", "kind", ev.Kind, "agent", ev.Agent)
		return
	}
	for _, s := range b.subs {
		if s.matches(ev.Kind) {
			s.push(busItem{ev: ev})
		}
	}
}

// Flush blocks until every event emitted before the call has been delivered
// to every subscriber.
func (b *EventBus) Flush(ctx context.Context) error {
	b.mu.Lock()
	markers := make([]chan struct{}, 0, len(b.subs))
	for _, s := range b.subs {
		m := make(chan struct{})
		if s.push(busItem{flushed: m}) {
			markers = append(markers, m)
		} else {
			// Stopped subscribers finish on their own; waiting for done
			// covers whatever they still deliver.
			markers = append(markers, s.done)
		}
	}
	b.mu.Unlock()

	for _, m := range markers {
		select {
		case <-m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close delivers everything already queued, then stops every subscriber.
func (b *EventBus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(false)
	}
	for _, s := range subs {
		<-s.done
	}
}

func (b *EventBus) run(s *subscriber) {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.stopped {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		item := s.queue[0]
		s.queue[0] = busItem{}
		s.queue = s.queue[1:]
		dropped := s.dropped
		s.mu.Unlock()

		switch {
		case item.flushed != nil:
			close(item.flushed)
		case !dropped:
			b.deliver(s, item.ev)
		}
	}
}

// deliver runs one handler, isolating its error or panic.
func (b *EventBus) deliver(s *subscriber, ev event.Event) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return s.handler(context.Background(), ev)
	}()
	if err == nil {
		return
	}
	slog.Error("event handler failed", "kind", ev.Kind, "agent", ev.Agent, "error", err)
	if b.metrics != nil {
		b.metrics.HandlerFailures.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", string(ev.Kind)),
		))
	}
}
