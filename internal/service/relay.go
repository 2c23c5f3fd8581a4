package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/companion-dev/companion/internal/domain/event"
	"github.com/companion-dev/companion/internal/port/messagequeue"
)

const relayPublishTimeout = 5 * time.Second

// EventRelay republishes every orchestrator event as JSON on the message
// queue under "<prefix>.<session>.events.<kind>".
type EventRelay struct {
	queue  messagequeue.Queue
	prefix string

	mu    sync.Mutex
	unsub func()
}

// NewEventRelay creates a relay publishing on queue.
func NewEventRelay(queue messagequeue.Queue, prefix string) *EventRelay {
	return &EventRelay{queue: queue, prefix: prefix}
}

// Attach starts relaying events from bus, replacing any previous attachment.
func (r *EventRelay) Attach(bus *EventBus) {
	r.Detach()
	unsub := bus.OnAny(r.publish)
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
}

// Detach stops relaying.
func (r *EventRelay) Detach() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (r *EventRelay) publish(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay marshal %s: %w", ev.Kind, err)
	}
	ctx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()
	subject := messagequeue.EventSubject(r.prefix, ev.SessionID, ev.Kind.SubjectToken())
	return r.queue.Publish(ctx, subject, data)
}
