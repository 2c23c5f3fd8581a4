package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/companion-dev/companion/internal/domain/event"
	"github.com/companion-dev/companion/internal/service"
)

func TestEventBus_DeliversInOrder(t *testing.T) {
	bus := service.NewEventBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	bus.On(event.KindMessage, func(_ context.Context, ev event.Event) error {
		mu.Lock()
		got = append(got, ev.Message.Content)
		mu.Unlock()
		return nil
	})

	for _, s := range []string{"one", "two", "three"} {
		bus.Emit(event.Event{Kind: event.KindMessage, Message: &event.Message{Content: s}})
	}
	bus.Emit(event.Event{Kind: event.KindIdle})
	if err := bus.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Fatalf("unexpected delivery order %v", got)
	}
}

func TestEventBus_HandlerFailureIsolation(t *testing.T) {
	bus := service.NewEventBus(nil)
	defer bus.Close()

	var calls int
	bus.OnAny(func(context.Context, event.Event) error { panic("boom") })
	bus.OnAny(func(context.Context, event.Event) error { return errors.New("handler failed") })
	bus.OnAny(func(context.Context, event.Event) error {
		calls++
		return nil
	})

	bus.Emit(event.Event{Kind: event.KindIdle, Agent: "a"})
	bus.Emit(event.Event{Kind: event.KindIdle, Agent: "b"})
	if err := bus.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected healthy handler to see 2 events, got %d", calls)
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := service.NewEventBus(nil)
	defer bus.Close()

	var calls int
	unsub := bus.On(event.KindIdle, func(context.Context, event.Event) error {
		calls++
		return nil
	})
	bus.Emit(event.Event{Kind: event.KindIdle})
	_ = bus.Flush(context.Background())
	unsub()
	unsub()
	bus.Emit(event.Event{Kind: event.KindIdle})
	_ = bus.Flush(context.Background())

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestEventBus_EmitNeverBlocksOnSlowHandler(t *testing.T) {
	bus := service.NewEventBus(nil)
	release := make(chan struct{})
	bus.OnAny(func(context.Context, event.Event) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		for range 1000 {
			bus.Emit(event.Event{Kind: event.KindIdle})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked behind a slow handler")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected flush to time out, got %v", err)
	}
	close(release)
	bus.Close()
}

func TestEventBus_CloseDrainsThenDrops(t *testing.T) {
	bus := service.NewEventBus(nil)
	var calls int
	bus.OnAny(func(context.Context, event.Event) error {
		calls++
		return nil
	})
	bus.Emit(event.Event{Kind: event.KindIdle})
	bus.Emit(event.Event{Kind: event.KindIdle})
	bus.Close()
	bus.Emit(event.Event{Kind: event.KindIdle})
	bus.Close()

	if calls != 2 {
		t.Fatalf("expected 2 deliveries, got %d", calls)
	}
	if err := bus.Flush(context.Background()); err != nil {
		t.Fatalf("flush after close: %v", err)
	}
}

func TestEventBus_SlowSubscriberDoesNotDelayOthers(t *testing.T) {
	bus := service.NewEventBus(nil)
	release := make(chan struct{})
	bus.OnAny(func(context.Context, event.Event) error {
		<-release
		return nil
	})

	tracker := service.NewActionTracker()
	tracker.Attach(bus)

	idle := make(chan string, 1)
	bus.On(event.KindIdle, func(_ context.Context, ev event.Event) error {
		idle <- ev.Agent
		return nil
	})

	bus.Emit(event.Event{Kind: event.KindSpawned, Agent: "coder"})
	bus.Emit(event.Event{Kind: event.KindIdle, Agent: "coder"})

	select {
	case got := <-idle:
		if got != "coder" {
			t.Fatalf("unexpected agent %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("idle subscriber waited on a blocked handler")
	}
	eventually(t, func() bool { return len(tracker.IdleAgents()) == 1 }, "tracker sees idle agent")

	close(release)
	bus.Close()
}

func TestEventBus_PerSubscriberOrder(t *testing.T) {
	bus := service.NewEventBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var fast, slow []event.Kind
	bus.OnAny(func(_ context.Context, ev event.Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		slow = append(slow, ev.Kind)
		mu.Unlock()
		return nil
	})
	bus.OnAny(func(_ context.Context, ev event.Event) error {
		mu.Lock()
		fast = append(fast, ev.Kind)
		mu.Unlock()
		return nil
	})

	want := []event.Kind{event.KindSpawned, event.KindMessage, event.KindIdle, event.KindMessage, event.KindExited}
	for _, k := range want {
		bus.Emit(event.Event{Kind: k, Agent: "coder"})
	}
	if err := bus.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, got := range [][]event.Kind{fast, slow} {
		if len(got) != len(want) {
			t.Fatalf("expected %d events, got %v", len(want), got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("order mismatch: got %v, want %v", got, want)
			}
		}
	}
}
