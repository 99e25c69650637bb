package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	var got []string
	unsub := b.Subscribe("message.", func(evt Event) { got = append(got, evt.Kind) })
	defer unsub()

	b.Publish(Event{Kind: KindMessageSent, Timestamp: time.Now(), Payload: "test"})

	if len(got) != 1 || got[0] != KindMessageSent {
		t.Errorf("got %v, want [message.sent]", got)
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New(nil)
	var got []string
	unsub := b.Subscribe("ratelimit.", func(evt Event) { got = append(got, evt.Kind) })
	defer unsub()

	b.Publish(Event{Kind: KindMessageSent})
	b.Publish(Event{Kind: KindRateLimited})

	if len(got) != 1 || got[0] != KindRateLimited {
		t.Errorf("got %v, want [ratelimit.triggered]", got)
	}
}

func TestExactKindAndWildcard(t *testing.T) {
	b := New(nil)
	var exact, wild, empty int
	b.Subscribe(KindKeyRotated, func(Event) { exact++ })
	b.Subscribe(Wildcard, func(Event) { wild++ })
	b.Subscribe("", func(Event) { empty++ })

	b.Publish(Event{Kind: KindKeyRotated})
	b.Publish(Event{Kind: KindMessageFailed})

	if exact != 1 {
		t.Errorf("exact = %d, want 1", exact)
	}
	if wild != 2 || empty != 2 {
		t.Errorf("wild = %d, empty = %d, want 2 and 2", wild, empty)
	}
}

func TestSubscriptionOrder(t *testing.T) {
	b := New(nil)
	var order []int
	for i := range 5 {
		b.Subscribe("", func(Event) { order = append(order, i) })
	}

	b.Publish(Event{Kind: "x"})

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("got %d deliveries, want 5", len(order))
	}
}

func TestPanickingHandlerIsolated(t *testing.T) {
	b := New(nil)
	var after bool
	b.Subscribe("", func(Event) { panic("boom") })
	b.Subscribe("", func(Event) { after = true })

	b.Publish(Event{Kind: "x"})

	if !after {
		t.Error("handler after a panicking one was not called")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	var calls int
	unsub := b.Subscribe("message.", func(Event) { calls++ })
	unsub()
	unsub()

	b.Publish(Event{Kind: KindMessageSent})

	if calls != 0 {
		t.Errorf("received %d events after unsubscribe", calls)
	}
}

func TestWatchDropOnFullBuffer(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Watch("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	default:
	}
}
