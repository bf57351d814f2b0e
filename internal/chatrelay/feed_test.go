package chatrelay

import (
	"context"
	"testing"
	"time"
)

func waitEvent(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case event, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscriber closed while waiting for event")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestTranslatorEmitsEventKinds(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	hub := NewHub()
	translator := NewTranslator(store, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		translator.Run(ctx)
		close(done)
	}()

	sub := hub.Subscribe(0)
	defer hub.Unsubscribe(sub)

	record := testMessage("m1", "111", DirectionInbound, StatusReceived, time.Unix(1000, 0))
	if _, _, err := store.Upsert(ctx, record); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	newEvent := waitEvent(t, sub)
	if newEvent.Type != EventNewMessage {
		t.Fatalf("expected message.new for insert, got %s", newEvent.Type)
	}
	if newEvent.ConversationID != "111" || newEvent.Record.PrimaryID != "m1" {
		t.Fatalf("unexpected event: %+v", newEvent)
	}

	if _, err := store.ApplyStatusPatch(ctx, "m1", StatusDelivered); err != nil {
		t.Fatalf("patch: %v", err)
	}
	statusEvent := waitEvent(t, sub)
	if statusEvent.Type != EventStatusChanged {
		t.Fatalf("expected message.status for update, got %s", statusEvent.Type)
	}
	if statusEvent.MessageID != "m1" || statusEvent.Status != StatusDelivered {
		t.Fatalf("unexpected event: %+v", statusEvent)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("translator did not stop on cancellation")
	}
}

func TestTranslatorBroadcastsToAllSubscribers(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	hub := NewHub()
	translator := NewTranslator(store, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go translator.Run(ctx)

	first := hub.Subscribe(0)
	second := hub.Subscribe(0)
	defer hub.Unsubscribe(first)
	defer hub.Unsubscribe(second)

	if _, _, err := store.Upsert(ctx, testMessage("m1", "111", DirectionInbound, StatusReceived, time.Unix(1000, 0))); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	for _, sub := range []*Subscriber{first, second} {
		event := waitEvent(t, sub)
		if event.Type != EventNewMessage {
			t.Fatalf("expected message.new on every subscriber, got %s", event.Type)
		}
	}
}

func TestTranslatorStopsWhenStoreCloses(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub()
	translator := NewTranslator(store, hub)

	done := make(chan struct{})
	go func() {
		translator.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	store.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("translator did not stop when store closed")
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(1)
	defer hub.Unsubscribe(sub)

	hub.Publish(Event{Type: EventNewMessage, ConversationID: "a"})
	hub.Publish(Event{Type: EventNewMessage, ConversationID: "b"})

	event := <-sub.C()
	if event.ConversationID != "a" {
		t.Fatalf("expected first event retained, got %+v", event)
	}
	select {
	case extra := <-sub.C():
		t.Fatalf("expected overflow event dropped, got %+v", extra)
	default:
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(0)
	hub.Unsubscribe(sub)
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	// Second unsubscribe must not panic.
	hub.Unsubscribe(sub)
	if hub.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.SubscriberCount())
	}
}
