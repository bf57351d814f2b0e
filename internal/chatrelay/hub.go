package chatrelay

import "sync"

const defaultSubscriberBuffer = 64

// Hub broadcasts events to every connected subscriber. Publish never blocks:
// a subscriber that cannot keep up loses events rather than stalling the
// feed.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

type Subscriber struct {
	ch chan Event
}

// C yields events published while the subscriber is registered.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscriber]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &Subscriber{ch: make(chan Event, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}

func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
