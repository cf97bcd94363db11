package eventlog

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

// Subscription is one consumer of committed events. Delivery is best
// effort: when C is full the event is dropped and Dropped is incremented,
// so consumers must detect Seq gaps and re-read the log.
type Subscription struct {
	ID      string
	C       <-chan state.Event
	ch      chan state.Event
	dropped atomic.Uint64
	once    sync.Once
}

func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans committed events out to subscribers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	stopped bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

// Subscribe registers a consumer with the given channel buffer.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan state.Event, buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		sub.close()
		return sub
	}
	h.subs[sub.ID] = sub
	return sub
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		s.close()
		delete(h.subs, id)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish implements state.Publisher. It never blocks.
func (h *Hub) Publish(events []state.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		for _, e := range events {
			trySend(s, e)
		}
	}
}

// Stop closes every subscription.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for id, s := range h.subs {
		s.close()
		delete(h.subs, id)
	}
}

func trySend(s *Subscription, e state.Event) bool {
	select {
	case s.ch <- e:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}
