package eventstore

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/venue"
)

// maxOrphans bounds the orphan buffer; the oldest record is dropped first.
// Orphans are diagnostic only — the dirty marks, not the buffer, drive
// snapshot fallback.
const maxOrphans = 1024

// Publisher mirrors journal entries to an external sink (NATS JetStream in
// production). Nil-safe at the store level.
type Publisher interface {
	Publish(ev *model.OrderEvent) error
}

type InMemoryEventStore struct {
	mu      sync.RWMutex
	orders  map[string][]*model.OrderEvent
	orphans deque.Deque[venue.Event]
	dirty   map[string]map[string]bool // venue -> symbol ("" = whole venue)

	pub Publisher
}

func NewInMemoryEventStore(pub Publisher) *InMemoryEventStore {
	return &InMemoryEventStore{
		orders: make(map[string][]*model.OrderEvent),
		dirty:  make(map[string]map[string]bool),
		pub:    pub,
	}
}

func (s *InMemoryEventStore) Append(ev *model.OrderEvent) {
	s.mu.Lock()
	s.orders[ev.OrderID] = append(s.orders[ev.OrderID], ev)
	s.mu.Unlock()

	if s.pub != nil {
		// best effort; the journal itself is authoritative in-process
		_ = s.pub.Publish(ev)
	}
}

func (s *InMemoryEventStore) Events(orderID string) []*model.OrderEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*model.OrderEvent, len(s.orders[orderID]))
	copy(events, s.orders[orderID])
	return events
}

func (s *InMemoryEventStore) RecordOrphan(ev venue.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orphans.Len() >= maxOrphans {
		s.orphans.PopFront()
	}
	s.orphans.PushBack(ev)

	if s.dirty[ev.Venue] == nil {
		s.dirty[ev.Venue] = make(map[string]bool)
	}
	s.dirty[ev.Venue][ev.Symbol] = true
}

func (s *InMemoryEventStore) Orphans() []venue.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orphans := make([]venue.Event, 0, s.orphans.Len())
	for i := 0; i < s.orphans.Len(); i++ {
		orphans = append(orphans, s.orphans.At(i))
	}
	return orphans
}

func (s *InMemoryEventStore) DirtyVenueSymbols(venueName string) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(s.dirty[venueName]))
	for sym := range s.dirty[venueName] {
		out[sym] = true
	}
	return out
}

func (s *InMemoryEventStore) ClearDirty(venueName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirty, venueName)
}
