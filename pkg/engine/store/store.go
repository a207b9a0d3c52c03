// Package store holds the single authoritative mapping of order id to
// order state. All mutation flows through Transition; reads return copies.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/engine/model"
)

var (
	ErrOrderNotFound       = errors.New("order id not found")
	ErrDuplicateOrder      = errors.New("duplicate order id")
	ErrDuplicateBracketLeg = errors.New("bracket leg with same role already exists")
	ErrInvalidTransition   = errors.New("illegal state transition")
)

// Evidence carries the venue data backing a transition.
type Evidence struct {
	VenueOrderID string
	FillQuantity decimal.Decimal
	FillPrice    decimal.Decimal
	CumQuantity  decimal.Decimal
	Reason       string
	At           time.Time
}

type entry struct {
	mu    sync.Mutex // serializes transitions for this order
	order model.Order
}

// Store is the order state store. Transitions for a given order are
// serialized on the entry's mutex; distinct orders proceed concurrently.
type Store struct {
	mu     sync.RWMutex
	orders map[string]*entry

	// idxMu guards the lookup indexes. Kept separate from mu so Transition
	// can bind a venue id while holding an entry lock without touching the
	// map lock.
	idxMu       sync.RWMutex
	venueIndex  map[string]string // venue|venueOrderID -> orderID
	clientIndex map[string]string // clientOrderID -> orderID
}

func New() *Store {
	return &Store{
		orders:      make(map[string]*entry),
		venueIndex:  make(map[string]string),
		clientIndex: make(map[string]string),
	}
}

func venueKey(venue, venueOrderID string) string {
	return venue + "|" + venueOrderID
}

// Create registers a new order. It fails with ErrDuplicateBracketLeg when
// the order is a bracket child and a sibling with the same role already
// exists under the parent.
func (s *Store) Create(o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.OrderID]; ok {
		return ErrDuplicateOrder
	}
	if o.ParentID != "" {
		parent, ok := s.orders[o.ParentID]
		if !ok {
			return ErrOrderNotFound
		}
		parent.mu.Lock()
		for _, childID := range parent.order.ChildIDs {
			if child, ok := s.orders[childID]; ok && child.order.Role == o.Role {
				parent.mu.Unlock()
				return ErrDuplicateBracketLeg
			}
		}
		parent.order.ChildIDs = append(parent.order.ChildIDs, o.OrderID)
		parent.mu.Unlock()
	}

	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = model.OrderStatusCreated
	}
	s.orders[o.OrderID] = &entry{order: *o}

	s.idxMu.Lock()
	if o.ClientOrderID != "" {
		s.clientIndex[o.ClientOrderID] = o.OrderID
	}
	if o.VenueOrderID != "" {
		s.venueIndex[venueKey(o.Venue, o.VenueOrderID)] = o.OrderID
	}
	s.idxMu.Unlock()
	return nil
}

// Transition applies new state iff it is a legal successor of the current
// state. Illegal transitions return ErrInvalidTransition and leave the
// order untouched; broker streams occasionally redeliver stale events, so
// callers log and drop rather than fail.
func (s *Store) Transition(orderID string, next model.OrderStatus, ev Evidence) (model.Order, error) {
	s.mu.RLock()
	e, ok := s.orders[orderID]
	s.mu.RUnlock()
	if !ok {
		return model.Order{}, ErrOrderNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.order.Status.CanTransition(next) {
		return e.order, ErrInvalidTransition
	}

	e.order.Status = next
	if ev.At.IsZero() {
		e.order.UpdatedAt = time.Now()
	} else {
		e.order.UpdatedAt = ev.At
	}
	if ev.VenueOrderID != "" && e.order.VenueOrderID == "" {
		e.order.VenueOrderID = ev.VenueOrderID
		s.idxMu.Lock()
		s.venueIndex[venueKey(e.order.Venue, ev.VenueOrderID)] = orderID
		s.idxMu.Unlock()
	}
	switch next {
	case model.OrderStatusPartiallyFilled, model.OrderStatusFilled:
		s.applyFill(&e.order, ev)
	}

	return e.order, nil
}

// applyFill folds fill evidence into cumulative quantity and average price.
// CumQuantity wins over incremental fill quantity when the venue reports it.
func (s *Store) applyFill(o *model.Order, ev Evidence) {
	prevQty := o.FilledQuantity
	switch {
	case !ev.CumQuantity.IsZero():
		o.FilledQuantity = ev.CumQuantity
	case !ev.FillQuantity.IsZero():
		o.FilledQuantity = prevQty.Add(ev.FillQuantity)
	case o.Status == model.OrderStatusFilled:
		o.FilledQuantity = o.Quantity
	}
	if !ev.FillPrice.IsZero() {
		gained := o.FilledQuantity.Sub(prevQty)
		if gained.IsPositive() {
			notional := o.AvgFillPrice.Mul(prevQty).Add(ev.FillPrice.Mul(gained))
			o.AvgFillPrice = notional.Div(o.FilledQuantity)
		}
	}
}

// ApplyChanges folds an acknowledged modify into the stored attributes.
// Attribute mutation is reserved to the execution engine's explicit modify
// path; lifecycle state still only moves through Transition.
func (s *Store) ApplyChanges(orderID string, changes model.OrderChanges) error {
	s.mu.RLock()
	e, ok := s.orders[orderID]
	s.mu.RUnlock()
	if !ok {
		return ErrOrderNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if changes.LimitPrice != nil {
		e.order.LimitPrice = *changes.LimitPrice
	}
	if changes.StopPrice != nil {
		e.order.StopPrice = *changes.StopPrice
	}
	if changes.Quantity != nil {
		e.order.Quantity = *changes.Quantity
	}
	e.order.UpdatedAt = time.Now()
	return nil
}

// Get returns a read-only snapshot of the order.
func (s *Store) Get(orderID string) (model.Order, error) {
	s.mu.RLock()
	e, ok := s.orders[orderID]
	s.mu.RUnlock()
	if !ok {
		return model.Order{}, ErrOrderNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order, nil
}

// ResolveVenueOrder maps a venue-assigned id back to the process order id.
func (s *Store) ResolveVenueOrder(venue, venueOrderID string) (string, bool) {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	id, ok := s.venueIndex[venueKey(venue, venueOrderID)]
	return id, ok
}

// ResolveClientOrder maps an idempotency key back to the process order id.
func (s *Store) ResolveClientOrder(clientOrderID string) (string, bool) {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	id, ok := s.clientIndex[clientOrderID]
	return id, ok
}

// List returns snapshots of all orders, newest first.
func (s *Store) List() []model.Order {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.orders))
	for _, e := range s.orders {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	orders := make([]model.Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		orders = append(orders, e.order)
		e.mu.Unlock()
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders
}

// ListOpen returns snapshots of all non-terminal orders.
func (s *Store) ListOpen() []model.Order {
	all := s.List()
	open := all[:0]
	for _, o := range all {
		if !o.Status.Terminal() {
			open = append(open, o)
		}
	}
	return open
}

// FillsSince returns confirmed fills applied after the cutoff, used by the
// position view to extend a venue snapshot forward.
func (s *Store) FillsSince(venue string, cutoff time.Time) []model.Fill {
	var fills []model.Fill
	for _, o := range s.List() {
		if o.Venue != venue || o.FilledQuantity.IsZero() {
			continue
		}
		if !o.UpdatedAt.After(cutoff) {
			continue
		}
		fills = append(fills, model.Fill{
			OrderID:  o.OrderID,
			Venue:    o.Venue,
			Symbol:   o.Symbol,
			Side:     o.Side,
			Quantity: o.FilledQuantity,
			Price:    o.AvgFillPrice,
			At:       o.UpdatedAt,
		})
	}
	return fills
}

// EvictTerminal drops terminal orders older than the retention window.
// Returns the number evicted.
func (s *Store) EvictTerminal(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	// Snapshot first: taking entry locks while holding the map lock would
	// invert the locking order used by Transition.
	var victims []model.Order
	for _, o := range s.List() {
		if o.Status.Terminal() && !o.UpdatedAt.After(cutoff) {
			victims = append(victims, o)
		}
	}

	s.mu.Lock()
	for _, o := range victims {
		delete(s.orders, o.OrderID)
	}
	s.mu.Unlock()

	s.idxMu.Lock()
	for _, o := range victims {
		delete(s.clientIndex, o.ClientOrderID)
		if o.VenueOrderID != "" {
			delete(s.venueIndex, venueKey(o.Venue, o.VenueOrderID))
		}
	}
	s.idxMu.Unlock()
	return len(victims)
}
