// Package sim is the paper-trading venue. It acknowledges orders
// immediately over the event stream, fills market orders at the marked
// price, and rests limit and stop orders until a price update crosses
// them. No external calls are made.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/venue"
)

// Compile-time interface check.
var _ venue.Adapter = (*Venue)(nil)

type restingOrder struct {
	id     string
	client string
	symbol string
	side   model.OrderSide
	typ    model.OrderType
	qty    decimal.Decimal
	limit  decimal.Decimal
	stop   decimal.Decimal
}

// Venue simulates a brokerage. Prices start at whatever Mark sets per
// symbol; orders against an unmarked symbol are rejected.
type Venue struct {
	mu      sync.Mutex
	name    string
	cash    decimal.Decimal
	marks   map[string]decimal.Decimal
	resting map[string]*restingOrder // by venue order id
	filled  map[string]model.Position
	nextID  int
	closed  bool

	events chan venue.Event
}

func New(name string, startingCash decimal.Decimal) *Venue {
	return &Venue{
		name:    name,
		cash:    startingCash,
		marks:   make(map[string]decimal.Decimal),
		resting: make(map[string]*restingOrder),
		filled:  make(map[string]model.Position),
		events:  make(chan venue.Event, 256),
	}
}

func (v *Venue) Name() string { return v.name }

// Mark sets the simulated price for a symbol and triggers any resting
// orders the move crosses.
func (v *Venue) Mark(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[symbol] = price

	for id, ro := range v.resting {
		if ro.symbol != symbol || !crossed(ro, price) {
			continue
		}
		delete(v.resting, id)
		v.execute(ro, fillPrice(ro, price))
	}
}

func (v *Venue) Submit(_ context.Context, o *model.Order) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return "", &venue.TransportError{Venue: v.name, Err: fmt.Errorf("venue closed")}
	}

	mark, ok := v.marks[o.Symbol]
	if !ok {
		return "", &venue.RejectionError{
			Venue:   v.name,
			OrderID: o.OrderID,
			Reason:  fmt.Sprintf("no market for %s", o.Symbol),
		}
	}

	v.nextID++
	id := fmt.Sprintf("SIM-%d", v.nextID)
	ro := &restingOrder{
		id:     id,
		client: o.ClientOrderID,
		symbol: o.Symbol,
		side:   o.Side,
		typ:    o.Type,
		qty:    o.Quantity,
		limit:  o.LimitPrice,
		stop:   o.StopPrice,
	}

	v.emit(venue.Event{
		Venue:         v.name,
		VenueOrderID:  id,
		ClientOrderID: ro.client,
		Kind:          venue.EventAck,
		Symbol:        ro.symbol,
		Side:          ro.side,
		At:            time.Now(),
	})

	if ro.typ == model.OrderTypeMarket || crossed(ro, mark) {
		v.execute(ro, fillPrice(ro, mark))
	} else {
		v.resting[id] = ro
	}
	return id, nil
}

func (v *Venue) Modify(_ context.Context, ref venue.OrderRef, changes model.OrderChanges) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ro, ok := v.resting[ref.VenueOrderID]
	if !ok {
		return venue.ErrNotFound
	}
	if changes.LimitPrice != nil {
		ro.limit = *changes.LimitPrice
	}
	if changes.StopPrice != nil {
		ro.stop = *changes.StopPrice
	}
	if changes.Quantity != nil {
		ro.qty = *changes.Quantity
	}
	if mark, ok := v.marks[ro.symbol]; ok && crossed(ro, mark) {
		delete(v.resting, ro.id)
		v.execute(ro, fillPrice(ro, mark))
	}
	return nil
}

func (v *Venue) Cancel(_ context.Context, ref venue.OrderRef) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ro, ok := v.resting[ref.VenueOrderID]
	if !ok {
		return venue.ErrNotFound
	}
	delete(v.resting, ref.VenueOrderID)
	v.emit(venue.Event{
		Venue:         v.name,
		VenueOrderID:  ro.id,
		ClientOrderID: ro.client,
		Kind:          venue.EventCancel,
		Symbol:        ro.symbol,
		Side:          ro.side,
		At:            time.Now(),
	})
	return nil
}

func (v *Venue) Events() <-chan venue.Event { return v.events }

func (v *Venue) Positions(_ context.Context) ([]model.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]model.Position, 0, len(v.filled))
	for _, p := range v.filled {
		if mark, ok := v.marks[p.Symbol]; ok {
			p.UnrealizedPnL = mark.Sub(p.AvgCost).Mul(p.Quantity)
		}
		out = append(out, p)
	}
	return out, nil
}

func (v *Venue) Balances(_ context.Context) (*model.AccountBalances, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	net := v.cash
	for _, p := range v.filled {
		if mark, ok := v.marks[p.Symbol]; ok {
			net = net.Add(mark.Mul(p.Quantity))
		}
	}
	return &model.AccountBalances{
		Venue:          v.name,
		Cash:           v.cash,
		NetLiquidation: net,
		BuyingPower:    v.cash,
		AsOf:           time.Now(),
	}, nil
}

func (v *Venue) Close(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	close(v.events)
	return nil
}

// execute fills the whole order at price and books the position. Caller
// holds v.mu.
func (v *Venue) execute(ro *restingOrder, price decimal.Decimal) {
	p := v.filled[ro.symbol]
	p.Venue = v.name
	p.Symbol = ro.symbol
	switch ro.side {
	case model.OrderSideBuy:
		total := p.Quantity.Add(ro.qty)
		if total.IsPositive() {
			notional := p.AvgCost.Mul(p.Quantity).Add(price.Mul(ro.qty))
			p.AvgCost = notional.Div(total)
		}
		p.Quantity = total
		v.cash = v.cash.Sub(price.Mul(ro.qty))
	case model.OrderSideSell:
		p.Quantity = p.Quantity.Sub(ro.qty)
		v.cash = v.cash.Add(price.Mul(ro.qty))
	}
	if p.Quantity.IsZero() {
		delete(v.filled, ro.symbol)
	} else {
		v.filled[ro.symbol] = p
	}

	v.emit(venue.Event{
		Venue:         v.name,
		VenueOrderID:  ro.id,
		ClientOrderID: ro.client,
		Kind:          venue.EventFill,
		Symbol:        ro.symbol,
		Side:          ro.side,
		FillQuantity:  ro.qty,
		FillPrice:     price,
		CumQuantity:   ro.qty,
		At:            time.Now(),
	})
}

func (v *Venue) emit(ev venue.Event) {
	if v.closed {
		return
	}
	select {
	case v.events <- ev:
	default:
		// slow consumer; the reconciliation loop recovers via snapshot
	}
}

// crossed reports whether the marked price triggers a resting order.
func crossed(ro *restingOrder, mark decimal.Decimal) bool {
	switch ro.typ {
	case model.OrderTypeLimit:
		if ro.side == model.OrderSideBuy {
			return mark.LessThanOrEqual(ro.limit)
		}
		return mark.GreaterThanOrEqual(ro.limit)
	case model.OrderTypeStop:
		if ro.side == model.OrderSideBuy {
			return mark.GreaterThanOrEqual(ro.stop)
		}
		return mark.LessThanOrEqual(ro.stop)
	}
	return false
}

// fillPrice is the limit price for limit orders when it is better than the
// mark, otherwise the mark.
func fillPrice(ro *restingOrder, mark decimal.Decimal) decimal.Decimal {
	if ro.typ == model.OrderTypeLimit && !ro.limit.IsZero() {
		return ro.limit
	}
	return mark
}
