// Package venue defines the adapter contract every broker integration
// implements, the normalized event shape their streams emit, and the
// session object binding one authenticated connection per venue.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/engine/model"
)

// EventKind classifies a normalized venue event.
type EventKind string

const (
	EventAck         EventKind = "ack"
	EventReject      EventKind = "reject"
	EventPartialFill EventKind = "partial_fill"
	EventFill        EventKind = "fill"
	EventCancel      EventKind = "cancel"
	EventExpire      EventKind = "expire"
)

// Event is a raw venue event mapped into the normalized shape consumed by
// the reconciliation loop. Either VenueOrderID or ClientOrderID identifies
// the order; pre-ack events from async-id venues carry only the latter.
type Event struct {
	Venue         string
	VenueOrderID  string
	ClientOrderID string
	Kind          EventKind
	Symbol        string
	Side          model.OrderSide

	// fill data, set on partial_fill/fill
	FillQuantity decimal.Decimal
	FillPrice    decimal.Decimal
	CumQuantity  decimal.Decimal

	Reason string
	At     time.Time
}

// OrderRef identifies a live order to a venue. Venues with synchronous id
// assignment use VenueOrderID; the FIX gateway addresses orders by client
// order id until the ack arrives.
type OrderRef struct {
	VenueOrderID  string
	ClientOrderID string
	Symbol        string
	Side          model.OrderSide
}

// Ref builds an OrderRef from an order snapshot.
func Ref(o model.Order) OrderRef {
	return OrderRef{
		VenueOrderID:  o.VenueOrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
	}
}

// Adapter translates normalized order requests into venue-specific calls
// and venue responses into normalized events. Every call may incur
// real-money consequences; Submit must be idempotent on retry, keyed by
// the order's client order id.
type Adapter interface {
	Name() string

	// Submit transmits the order. The returned venue order id may be empty
	// when the venue assigns ids asynchronously; the ack event carries it.
	Submit(ctx context.Context, o *model.Order) (venueOrderID string, err error)

	// Modify replaces price/quantity of a live order.
	Modify(ctx context.Context, ref OrderRef, changes model.OrderChanges) error

	// Cancel requests cancellation of a live order.
	Cancel(ctx context.Context, ref OrderRef) error

	// Events returns the venue's lazy, infinite, non-restartable event
	// stream. Consumed exclusively by the venue's reconciliation loop;
	// closed only when the session shuts down.
	Events() <-chan Event

	// Positions returns venue-reported holdings, or ErrUnsupported.
	Positions(ctx context.Context) ([]model.Position, error)

	// Balances returns venue-reported account state, or ErrUnsupported.
	Balances(ctx context.Context) (*model.AccountBalances, error)

	// Close tears the connection down, closing the event stream.
	Close(ctx context.Context) error
}

// Session binds one authenticated adapter connection to a venue for the
// process lifetime. ClientID distinguishes this process on venues that
// multiplex connections by client identifier.
type Session struct {
	Venue    string
	ClientID int
	Adapter  Adapter

	openedAt time.Time
}

// NewSession wraps an adapter into a session context.
func NewSession(name string, clientID int, a Adapter) *Session {
	return &Session{
		Venue:    name,
		ClientID: clientID,
		Adapter:  a,
		openedAt: time.Now(),
	}
}

// OpenedAt returns when the session was established.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// Close tears down the venue connection.
func (s *Session) Close(ctx context.Context) error {
	return s.Adapter.Close(ctx)
}
