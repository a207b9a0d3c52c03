// Package alpaca adapts the Alpaca trading API to the venue interface.
// Order acks come back synchronously from the REST call; fills, cancels and
// expirations arrive on the trade-updates stream.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/logging"
	"github.com/quantrail/brokerd/pkg/venue"
)

// Compile-time interface check.
var _ venue.Adapter = (*Venue)(nil)

// Client is the slice of the Alpaca SDK the adapter needs.
type Client interface {
	PlaceOrder(req alpacaapi.PlaceOrderRequest) (*alpacaapi.Order, error)
	ReplaceOrder(orderID string, req alpacaapi.ReplaceOrderRequest) (*alpacaapi.Order, error)
	CancelOrder(orderID string) error
	GetPositions() ([]alpacaapi.Position, error)
	GetAccount() (*alpacaapi.Account, error)
	StreamTradeUpdates(ctx context.Context, handler func(alpacaapi.TradeUpdate), req alpacaapi.StreamTradeUpdatesRequest) error
}

// The SDK client must keep satisfying the narrowed interface.
var _ Client = (*alpacaapi.Client)(nil)

type Venue struct {
	name   string
	client Client
	log    *logging.Logger

	events chan venue.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// New connects the adapter and starts the trade-updates stream. The stream
// reconnects with exponential backoff until Close.
func New(name string, client Client, log *logging.Logger) *Venue {
	ctx, cancel := context.WithCancel(context.Background())
	v := &Venue{
		name:   name,
		client: client,
		log:    log,
		events: make(chan venue.Event, 256),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go v.streamLoop(ctx)
	return v
}

func (v *Venue) Name() string { return v.name }

func (v *Venue) Submit(_ context.Context, o *model.Order) (string, error) {
	req, err := toPlaceRequest(o)
	if err != nil {
		return "", &venue.RejectionError{Venue: v.name, OrderID: o.OrderID, Reason: err.Error()}
	}
	placed, err := v.client.PlaceOrder(req)
	if err != nil {
		return "", v.mapError(err, o.OrderID)
	}
	return placed.ID, nil
}

func (v *Venue) Modify(_ context.Context, ref venue.OrderRef, changes model.OrderChanges) error {
	req := alpacaapi.ReplaceOrderRequest{
		Qty:        changes.Quantity,
		LimitPrice: changes.LimitPrice,
		StopPrice:  changes.StopPrice,
	}
	if _, err := v.client.ReplaceOrder(ref.VenueOrderID, req); err != nil {
		return v.mapError(err, ref.VenueOrderID)
	}
	return nil
}

func (v *Venue) Cancel(_ context.Context, ref venue.OrderRef) error {
	if err := v.client.CancelOrder(ref.VenueOrderID); err != nil {
		return v.mapError(err, ref.VenueOrderID)
	}
	return nil
}

func (v *Venue) Events() <-chan venue.Event { return v.events }

func (v *Venue) Positions(_ context.Context) ([]model.Position, error) {
	raw, err := v.client.GetPositions()
	if err != nil {
		return nil, v.mapError(err, "")
	}
	out := make([]model.Position, 0, len(raw))
	for _, p := range raw {
		pos := model.Position{
			Venue:    v.name,
			Symbol:   p.Symbol,
			Quantity: p.Qty,
			AvgCost:  p.AvgEntryPrice,
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPnL = *p.UnrealizedPL
		}
		out = append(out, pos)
	}
	return out, nil
}

func (v *Venue) Balances(_ context.Context) (*model.AccountBalances, error) {
	acct, err := v.client.GetAccount()
	if err != nil {
		return nil, v.mapError(err, "")
	}
	return &model.AccountBalances{
		Venue:          v.name,
		Cash:           acct.Cash,
		NetLiquidation: acct.Equity,
		BuyingPower:    acct.BuyingPower,
		AsOf:           time.Now(),
	}, nil
}

func (v *Venue) Close(_ context.Context) error {
	v.cancel()
	<-v.done
	close(v.events)
	return nil
}

// streamLoop keeps the trade-updates stream alive. The SDK call blocks
// until the connection drops; each drop is retried with backoff.
func (v *Venue) streamLoop(ctx context.Context) {
	defer close(v.done)

	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 0

	for {
		err := v.client.StreamTradeUpdates(ctx, func(tu alpacaapi.TradeUpdate) {
			ev, ok := toEvent(v.name, tu)
			if !ok {
				return
			}
			select {
			case v.events <- ev:
			case <-ctx.Done():
			}
		}, alpacaapi.StreamTradeUpdatesRequest{})
		if ctx.Err() != nil {
			return
		}
		wait := boff.NextBackOff()
		v.log.Warn(ctx, "trade updates stream dropped, reconnecting",
			zap.String("venue", v.name),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// mapError translates SDK failures into the adapter error contract:
// a structured API response is a venue decision, anything else is
// transport.
func (v *Venue) mapError(err error, orderID string) error {
	var apiErr *alpacaapi.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 404 {
			return venue.ErrNotFound
		}
		return &venue.RejectionError{Venue: v.name, OrderID: orderID, Reason: apiErr.Message}
	}
	return &venue.TransportError{Venue: v.name, Err: err}
}

func toPlaceRequest(o *model.Order) (alpacaapi.PlaceOrderRequest, error) {
	qty := o.Quantity
	req := alpacaapi.PlaceOrderRequest{
		Symbol:        o.Symbol,
		Qty:           &qty,
		ClientOrderID: o.ClientOrderID,
	}

	switch o.Side {
	case model.OrderSideBuy:
		req.Side = alpacaapi.Buy
	case model.OrderSideSell:
		req.Side = alpacaapi.Sell
	default:
		return req, fmt.Errorf("unmapped side %q", o.Side)
	}

	switch o.Type {
	case model.OrderTypeMarket:
		req.Type = alpacaapi.Market
	case model.OrderTypeLimit:
		req.Type = alpacaapi.Limit
		limit := o.LimitPrice
		req.LimitPrice = &limit
	case model.OrderTypeStop:
		req.Type = alpacaapi.Stop
		stop := o.StopPrice
		req.StopPrice = &stop
	default:
		return req, fmt.Errorf("unmapped order type %q", o.Type)
	}

	switch o.TimeInForce {
	case model.OrderTimeInForceDAY, "":
		req.TimeInForce = alpacaapi.Day
	case model.OrderTimeInForceGTC:
		req.TimeInForce = alpacaapi.GTC
	case model.OrderTimeInForceIOC:
		req.TimeInForce = alpacaapi.IOC
	case model.OrderTimeInForceFOK:
		req.TimeInForce = alpacaapi.FOK
	default:
		return req, fmt.Errorf("unmapped time in force %q", o.TimeInForce)
	}
	return req, nil
}

// toEvent normalizes one trade update. Updates that carry no state change
// for the order book (pending_new, replaced acknowledgments and the like)
// are dropped.
func toEvent(venueName string, tu alpacaapi.TradeUpdate) (venue.Event, bool) {
	ev := venue.Event{
		Venue:         venueName,
		VenueOrderID:  tu.Order.ID,
		ClientOrderID: tu.Order.ClientOrderID,
		Symbol:        tu.Order.Symbol,
		At:            tu.At,
	}
	if tu.Order.Side == alpacaapi.Sell {
		ev.Side = model.OrderSideSell
	} else {
		ev.Side = model.OrderSideBuy
	}

	switch tu.Event {
	case "new":
		ev.Kind = venue.EventAck
	case "partial_fill":
		ev.Kind = venue.EventPartialFill
	case "fill":
		ev.Kind = venue.EventFill
	case "canceled":
		ev.Kind = venue.EventCancel
	case "expired":
		ev.Kind = venue.EventExpire
	case "rejected":
		ev.Kind = venue.EventReject
	default:
		return venue.Event{}, false
	}

	if tu.Price != nil {
		ev.FillPrice = *tu.Price
	}
	if tu.Qty != nil {
		ev.FillQuantity = *tu.Qty
	}
	ev.CumQuantity = tu.Order.FilledQty
	if ev.Kind == venue.EventFill && ev.FillPrice.IsZero() && tu.Order.FilledAvgPrice != nil {
		ev.FillPrice = *tu.Order.FilledAvgPrice
	}
	return ev, true
}
