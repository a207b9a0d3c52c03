package alpaca

import (
	"context"
	"errors"
	"testing"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/logging"
	"github.com/quantrail/brokerd/pkg/venue"
)

type fakeClient struct {
	placed    []alpacaapi.PlaceOrderRequest
	placeErr  error
	canceled  []string
	cancelErr error
	updates   chan alpacaapi.TradeUpdate
}

func newFakeClient() *fakeClient {
	return &fakeClient{updates: make(chan alpacaapi.TradeUpdate)}
}

func (f *fakeClient) PlaceOrder(req alpacaapi.PlaceOrderRequest) (*alpacaapi.Order, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &alpacaapi.Order{ID: "alp-1", ClientOrderID: req.ClientOrderID}, nil
}

func (f *fakeClient) ReplaceOrder(orderID string, _ alpacaapi.ReplaceOrderRequest) (*alpacaapi.Order, error) {
	return &alpacaapi.Order{ID: orderID}, nil
}

func (f *fakeClient) CancelOrder(orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return f.cancelErr
}

func (f *fakeClient) GetPositions() ([]alpacaapi.Position, error) {
	pnl := decimal.NewFromInt(50)
	return []alpacaapi.Position{{
		Symbol:        "AAPL",
		Qty:           decimal.NewFromInt(10),
		AvgEntryPrice: decimal.NewFromInt(150),
		UnrealizedPL:  &pnl,
	}}, nil
}

func (f *fakeClient) GetAccount() (*alpacaapi.Account, error) {
	return &alpacaapi.Account{
		Cash:        decimal.NewFromInt(10000),
		Equity:      decimal.NewFromInt(11500),
		BuyingPower: decimal.NewFromInt(20000),
	}, nil
}

func (f *fakeClient) StreamTradeUpdates(ctx context.Context, handler func(alpacaapi.TradeUpdate), _ alpacaapi.StreamTradeUpdatesRequest) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tu := <-f.updates:
			handler(tu)
		}
	}
}

func newTestVenue(t *testing.T) (*Venue, *fakeClient) {
	t.Helper()
	fc := newFakeClient()
	v := New("alpaca", fc, logging.NewLogger(logging.ERROR))
	t.Cleanup(func() { _ = v.Close(context.Background()) })
	return v, fc
}

func TestSubmitMapsOrder(t *testing.T) {
	v, fc := newTestVenue(t)

	id, err := v.Submit(context.Background(), &model.Order{
		OrderID:       "o1",
		ClientOrderID: "c1",
		Symbol:        "AAPL",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		TimeInForce:   model.OrderTimeInForceGTC,
		Quantity:      decimal.NewFromInt(10),
		LimitPrice:    decimal.NewFromInt(150),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "alp-1" {
		t.Errorf("venue order id = %s", id)
	}

	req := fc.placed[0]
	if req.Symbol != "AAPL" || req.Side != alpacaapi.Buy || req.Type != alpacaapi.Limit {
		t.Errorf("mapped request = %+v", req)
	}
	if req.TimeInForce != alpacaapi.GTC {
		t.Errorf("time in force = %s, want gtc", req.TimeInForce)
	}
	if req.ClientOrderID != "c1" {
		t.Errorf("client order id = %s", req.ClientOrderID)
	}
	if req.LimitPrice == nil || !req.LimitPrice.Equal(decimal.NewFromInt(150)) {
		t.Errorf("limit price = %v", req.LimitPrice)
	}
}

func TestSubmitAPIErrorIsRejection(t *testing.T) {
	v, fc := newTestVenue(t)
	fc.placeErr = &alpacaapi.APIError{StatusCode: 422, Message: "insufficient buying power"}

	_, err := v.Submit(context.Background(), &model.Order{
		OrderID: "o1", Symbol: "AAPL",
		Side: model.OrderSideBuy, Type: model.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1_000_000),
	})
	if !venue.IsRejection(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestSubmitNetworkErrorIsTransport(t *testing.T) {
	v, fc := newTestVenue(t)
	fc.placeErr = errors.New("dial tcp: connection refused")

	_, err := v.Submit(context.Background(), &model.Order{
		OrderID: "o1", Symbol: "AAPL",
		Side: model.OrderSideBuy, Type: model.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1),
	})
	if !venue.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestCancelUnknownOrderIsNotFound(t *testing.T) {
	v, fc := newTestVenue(t)
	fc.cancelErr = &alpacaapi.APIError{StatusCode: 404, Message: "order not found"}

	err := v.Cancel(context.Background(), venue.OrderRef{VenueOrderID: "alp-gone"})
	if !errors.Is(err, venue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTradeUpdateStream(t *testing.T) {
	v, fc := newTestVenue(t)

	qty := decimal.NewFromInt(4)
	price := decimal.NewFromInt(151)
	fc.updates <- alpacaapi.TradeUpdate{
		At:    time.Now(),
		Event: "partial_fill",
		Qty:   &qty,
		Price: &price,
		Order: alpacaapi.Order{
			ID:            "alp-1",
			ClientOrderID: "c1",
			Symbol:        "AAPL",
			Side:          alpacaapi.Buy,
			FilledQty:     decimal.NewFromInt(4),
		},
	}

	select {
	case ev := <-v.Events():
		if ev.Kind != venue.EventPartialFill {
			t.Errorf("kind = %s", ev.Kind)
		}
		if !ev.FillQuantity.Equal(qty) || !ev.FillPrice.Equal(price) {
			t.Errorf("fill = %s @ %s", ev.FillQuantity, ev.FillPrice)
		}
		if !ev.CumQuantity.Equal(decimal.NewFromInt(4)) {
			t.Errorf("cum = %s", ev.CumQuantity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event from stream")
	}
}

func TestNonLifecycleUpdatesDropped(t *testing.T) {
	if _, ok := toEvent("alpaca", alpacaapi.TradeUpdate{Event: "pending_new"}); ok {
		t.Error("pending_new should not produce an event")
	}
	if _, ok := toEvent("alpaca", alpacaapi.TradeUpdate{Event: "replaced"}); ok {
		t.Error("replaced should not produce an event")
	}
}

func TestPositionsAndBalances(t *testing.T) {
	v, _ := newTestVenue(t)
	ctx := context.Background()

	positions, err := v.Positions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].Venue != "alpaca" {
		t.Fatalf("positions = %+v", positions)
	}
	if !positions[0].AvgCost.Equal(decimal.NewFromInt(150)) {
		t.Errorf("avg cost = %s", positions[0].AvgCost)
	}

	bal, err := v.Balances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bal.NetLiquidation.Equal(decimal.NewFromInt(11500)) {
		t.Errorf("net liquidation = %s", bal.NetLiquidation)
	}
}
