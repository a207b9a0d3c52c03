package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/engine/eventstore"
	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/engine/riskrule"
	"github.com/quantrail/brokerd/pkg/engine/store"
	"github.com/quantrail/brokerd/pkg/logging"
	"github.com/quantrail/brokerd/pkg/venue"
)

// fakeAdapter is a scripted venue for engine tests. Submit behavior is
// programmable per call; events are injected by the test.
type fakeAdapter struct {
	mu         sync.Mutex
	name       string
	submitErrs []error // consumed one per Submit call, nil = success
	submits    []model.Order
	cancels    []venue.OrderRef
	cancelErr  error
	nextID     int
	events     chan venue.Event
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, events: make(chan venue.Event, 64)}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Submit(_ context.Context, o *model.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, *o)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	return fmt.Sprintf("V-%d", f.nextID), nil
}

func (f *fakeAdapter) Modify(_ context.Context, _ venue.OrderRef, _ model.OrderChanges) error {
	return nil
}

func (f *fakeAdapter) Cancel(_ context.Context, ref venue.OrderRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, ref)
	return f.cancelErr
}

func (f *fakeAdapter) Events() <-chan venue.Event { return f.events }

func (f *fakeAdapter) Positions(_ context.Context) ([]model.Position, error) {
	return nil, venue.ErrUnsupported
}

func (f *fakeAdapter) Balances(_ context.Context) (*model.AccountBalances, error) {
	return nil, venue.ErrUnsupported
}

func (f *fakeAdapter) Close(_ context.Context) error {
	close(f.events)
	return nil
}

func (f *fakeAdapter) submittedOrders() []model.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Order, len(f.submits))
	copy(out, f.submits)
	return out
}

func (f *fakeAdapter) canceledRefs() []venue.OrderRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]venue.OrderRef, len(f.cancels))
	copy(out, f.cancels)
	return out
}

func newTestEngine(t *testing.T, fake *fakeAdapter) (*Engine, *eventstore.InMemoryEventStore) {
	t.Helper()
	log := logging.NewLogger(logging.ERROR)
	journal := eventstore.NewInMemoryEventStore(nil)
	rules := []riskrule.RiskRule{riskrule.NewMinQtyRule(decimal.NewFromInt(1))}
	e := New(log, store.New(), journal, rules, nil, DefaultConfig())
	e.AddSession(venue.NewSession(fake.name, 1, fake))
	return e, journal
}

func marketBuy(qty int64) model.PlaceOrder {
	return model.PlaceOrder{
		Venue:    "test",
		Symbol:   "AAPL",
		Side:     model.OrderSideBuy,
		Type:     model.OrderTypeMarket,
		Quantity: decimal.NewFromInt(qty),
	}
}

// Scenario: market buy with take-profit +2% and stop-loss -1%. Parent fill
// submits both children; take-profit fill cancels the stop-loss.
func TestBracketLifecycleOCO(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)
	ctx := context.Background()

	req := marketBuy(100)
	req.Bracket = &model.BracketSpec{
		TakeProfitPct: decimal.NewFromInt(2),
		StopLossPct:   decimal.NewFromInt(1),
	}
	parent, err := e.Place(ctx, req)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if len(parent.ChildIDs) != 2 {
		t.Fatalf("parent has %d children, want 2", len(parent.ChildIDs))
	}

	// never-naked-risk: only the parent has reached the venue so far
	if n := len(fake.submittedOrders()); n != 1 {
		t.Fatalf("venue saw %d submits before parent fill, want 1", n)
	}
	for _, childID := range parent.ChildIDs {
		child, _ := e.Store().Get(childID)
		if child.Status != model.OrderStatusCreated {
			t.Errorf("child %s status = %s before parent fill, want Created", child.Role, child.Status)
		}
	}

	// parent fills at 100.00
	e.Apply(ctx, venue.Event{
		Venue:        "test",
		VenueOrderID: "V-1",
		Kind:         venue.EventFill,
		Symbol:       "AAPL",
		FillQuantity: decimal.NewFromInt(100),
		FillPrice:    decimal.NewFromInt(100),
		At:           time.Now(),
	})

	submits := fake.submittedOrders()
	if len(submits) != 3 {
		t.Fatalf("venue saw %d submits after parent fill, want 3", len(submits))
	}

	var tp, sl model.Order
	for _, childID := range parent.ChildIDs {
		child, _ := e.Store().Get(childID)
		switch child.Role {
		case model.BracketRoleTakeProfit:
			tp = child
		case model.BracketRoleStopLoss:
			sl = child
		}
	}
	if tp.Status != model.OrderStatusAcknowledged && tp.Status != model.OrderStatusSubmitted {
		t.Errorf("take-profit status = %s, want live", tp.Status)
	}
	if !tp.LimitPrice.Equal(decimal.NewFromInt(102)) {
		t.Errorf("take-profit limit = %s, want 102", tp.LimitPrice)
	}
	if !sl.StopPrice.Equal(decimal.NewFromInt(99)) {
		t.Errorf("stop-loss trigger = %s, want 99", sl.StopPrice)
	}
	if tp.Side != model.OrderSideSell || sl.Side != model.OrderSideSell {
		t.Error("bracket children of a buy entry must sell")
	}

	// take-profit fills: sibling cancel goes out (OCO)
	e.Apply(ctx, venue.Event{
		Venue:        "test",
		VenueOrderID: tp.VenueOrderID,
		Kind:         venue.EventFill,
		Symbol:       "AAPL",
		FillQuantity: decimal.NewFromInt(100),
		FillPrice:    decimal.NewFromInt(102),
		At:           time.Now(),
	})

	cancels := fake.canceledRefs()
	if len(cancels) != 1 {
		t.Fatalf("venue saw %d cancels, want 1", len(cancels))
	}
	if cancels[0].VenueOrderID != sl.VenueOrderID {
		t.Errorf("canceled %s, want stop-loss %s", cancels[0].VenueOrderID, sl.VenueOrderID)
	}

	// venue confirms: stop-loss converges to Canceled
	e.Apply(ctx, venue.Event{
		Venue:        "test",
		VenueOrderID: sl.VenueOrderID,
		Kind:         venue.EventCancel,
		Symbol:       "AAPL",
		At:           time.Now(),
	})
	final, _ := e.Store().Get(sl.OrderID)
	if final.Status != model.OrderStatusCanceled {
		t.Errorf("stop-loss final status = %s, want Canceled", final.Status)
	}
}

// An off-cent entry fill must not leak off-tick protective legs to the
// venue: derived child prices snap onto the tick grid, toward the fill,
// and still satisfy the pre-transmission rule set.
func TestBracketChildPricesSnapToTick(t *testing.T) {
	fake := newFakeAdapter("test")
	log := logging.NewLogger(logging.ERROR)
	tick := decimal.NewFromFloat(0.01)
	rules := []riskrule.RiskRule{
		riskrule.NewMinQtyRule(decimal.NewFromInt(1)),
		riskrule.NewTickSizeRule(tick),
	}
	e := New(log, store.New(), eventstore.NewInMemoryEventStore(nil), rules, nil, DefaultConfig())
	e.AddSession(venue.NewSession("test", 1, fake))
	ctx := context.Background()

	req := marketBuy(100)
	req.Bracket = &model.BracketSpec{
		TakeProfitPct: decimal.NewFromInt(2),
		StopLossPct:   decimal.NewFromInt(1),
	}
	parent, err := e.Place(ctx, req)
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	// parent fills off-cent
	e.Apply(ctx, venue.Event{
		Venue:        "test",
		VenueOrderID: "V-1",
		Kind:         venue.EventFill,
		Symbol:       "AAPL",
		FillQuantity: decimal.NewFromInt(100),
		FillPrice:    decimal.NewFromFloat(100.015),
		At:           time.Now(),
	})

	submits := fake.submittedOrders()
	if len(submits) != 3 {
		t.Fatalf("venue saw %d submits after parent fill, want 3", len(submits))
	}
	for _, o := range submits[1:] {
		if err := riskrule.CheckAll(rules, &o); err != nil {
			t.Errorf("venue received %s leg violating pre-transmission checks: %v", o.Role, err)
		}
	}

	for _, childID := range parent.ChildIDs {
		child, _ := e.Store().Get(childID)
		switch child.Role {
		case model.BracketRoleTakeProfit:
			// raw 102.0153 rounds down, toward the fill
			if !child.LimitPrice.Equal(decimal.NewFromFloat(102.01)) {
				t.Errorf("take-profit limit = %s, want 102.01", child.LimitPrice)
			}
		case model.BracketRoleStopLoss:
			// raw 99.01485 rounds up, toward the fill
			if !child.StopPrice.Equal(decimal.NewFromFloat(99.02)) {
				t.Errorf("stop-loss trigger = %s, want 99.02", child.StopPrice)
			}
		}
	}
}

// The stored bracket spec must not outlive the group: it is released when
// the children go out after the parent's fill, and when the entry dies.
func TestBracketSpecReleasedOnResolution(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)
	ctx := context.Background()

	req := marketBuy(100)
	req.Bracket = &model.BracketSpec{TakeProfitPct: decimal.NewFromInt(2)}
	parent, err := e.Place(ctx, req)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, ok := e.brackets.Load(parent.OrderID); !ok {
		t.Fatal("bracket spec not registered at place time")
	}

	e.Apply(ctx, venue.Event{
		Venue:        "test",
		VenueOrderID: "V-1",
		Kind:         venue.EventFill,
		Symbol:       "AAPL",
		FillQuantity: decimal.NewFromInt(100),
		FillPrice:    decimal.NewFromInt(100),
		At:           time.Now(),
	})
	if _, ok := e.brackets.Load(parent.OrderID); ok {
		t.Error("bracket spec retained after children submitted")
	}

	// rejection path releases it too
	fake2 := newFakeAdapter("test")
	fake2.submitErrs = []error{&venue.RejectionError{Venue: "test", Reason: "margin"}}
	e2, _ := newTestEngine(t, fake2)
	req2 := marketBuy(100)
	req2.Bracket = &model.BracketSpec{StopLossPct: decimal.NewFromInt(1)}
	parent2, err := e2.Place(ctx, req2)
	if !venue.IsRejection(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, ok := e2.brackets.Load(parent2.OrderID); ok {
		t.Error("bracket spec retained after entry rejection")
	}
}

// Canceling an entry that never reached the venue cancels its registered
// children with it; the bracket group is atomic on every path.
func TestCancelCreatedEntryCancelsChildren(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)
	ctx := context.Background()

	parent := &model.Order{
		OrderID:       "entry-1",
		ClientOrderID: "c-entry-1",
		Venue:         "test",
		Symbol:        "AAPL",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		TimeInForce:   model.OrderTimeInForceDAY,
		Quantity:      decimal.NewFromInt(100),
		LimitPrice:    decimal.NewFromInt(100),
		Role:          model.BracketRoleEntry,
		Status:        model.OrderStatusCreated,
	}
	if err := e.Store().Create(parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	spec := &model.BracketSpec{
		TakeProfit: decimal.NewFromInt(102),
		StopLoss:   decimal.NewFromInt(99),
	}
	if err := e.createChildren(parent, spec); err != nil {
		t.Fatalf("create children: %v", err)
	}

	if err := e.Cancel(ctx, parent.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	snap, _ := e.Store().Get(parent.OrderID)
	if snap.Status != model.OrderStatusCanceled {
		t.Fatalf("entry status = %s, want Canceled", snap.Status)
	}
	if len(snap.ChildIDs) != 2 {
		t.Fatalf("entry has %d children, want 2", len(snap.ChildIDs))
	}
	for _, childID := range snap.ChildIDs {
		child, _ := e.Store().Get(childID)
		if child.Status != model.OrderStatusCanceled {
			t.Errorf("child %s status = %s, want Canceled", child.Role, child.Status)
		}
	}
	if n := len(fake.submittedOrders()); n != 0 {
		t.Errorf("venue saw %d submits, want 0", n)
	}
}

// Scenario: venue rejects the entry order; no children ever become live
// venue orders.
func TestVenueRejectionKillsChildren(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)
	ctx := context.Background()

	req := model.PlaceOrder{
		Venue:      "test",
		Symbol:     "AAPL",
		Side:       model.OrderSideBuy,
		Type:       model.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(100),
		LimitPrice: decimal.NewFromInt(1), // price outside bands
		Bracket: &model.BracketSpec{
			TakeProfitPct: decimal.NewFromInt(2),
			StopLossPct:   decimal.NewFromInt(1),
		},
	}
	fake.submitErrs = []error{&venue.RejectionError{Venue: "test", Reason: "price outside bands"}}

	placed, err := e.Place(ctx, req)
	if !venue.IsRejection(err) {
		t.Fatalf("expected rejection, got %v", err)
	}

	got, _ := e.Store().Get(placed.OrderID)
	if got.Status != model.OrderStatusRejected {
		t.Errorf("parent status = %s, want Rejected", got.Status)
	}
	if n := len(fake.submittedOrders()); n != 1 {
		t.Errorf("venue saw %d submits, want 1 (parent only)", n)
	}
	for _, childID := range got.ChildIDs {
		child, _ := e.Store().Get(childID)
		if child.Status != model.OrderStatusCanceled {
			t.Errorf("child %s status = %s, want Canceled", child.Role, child.Status)
		}
	}
}

// Scenario: modifying an already-filled order fails with an invalid
// transition and leaves the store unchanged.
func TestModifyFilledOrder(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)
	ctx := context.Background()

	placed, err := e.Place(ctx, marketBuy(50))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	e.Apply(ctx, venue.Event{
		Venue:        "test",
		VenueOrderID: "V-1",
		Kind:         venue.EventFill,
		Symbol:       "AAPL",
		FillQuantity: decimal.NewFromInt(50),
		FillPrice:    decimal.NewFromInt(10),
		At:           time.Now(),
	})

	newQty := decimal.NewFromInt(75)
	_, err = e.Modify(ctx, placed.OrderID, model.OrderChanges{Quantity: &newQty})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := e.Store().Get(placed.OrderID)
	if !got.Quantity.Equal(decimal.NewFromInt(50)) {
		t.Errorf("quantity changed to %s on failed modify", got.Quantity)
	}
	if got.Status != model.OrderStatusFilled {
		t.Errorf("status = %s, want Filled", got.Status)
	}
}

// Scenario: a fill event for an unknown venue order id is recorded as an
// orphan and nothing propagates.
func TestOrphanEventRecorded(t *testing.T) {
	fake := newFakeAdapter("test")
	e, journal := newTestEngine(t, fake)
	ctx := context.Background()

	e.Apply(ctx, venue.Event{
		Venue:        "test",
		VenueOrderID: "V-stranger",
		Kind:         venue.EventFill,
		Symbol:       "TSLA",
		FillQuantity: decimal.NewFromInt(10),
		FillPrice:    decimal.NewFromInt(200),
		At:           time.Now(),
	})

	orphans := journal.Orphans()
	if len(orphans) != 1 {
		t.Fatalf("recorded %d orphans, want 1", len(orphans))
	}
	if orphans[0].VenueOrderID != "V-stranger" {
		t.Errorf("orphan id = %s", orphans[0].VenueOrderID)
	}
	dirty := journal.DirtyVenueSymbols("test")
	if !dirty["TSLA"] {
		t.Error("TSLA should be marked dirty for full-snapshot fallback")
	}
}

// Idempotence: a transport failure followed by success resubmits under the
// same client order id, so the venue can deduplicate.
func TestSubmitRetrySameIdempotencyKey(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)
	ctx := context.Background()

	fake.submitErrs = []error{
		&venue.TransportError{Venue: "test", Err: errors.New("connection reset")},
		nil,
	}
	placed, err := e.Place(ctx, marketBuy(10))
	if err != nil {
		t.Fatalf("place after retry: %v", err)
	}

	submits := fake.submittedOrders()
	if len(submits) != 2 {
		t.Fatalf("venue saw %d submit attempts, want 2", len(submits))
	}
	if submits[0].ClientOrderID != submits[1].ClientOrderID {
		t.Error("retry must reuse the same client order id")
	}
	got, _ := e.Store().Get(placed.OrderID)
	if got.Status != model.OrderStatusAcknowledged {
		t.Errorf("status = %s, want Acknowledged", got.Status)
	}
}

// RejectedByVenue is never retried.
func TestVenueRejectionNotRetried(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)

	fake.submitErrs = []error{&venue.RejectionError{Venue: "test", Reason: "no"}}
	_, err := e.Place(context.Background(), marketBuy(10))
	if !venue.IsRejection(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if n := len(fake.submittedOrders()); n != 1 {
		t.Errorf("venue saw %d submit attempts, want 1", n)
	}
}

// Transport exhaustion rejects locally and surfaces the transport error.
func TestSubmitTransportExhaustion(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)

	for i := 0; i < 10; i++ {
		fake.submitErrs = append(fake.submitErrs,
			&venue.TransportError{Venue: "test", Err: errors.New("down")})
	}
	placed, err := e.Place(context.Background(), marketBuy(10))
	if !venue.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	got, _ := e.Store().Get(placed.OrderID)
	if got.Status != model.OrderStatusRejected {
		t.Errorf("status = %s, want Rejected", got.Status)
	}
}

// Pre-transmission risk violation rejects locally; nothing reaches the wire.
func TestRiskRuleRejection(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)

	_, err := e.Place(context.Background(), marketBuy(0))
	if !venue.IsRejection(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if n := len(fake.submittedOrders()); n != 0 {
		t.Errorf("venue saw %d submits, want 0", n)
	}
}

// Best-effort OCO: a NotFound from the venue (sibling already gone) is
// swallowed.
func TestSiblingCancelSwallowsNotFound(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)
	ctx := context.Background()

	req := marketBuy(100)
	req.Bracket = &model.BracketSpec{
		TakeProfit: decimal.NewFromInt(110),
		StopLoss:   decimal.NewFromInt(95),
	}
	parent, err := e.Place(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	e.Apply(ctx, venue.Event{
		Venue: "test", VenueOrderID: "V-1", Kind: venue.EventFill,
		Symbol: "AAPL", FillQuantity: decimal.NewFromInt(100),
		FillPrice: decimal.NewFromInt(100), At: time.Now(),
	})

	var tp model.Order
	for _, childID := range parent.ChildIDs {
		c, _ := e.Store().Get(childID)
		if c.Role == model.BracketRoleTakeProfit {
			tp = c
		}
	}

	fake.cancelErr = venue.ErrNotFound
	// must not panic or surface anywhere
	e.Apply(ctx, venue.Event{
		Venue: "test", VenueOrderID: tp.VenueOrderID, Kind: venue.EventFill,
		Symbol: "AAPL", FillQuantity: decimal.NewFromInt(100),
		FillPrice: decimal.NewFromInt(110), At: time.Now(),
	})
}

// The reconciliation loop survives malformed events and applies good ones.
func TestReconcilerAppliesAndSurvives(t *testing.T) {
	fake := newFakeAdapter("test")
	e, _ := newTestEngine(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	placed, err := e.Place(ctx, marketBuy(10))
	if err != nil {
		t.Fatal(err)
	}

	sess, _ := e.Session("test")
	rec := NewReconciler(e, sess, 100*time.Millisecond, logging.NewLogger(logging.ERROR))
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	fake.events <- venue.Event{Venue: "test", Kind: venue.EventKind("garbage")}
	fake.events <- venue.Event{
		Venue: "test", VenueOrderID: "V-1", Kind: venue.EventFill,
		Symbol: "AAPL", FillQuantity: decimal.NewFromInt(10),
		FillPrice: decimal.NewFromInt(5), At: time.Now(),
	}

	deadline := time.After(2 * time.Second)
	for {
		got, _ := e.Store().Get(placed.OrderID)
		if got.Status == model.OrderStatusFilled {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("order never filled, status %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
