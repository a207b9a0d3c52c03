package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/engine/eventstore"
	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/engine/store"
	"github.com/quantrail/brokerd/pkg/logging"
	"github.com/quantrail/brokerd/pkg/venue"
)

// snapshotAdapter extends the scripted venue with account state.
type snapshotAdapter struct {
	*fakeAdapter
	positions []model.Position
	balances  *model.AccountBalances
	fetchErr  error
	fetches   int
}

func (s *snapshotAdapter) Positions(_ context.Context) ([]model.Position, error) {
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.positions, nil
}

func (s *snapshotAdapter) Balances(_ context.Context) (*model.AccountBalances, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.balances, nil
}

func newViewFixture(t *testing.T) (*Engine, *snapshotAdapter, *View) {
	t.Helper()
	fake := &snapshotAdapter{
		fakeAdapter: newFakeAdapter("test"),
		positions: []model.Position{{
			Venue: "test", Symbol: "AAPL",
			Quantity: decimal.NewFromInt(100),
			AvgCost:  decimal.NewFromInt(150),
		}},
		balances: &model.AccountBalances{
			Venue:          "test",
			Cash:           decimal.NewFromInt(10000),
			NetLiquidation: decimal.NewFromInt(25000),
			BuyingPower:    decimal.NewFromInt(40000),
		},
	}
	log := logging.NewLogger(logging.ERROR)
	journal := eventstore.NewInMemoryEventStore(nil)
	e := New(log, store.New(), journal, nil, nil, DefaultConfig())
	e.AddSession(venue.NewSession("test", 1, fake))
	view := NewView(e, journal, time.Minute, logging.NewLogger(logging.ERROR))
	return e, fake, view
}

func TestViewAggregatesVenueSnapshot(t *testing.T) {
	_, _, view := newViewFixture(t)

	snap, err := view.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(snap.Positions) != 1 || snap.Positions[0].Symbol != "AAPL" {
		t.Fatalf("positions = %+v", snap.Positions)
	}
	bal, ok := snap.Balances["test"]
	if !ok || !bal.Cash.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("balances = %+v", snap.Balances)
	}
	if _, ok := snap.SourcedAt["test"]; !ok {
		t.Error("missing snapshot timestamp for venue")
	}
}

func TestViewExtendsCachedSnapshotWithFills(t *testing.T) {
	e, fake, view := newViewFixture(t)
	ctx := context.Background()

	if _, err := view.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if fake.fetches != 1 {
		t.Fatalf("fetches = %d, want 1", fake.fetches)
	}

	// a buy of 100 @ 160 confirmed after the snapshot
	placed, err := e.Place(ctx, marketBuy(100))
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := e.Store().Get(placed.OrderID)
	e.Apply(ctx, venue.Event{
		Venue: "test", VenueOrderID: stored.VenueOrderID, Kind: venue.EventFill,
		Symbol: "AAPL", FillQuantity: decimal.NewFromInt(100),
		FillPrice: decimal.NewFromInt(160), At: time.Now(),
	})

	snap, err := view.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fake.fetches != 1 {
		t.Fatalf("fresh cache should not refetch, fetches = %d", fake.fetches)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("positions = %+v", snap.Positions)
	}
	p := snap.Positions[0]
	if !p.Quantity.Equal(decimal.NewFromInt(200)) {
		t.Errorf("quantity = %s, want 200", p.Quantity)
	}
	// 100@150 + 100@160 blends to 155
	if !p.AvgCost.Equal(decimal.NewFromInt(155)) {
		t.Errorf("avg cost = %s, want 155", p.AvgCost)
	}
}

func TestViewOrphanForcesFullRefetch(t *testing.T) {
	e, fake, view := newViewFixture(t)
	ctx := context.Background()

	if _, err := view.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	// an unattributable fill marks the symbol dirty
	e.Apply(ctx, venue.Event{
		Venue: "test", VenueOrderID: "V-unknown", Kind: venue.EventFill,
		Symbol: "AAPL", FillQuantity: decimal.NewFromInt(5),
		FillPrice: decimal.NewFromInt(150), At: time.Now(),
	})

	if _, err := view.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if fake.fetches != 2 {
		t.Fatalf("dirty venue must refetch, fetches = %d", fake.fetches)
	}

	// dirty flag cleared: next refresh within the TTL serves from cache
	if _, err := view.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if fake.fetches != 2 {
		t.Fatalf("fetches = %d after clean refresh, want 2", fake.fetches)
	}
}

func TestViewServesStaleOnFetchFailure(t *testing.T) {
	e, fake, view := newViewFixture(t)
	ctx := context.Background()

	if _, err := view.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	// force a refetch path, then break the venue
	e.Apply(ctx, venue.Event{
		Venue: "test", VenueOrderID: "V-unknown", Kind: venue.EventFill,
		Symbol: "AAPL", FillQuantity: decimal.NewFromInt(5),
		FillPrice: decimal.NewFromInt(150), At: time.Now(),
	})
	fake.fetchErr = &venue.TransportError{Venue: "test", Err: errors.New("gateway down")}

	snap, err := view.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Positions) != 1 || !snap.Positions[0].Quantity.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("stale positions not served: %+v", snap.Positions)
	}
}

func TestMergeFillsSellReducesAtUnchangedCost(t *testing.T) {
	base := []model.Position{{
		Venue: "test", Symbol: "MSFT",
		Quantity: decimal.NewFromInt(50),
		AvgCost:  decimal.NewFromInt(300),
	}}
	fills := []model.Fill{{
		Venue: "test", Symbol: "MSFT", Side: model.OrderSideSell,
		Quantity: decimal.NewFromInt(20), Price: decimal.NewFromInt(320),
	}}
	merged := mergeFills(base, "test", fills)
	if len(merged) != 1 {
		t.Fatalf("merged = %+v", merged)
	}
	if !merged[0].Quantity.Equal(decimal.NewFromInt(30)) {
		t.Errorf("quantity = %s, want 30", merged[0].Quantity)
	}
	if !merged[0].AvgCost.Equal(decimal.NewFromInt(300)) {
		t.Errorf("avg cost = %s, want 300", merged[0].AvgCost)
	}
}
