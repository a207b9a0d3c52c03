package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrail/brokerd/pkg/engine/eventstore"
	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/engine/store"
	"github.com/quantrail/brokerd/pkg/logging"
	"github.com/quantrail/brokerd/pkg/venue"
)

// View is the read-only position/account projection. Totals are always
// derived from (venue snapshot, fills since snapshot) rather than
// accumulated incrementally, so missed events cannot cause drift.
type View struct {
	engine  *Engine
	store   *store.Store
	journal eventstore.EventStore
	log     *logging.Logger

	// snapshotTTL bounds how long a venue snapshot is extended with fills
	// before being refetched.
	snapshotTTL time.Duration

	mu    sync.Mutex
	cache map[string]*venueSnapshot
}

type venueSnapshot struct {
	balances  *model.AccountBalances
	positions []model.Position
	at        time.Time
}

func NewView(e *Engine, journal eventstore.EventStore, snapshotTTL time.Duration, log *logging.Logger) *View {
	return &View{
		engine:      e,
		store:       e.Store(),
		journal:     journal,
		log:         log,
		snapshotTTL: snapshotTTL,
		cache:       make(map[string]*venueSnapshot),
	}
}

// Refresh rebuilds the multi-venue snapshot. A venue whose symbols saw
// orphan events is refetched in full — incremental merge is not trusted
// for state this process did not originate.
func (v *View) Refresh(ctx context.Context) (*model.AccountSnapshot, error) {
	out := &model.AccountSnapshot{
		Balances:  make(map[string]model.AccountBalances),
		SourcedAt: make(map[string]time.Time),
	}

	for _, sess := range v.engine.Sessions() {
		snap, err := v.venueView(ctx, sess)
		if err != nil {
			v.log.Warn(ctx, "venue view unavailable",
				zap.String("venue", sess.Venue), zap.Error(err))
			continue
		}
		if snap.balances != nil {
			out.Balances[sess.Venue] = *snap.balances
		}
		out.Positions = append(out.Positions, snap.positions...)
		out.SourcedAt[sess.Venue] = snap.at
	}
	return out, nil
}

// venueView returns the per-venue projection, refetching the snapshot when
// it is stale or dirty, otherwise extending the cached one with confirmed
// fills recorded since it was taken.
func (v *View) venueView(ctx context.Context, sess *venue.Session) (*venueSnapshot, error) {
	v.mu.Lock()
	cached := v.cache[sess.Venue]
	v.mu.Unlock()

	dirty := v.journal.DirtyVenueSymbols(sess.Venue)
	fresh := cached != nil && time.Since(cached.at) < v.snapshotTTL

	if fresh && len(dirty) == 0 {
		merged := *cached
		merged.positions = mergeFills(cached.positions, sess.Venue,
			v.store.FillsSince(sess.Venue, cached.at))
		return &merged, nil
	}

	// full-snapshot fallback
	snap, err := v.fetch(ctx, sess)
	if err != nil {
		if cached != nil {
			// serve the stale view rather than nothing; staleness is
			// explicit in the timestamp
			return cached, nil
		}
		return nil, err
	}
	v.journal.ClearDirty(sess.Venue)

	v.mu.Lock()
	v.cache[sess.Venue] = snap
	v.mu.Unlock()
	return snap, nil
}

func (v *View) fetch(ctx context.Context, sess *venue.Session) (*venueSnapshot, error) {
	snap := &venueSnapshot{at: time.Now()}

	balances, err := sess.Adapter.Balances(ctx)
	switch {
	case err == nil:
		snap.balances = balances
	case errors.Is(err, venue.ErrUnsupported):
		// partial availability is expected per venue
	default:
		return nil, err
	}

	positions, err := sess.Adapter.Positions(ctx)
	switch {
	case err == nil:
		snap.positions = positions
	case errors.Is(err, venue.ErrUnsupported):
	default:
		return nil, err
	}
	return snap, nil
}

// mergeFills folds confirmed fills into a position set. Buys extend the
// holding at a blended cost; sells reduce it at unchanged cost.
func mergeFills(positions []model.Position, venueName string, fills []model.Fill) []model.Position {
	if len(fills) == 0 {
		return positions
	}

	bySymbol := make(map[string]model.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}

	for _, f := range fills {
		p, ok := bySymbol[f.Symbol]
		if !ok {
			p = model.Position{Venue: venueName, Symbol: f.Symbol}
		}
		switch f.Side {
		case model.OrderSideBuy:
			total := p.Quantity.Add(f.Quantity)
			if total.IsPositive() {
				notional := p.AvgCost.Mul(p.Quantity).Add(f.Price.Mul(f.Quantity))
				p.AvgCost = notional.Div(total)
			}
			p.Quantity = total
		case model.OrderSideSell:
			p.Quantity = p.Quantity.Sub(f.Quantity)
		}
		bySymbol[f.Symbol] = p
	}

	merged := make([]model.Position, 0, len(bySymbol))
	for _, p := range bySymbol {
		if p.Quantity.Equal(decimal.Zero) && p.AvgCost.IsZero() {
			continue
		}
		merged = append(merged, p)
	}
	return merged
}
