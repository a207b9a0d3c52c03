// Package engine accepts venue-agnostic order requests, routes them to the
// right venue adapter, tracks every order's lifecycle in the state store,
// and enforces bracket-order invariants across asynchronous venue events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrail/brokerd/pkg/engine/eventstore"
	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/engine/riskrule"
	"github.com/quantrail/brokerd/pkg/engine/store"
	"github.com/quantrail/brokerd/pkg/logging"
	"github.com/quantrail/brokerd/pkg/venue"
)

var (
	ErrUnknownVenue      = errors.New("unknown venue")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("order state does not admit this request")
)

// Config tunes the engine's retry and retention behavior.
type Config struct {
	// MaxSubmitRetries bounds resubmission after a transport failure.
	MaxSubmitRetries uint64
	// Retention keeps terminal orders visible for audit before eviction.
	Retention time.Duration
	// DedupTTL bounds the idempotency-key cache entries.
	DedupTTL time.Duration
}

// DefaultConfig mirrors the values used in production configs.
func DefaultConfig() Config {
	return Config{
		MaxSubmitRetries: 3,
		Retention:        4 * time.Hour,
		DedupTTL:         24 * time.Hour,
	}
}

// Engine is the unified order execution engine.
type Engine struct {
	log      *logging.Logger
	store    *store.Store
	journal  eventstore.EventStore
	sessions map[string]*venue.Session
	rules    []riskrule.RiskRule
	dedup    *redis.Client // optional; nil disables the cross-restart dedup cache
	cfg      Config

	brackets sync.Map // parent order id -> *model.BracketSpec

	stopCh    chan struct{}
	cleanOnce sync.Once
}

// New wires an engine. dedup may be nil.
func New(log *logging.Logger, st *store.Store, journal eventstore.EventStore, rules []riskrule.RiskRule, dedup *redis.Client, cfg Config) *Engine {
	return &Engine{
		log:      log,
		store:    st,
		journal:  journal,
		sessions: make(map[string]*venue.Session),
		rules:    rules,
		dedup:    dedup,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// AddSession registers a venue session. Called once per venue at startup,
// before any request handling begins.
func (e *Engine) AddSession(s *venue.Session) {
	e.sessions[s.Venue] = s
}

// Session returns the session for a venue.
func (e *Engine) Session(name string) (*venue.Session, error) {
	s, ok := e.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return s, nil
}

// Sessions returns all registered sessions.
func (e *Engine) Sessions() []*venue.Session {
	out := make([]*venue.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// Store exposes read access to the order state store.
func (e *Engine) Store() *store.Store { return e.store }

// StartCleaner evicts terminal orders past the retention window.
func (e *Engine) StartCleaner(interval time.Duration) {
	e.cleanOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := e.store.EvictTerminal(e.cfg.Retention); n > 0 {
						e.log.Debug(context.Background(), "evicted terminal orders", zap.Int("count", n))
					}
				case <-e.stopCh:
					return
				}
			}
		}()
	})
}

// Stop halts background work. Sessions are closed by their owners.
func (e *Engine) Stop() {
	close(e.stopCh)
}

// Place creates and submits an entry order. When a bracket spec is present
// the take-profit/stop-loss children are created immediately but their
// submission is deferred until the parent fills; children must never reach
// a venue while the entry could still be rejected.
func (e *Engine) Place(ctx context.Context, req model.PlaceOrder) (model.Order, error) {
	sess, err := e.Session(req.Venue)
	if err != nil {
		return model.Order{}, err
	}
	if req.Side != model.OrderSideBuy && req.Side != model.OrderSideSell {
		return model.Order{}, &venue.RejectionError{Venue: req.Venue,
			Reason: fmt.Sprintf("invalid side %q", req.Side)}
	}

	order := &model.Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: uuid.NewString(),
		Venue:         req.Venue,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Role:          model.BracketRoleEntry,
		Status:        model.OrderStatusCreated,
	}
	if order.TimeInForce == "" {
		order.TimeInForce = model.OrderTimeInForceDAY
	}
	if order.Type == "" {
		order.Type = model.OrderTypeMarket
	}

	if err := e.store.Create(order); err != nil {
		return model.Order{}, err
	}

	if err := riskrule.CheckAll(e.rules, order); err != nil {
		rejected, _ := e.store.Transition(order.OrderID, model.OrderStatusRejected,
			store.Evidence{Reason: err.Error()})
		e.journal.Append(model.NewOrderEvent(rejected, time.Now()))
		return rejected, &venue.RejectionError{Venue: req.Venue, OrderID: order.OrderID, Reason: err.Error()}
	}

	if req.Bracket != nil {
		if err := e.createChildren(order, req.Bracket); err != nil {
			rejected, _ := e.store.Transition(order.OrderID, model.OrderStatusRejected,
				store.Evidence{Reason: err.Error()})
			e.journal.Append(model.NewOrderEvent(rejected, time.Now()))
			return rejected, err
		}
		e.brackets.Store(order.OrderID, req.Bracket)
	}

	if err := e.submit(ctx, sess, order.OrderID); err != nil {
		snap, _ := e.store.Get(order.OrderID)
		return snap, err
	}

	snap, _ := e.store.Get(order.OrderID)
	return snap, nil
}

// createChildren registers the deferred bracket legs. Prices resolved as
// percent offsets stay zero until the parent's fill price is known.
func (e *Engine) createChildren(parent *model.Order, spec *model.BracketSpec) error {
	if spec.HasTakeProfit() {
		child := &model.Order{
			OrderID:       uuid.NewString(),
			ClientOrderID: uuid.NewString(),
			Venue:         parent.Venue,
			Symbol:        parent.Symbol,
			Side:          parent.Side.Opposite(),
			Type:          model.OrderTypeLimit,
			TimeInForce:   model.OrderTimeInForceGTC,
			Quantity:      parent.Quantity,
			LimitPrice:    spec.TakeProfit,
			Role:          model.BracketRoleTakeProfit,
			ParentID:      parent.OrderID,
			Status:        model.OrderStatusCreated,
		}
		if err := e.store.Create(child); err != nil {
			return err
		}
	}
	if spec.HasStopLoss() {
		child := &model.Order{
			OrderID:       uuid.NewString(),
			ClientOrderID: uuid.NewString(),
			Venue:         parent.Venue,
			Symbol:        parent.Symbol,
			Side:          parent.Side.Opposite(),
			Type:          model.OrderTypeStop,
			TimeInForce:   model.OrderTimeInForceGTC,
			Quantity:      parent.Quantity,
			StopPrice:     spec.StopLoss,
			Role:          model.BracketRoleStopLoss,
			ParentID:      parent.OrderID,
			Status:        model.OrderStatusCreated,
		}
		if err := e.store.Create(child); err != nil {
			return err
		}
	}
	return nil
}

// submit transitions the order to Submitted and transmits it with bounded
// retry. Transport failures are retried under the same client order id;
// venue rejections are terminal.
func (e *Engine) submit(ctx context.Context, sess *venue.Session, orderID string) error {
	snap, err := e.store.Get(orderID)
	if err != nil {
		return err
	}

	submitted, err := e.store.Transition(orderID, model.OrderStatusSubmitted, store.Evidence{})
	if err != nil {
		return fmt.Errorf("%w: submit %s", ErrInvalidTransition, snap.Status)
	}
	e.journal.Append(model.NewOrderEvent(submitted, time.Now()))

	// A cached venue id means this client order id already reached the
	// venue in a previous attempt or process incarnation.
	if venueID, ok := e.lookupDedup(ctx, submitted.ClientOrderID); ok {
		e.log.Info(ctx, "submit deduplicated",
			zap.String("order_id", orderID), zap.String("venue_order_id", venueID))
		if venueID != "" {
			_, _ = e.store.Transition(orderID, model.OrderStatusAcknowledged,
				store.Evidence{VenueOrderID: venueID})
		}
		return nil
	}

	var venueOrderID string
	op := func() error {
		id, err := sess.Adapter.Submit(ctx, &submitted)
		if err != nil {
			if venue.IsTransport(err) {
				e.log.Warn(ctx, "submit transport failure, retrying",
					zap.String("order_id", orderID), zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		venueOrderID = id
		return nil
	}

	boff := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.cfg.MaxSubmitRetries), ctx)
	if err := backoff.Retry(op, boff); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		rejected, terr := e.store.Transition(orderID, model.OrderStatusRejected,
			store.Evidence{Reason: err.Error()})
		if terr == nil {
			e.journal.Append(model.NewOrderEvent(rejected, time.Now()))
			e.cancelChildren(ctx, sess, rejected)
		}
		if venue.IsRejection(err) || venue.IsTransport(err) {
			return err
		}
		return &venue.RejectionError{Venue: sess.Venue, OrderID: orderID, Reason: err.Error()}
	}

	e.storeDedup(ctx, submitted.ClientOrderID, venueOrderID)
	if venueOrderID != "" {
		// bind early; the ack stream event confirming the same id will be
		// dropped as a stale redelivery
		acked, err := e.store.Transition(orderID, model.OrderStatusAcknowledged,
			store.Evidence{VenueOrderID: venueOrderID})
		if err == nil {
			e.journal.Append(model.NewOrderEvent(acked, time.Now()))
		}
	}
	return nil
}

// Modify replaces price/quantity of a live order. Legal only while the
// order is Submitted, Acknowledged or PartiallyFilled.
func (e *Engine) Modify(ctx context.Context, orderID string, changes model.OrderChanges) (model.Order, error) {
	snap, err := e.store.Get(orderID)
	if err != nil {
		return model.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !snap.CanModify() {
		return snap, fmt.Errorf("%w: modify in state %s", ErrInvalidTransition, snap.Status)
	}
	if changes.Empty() {
		return snap, nil
	}

	sess, err := e.Session(snap.Venue)
	if err != nil {
		return snap, err
	}
	if err := sess.Adapter.Modify(ctx, venue.Ref(snap), changes); err != nil {
		return snap, err
	}
	if err := e.store.ApplyChanges(orderID, changes); err != nil {
		return snap, err
	}
	updated, _ := e.store.Get(orderID)
	e.journal.Append(model.NewOrderEvent(updated, time.Now()))
	return updated, nil
}

// Cancel requests cancellation. A still-created order (a deferred bracket
// child, or an entry that never left the process) cancels locally; live
// orders go through the venue and confirm via the event stream.
func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	snap, err := e.store.Get(orderID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !snap.CanCancel() {
		return fmt.Errorf("%w: cancel in state %s", ErrInvalidTransition, snap.Status)
	}

	if snap.Status == model.OrderStatusCreated {
		canceled, err := e.store.Transition(orderID, model.OrderStatusCanceled,
			store.Evidence{Reason: "canceled before submission"})
		if err != nil {
			return err
		}
		e.journal.Append(model.NewOrderEvent(canceled, time.Now()))
		// bracket atomicity holds on the pre-submission path too
		if len(canceled.ChildIDs) > 0 {
			if sess, serr := e.Session(canceled.Venue); serr == nil {
				e.cancelChildren(ctx, sess, canceled)
			}
		}
		return nil
	}

	sess, err := e.Session(snap.Venue)
	if err != nil {
		return err
	}
	if err := sess.Adapter.Cancel(ctx, venue.Ref(snap)); err != nil {
		return err
	}
	// bracket group is atomic for cancellation: an entry cancel takes the
	// unfilled children with it
	e.cancelChildren(ctx, sess, snap)
	return nil
}

// Apply ingests one normalized venue event. Called only by the venue's
// reconciliation loop; transitions for one order arrive in stream order.
func (e *Engine) Apply(ctx context.Context, ev venue.Event) {
	orderID, ok := e.resolve(ev)
	if !ok {
		e.log.Warn(ctx, "orphan venue event",
			zap.String("venue", ev.Venue),
			zap.String("venue_order_id", ev.VenueOrderID),
			zap.String("kind", string(ev.Kind)))
		e.journal.RecordOrphan(ev)
		return
	}

	next, ok := statusFor(ev.Kind)
	if !ok {
		e.log.Warn(ctx, "unrecognized venue event kind",
			zap.String("venue", ev.Venue), zap.String("kind", string(ev.Kind)))
		return
	}

	updated, err := e.store.Transition(orderID, next, store.Evidence{
		VenueOrderID: ev.VenueOrderID,
		FillQuantity: ev.FillQuantity,
		FillPrice:    ev.FillPrice,
		CumQuantity:  ev.CumQuantity,
		Reason:       ev.Reason,
		At:           ev.At,
	})
	if err != nil {
		// stale redelivery or out-of-order event; dropped by contract
		e.log.Debug(ctx, "dropped illegal transition",
			zap.String("order_id", orderID),
			zap.String("next", string(next)),
			zap.Error(err))
		return
	}
	e.journal.Append(model.NewOrderEvent(updated, ev.At))

	sess, err := e.Session(ev.Venue)
	if err != nil {
		return
	}
	e.applyBracketHooks(ctx, sess, updated)
}

func statusFor(kind venue.EventKind) (model.OrderStatus, bool) {
	switch kind {
	case venue.EventAck:
		return model.OrderStatusAcknowledged, true
	case venue.EventReject:
		return model.OrderStatusRejected, true
	case venue.EventPartialFill:
		return model.OrderStatusPartiallyFilled, true
	case venue.EventFill:
		return model.OrderStatusFilled, true
	case venue.EventCancel:
		return model.OrderStatusCanceled, true
	case venue.EventExpire:
		return model.OrderStatusExpired, true
	}
	return "", false
}

func (e *Engine) resolve(ev venue.Event) (string, bool) {
	if ev.VenueOrderID != "" {
		if id, ok := e.store.ResolveVenueOrder(ev.Venue, ev.VenueOrderID); ok {
			return id, true
		}
	}
	if ev.ClientOrderID != "" {
		if id, ok := e.store.ResolveClientOrder(ev.ClientOrderID); ok {
			return id, true
		}
	}
	return "", false
}

// applyBracketHooks runs the bracket consequences of an applied transition.
func (e *Engine) applyBracketHooks(ctx context.Context, sess *venue.Session, o model.Order) {
	if o.IsEntry() {
		switch o.Status {
		case model.OrderStatusFilled:
			// full-fill-triggers-children policy
			e.submitChildren(ctx, sess, o)
		case model.OrderStatusRejected, model.OrderStatusCanceled, model.OrderStatusExpired:
			e.cancelChildren(ctx, sess, o)
		}
		return
	}
	if o.Status == model.OrderStatusFilled {
		e.cancelSibling(ctx, sess, o)
	}
}

// submitChildren sends the deferred protective legs after the entry fills,
// resolving percent offsets against the entry's average fill price.
func (e *Engine) submitChildren(ctx context.Context, sess *venue.Session, parent model.Order) {
	specVal, _ := e.brackets.Load(parent.OrderID)
	spec, _ := specVal.(*model.BracketSpec)
	// child prices are resolved below; the spec has served its purpose
	defer e.brackets.Delete(parent.OrderID)

	for _, childID := range parent.ChildIDs {
		child, err := e.store.Get(childID)
		if err != nil || child.Status != model.OrderStatusCreated {
			continue
		}

		if spec != nil {
			fillPrice := parent.AvgFillPrice
			if fillPrice.IsZero() {
				fillPrice = parent.LimitPrice
			}
			tick := riskrule.TickOf(e.rules)
			var changes model.OrderChanges
			switch child.Role {
			case model.BracketRoleTakeProfit:
				if child.LimitPrice.IsZero() {
					price := roundTowardFill(spec.TakeProfitPrice(parent.Side, fillPrice), fillPrice, tick)
					changes.LimitPrice = &price
				}
			case model.BracketRoleStopLoss:
				if child.StopPrice.IsZero() {
					price := roundTowardFill(spec.StopLossPrice(parent.Side, fillPrice), fillPrice, tick)
					changes.StopPrice = &price
				}
			}
			if !changes.Empty() {
				_ = e.store.ApplyChanges(childID, changes)
			}
		}

		// the children skipped the pre-transmission checks at Place time;
		// their prices exist only now
		resolved, err := e.store.Get(childID)
		if err != nil {
			continue
		}
		if err := riskrule.CheckAll(e.rules, &resolved); err != nil {
			rejected, terr := e.store.Transition(childID, model.OrderStatusRejected,
				store.Evidence{Reason: err.Error()})
			if terr == nil {
				e.journal.Append(model.NewOrderEvent(rejected, time.Now()))
			}
			e.log.Error(ctx, "bracket child failed pre-transmission checks",
				zap.String("parent_id", parent.OrderID),
				zap.String("child_id", childID),
				zap.Error(err))
			continue
		}

		if err := e.submit(ctx, sess, childID); err != nil {
			e.log.Error(ctx, "bracket child submission failed",
				zap.String("parent_id", parent.OrderID),
				zap.String("child_id", childID),
				zap.Error(err))
		}
	}
}

// roundTowardFill snaps a derived child price onto the venue's tick grid.
// Rounding toward the fill keeps the protective leg no further from the
// position than the requested offset.
func roundTowardFill(price, fill, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() || price.Mod(tick).IsZero() {
		return price
	}
	ticks := price.Div(tick)
	if price.GreaterThan(fill) {
		return ticks.Floor().Mul(tick)
	}
	return ticks.Ceil().Mul(tick)
}

// cancelChildren cancels all unfilled children of an entry order. Created
// children cancel locally; live ones go through the venue best-effort.
func (e *Engine) cancelChildren(ctx context.Context, sess *venue.Session, parent model.Order) {
	e.brackets.Delete(parent.OrderID)
	for _, childID := range parent.ChildIDs {
		child, err := e.store.Get(childID)
		if err != nil || child.Status.Terminal() {
			continue
		}
		if child.Status == model.OrderStatusCreated {
			canceled, err := e.store.Transition(childID, model.OrderStatusCanceled,
				store.Evidence{Reason: "parent order terminated"})
			if err == nil {
				e.journal.Append(model.NewOrderEvent(canceled, time.Now()))
			}
			continue
		}
		if err := sess.Adapter.Cancel(ctx, venue.Ref(child)); err != nil {
			// the venue may have terminated it independently
			e.log.Debug(ctx, "best-effort child cancel",
				zap.String("child_id", childID), zap.Error(err))
		}
	}
}

// cancelSibling enforces one-cancels-other: when one protective leg fills,
// the other is canceled best-effort. NotFound and InvalidTransition from
// the venue are expected races and swallowed.
func (e *Engine) cancelSibling(ctx context.Context, sess *venue.Session, child model.Order) {
	parent, err := e.store.Get(child.ParentID)
	if err != nil {
		return
	}
	for _, siblingID := range parent.ChildIDs {
		if siblingID == child.OrderID {
			continue
		}
		sibling, err := e.store.Get(siblingID)
		if err != nil || sibling.Status.Terminal() {
			continue
		}
		if sibling.Status == model.OrderStatusCreated {
			canceled, err := e.store.Transition(siblingID, model.OrderStatusCanceled,
				store.Evidence{Reason: "sibling leg filled"})
			if err == nil {
				e.journal.Append(model.NewOrderEvent(canceled, time.Now()))
			}
			continue
		}
		if err := sess.Adapter.Cancel(ctx, venue.Ref(sibling)); err != nil {
			if errors.Is(err, venue.ErrNotFound) || errors.Is(err, venue.ErrInvalidTransition) {
				continue
			}
			e.log.Warn(ctx, "sibling cancel failed",
				zap.String("sibling_id", siblingID), zap.Error(err))
		}
	}
}

func (e *Engine) dedupKey(clientOrderID string) string {
	return "brokerd:submit:" + clientOrderID
}

func (e *Engine) lookupDedup(ctx context.Context, clientOrderID string) (string, bool) {
	if e.dedup == nil {
		return "", false
	}
	val, err := e.dedup.Get(ctx, e.dedupKey(clientOrderID)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (e *Engine) storeDedup(ctx context.Context, clientOrderID, venueOrderID string) {
	if e.dedup == nil {
		return
	}
	if err := e.dedup.SetNX(ctx, e.dedupKey(clientOrderID), venueOrderID, e.cfg.DedupTTL).Err(); err != nil {
		e.log.Warn(ctx, "dedup cache write failed", zap.Error(err))
	}
}
