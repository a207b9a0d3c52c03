// Package fixgw adapts a FIX 4.4 execution gateway to the venue interface.
// Orders go out as NewOrderSingle / OrderCancelReplaceRequest /
// OrderCancelRequest; all confirmations come back asynchronously as
// ExecutionReports, so Submit never returns a venue order id.
package fixgw

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/quickfixgo/enum"
	"github.com/quickfixgo/field"
	"github.com/quickfixgo/fix44/executionreport"
	"github.com/quickfixgo/fix44/newordersingle"
	"github.com/quickfixgo/fix44/ordercancelreplacerequest"
	"github.com/quickfixgo/fix44/ordercancelrequest"
	"github.com/quickfixgo/quickfix"
	qlog "github.com/quickfixgo/quickfix/log/file"
	"go.uber.org/zap"

	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/logging"
	"github.com/quantrail/brokerd/pkg/venue"
)

// Compile-time interface check.
var _ venue.Adapter = (*Venue)(nil)

type Config struct {
	// Name identifies the venue in the engine's session table.
	Name string
	// ConfigFilepath points at the quickfix initiator settings file.
	ConfigFilepath string
}

type Venue struct {
	cfg       Config
	log       *logging.Logger
	app       *application
	initiator *quickfix.Initiator

	events chan venue.Event
}

func New(cfg Config, log *logging.Logger) (*Venue, error) {
	v := &Venue{
		cfg:    cfg,
		log:    log,
		events: make(chan venue.Event, 1024),
	}
	v.app = newApplication(v)

	f, err := os.Open(cfg.ConfigFilepath)
	if err != nil {
		return nil, fmt.Errorf("opening %v: %w", cfg.ConfigFilepath, err)
	}
	defer f.Close() // nolint

	settings, err := quickfix.ParseSettings(f)
	if err != nil {
		return nil, fmt.Errorf("parsing fix settings: %w", err)
	}

	logFactory, _ := qlog.NewLogFactory(settings)
	initiator, err := quickfix.NewInitiator(v.app, quickfix.NewMemoryStoreFactory(), settings, logFactory)
	if err != nil {
		return nil, fmt.Errorf("unable to create initiator: %w", err)
	}
	if err := initiator.Start(); err != nil {
		return nil, fmt.Errorf("unable to start FIX initiator: %w", err)
	}
	v.initiator = initiator
	return v, nil
}

func (v *Venue) Name() string { return v.cfg.Name }

func (v *Venue) Submit(ctx context.Context, o *model.Order) (string, error) {
	sessionID, err := v.app.session()
	if err != nil {
		return "", &venue.TransportError{Venue: v.cfg.Name, Err: err}
	}

	ordType, ok := ordTypeMapping[o.Type]
	if !ok {
		return "", &venue.RejectionError{Venue: v.cfg.Name, OrderID: o.OrderID,
			Reason: fmt.Sprintf("unmapped order type %q", o.Type)}
	}

	msg := newordersingle.New(
		field.NewClOrdID(o.ClientOrderID),
		field.NewSide(sideMapping[o.Side]),
		field.NewTransactTime(time.Now()),
		field.NewOrdType(ordType))
	msg.SetSymbol(o.Symbol)
	msg.SetOrderQty(o.Quantity, 0)
	msg.SetTimeInForce(tifMapping[o.TimeInForce])
	if o.Type == model.OrderTypeLimit {
		msg.SetPrice(o.LimitPrice, 2)
	}
	if o.Type == model.OrderTypeStop {
		msg.SetStopPx(o.StopPrice, 2)
	}
	msg.SetSenderCompID(sessionID.SenderCompID)
	msg.SetTargetCompID(sessionID.TargetCompID)

	if err := quickfix.SendToTarget(msg, sessionID); err != nil {
		return "", &venue.TransportError{Venue: v.cfg.Name, Err: err}
	}
	// the id arrives on the ExecutionReport ack
	return "", nil
}

func (v *Venue) Modify(ctx context.Context, ref venue.OrderRef, changes model.OrderChanges) error {
	sessionID, err := v.app.session()
	if err != nil {
		return &venue.TransportError{Venue: v.cfg.Name, Err: err}
	}

	msg := ordercancelreplacerequest.New(
		field.NewOrigClOrdID(ref.ClientOrderID),
		field.NewClOrdID(ref.ClientOrderID),
		field.NewSide(sideMapping[ref.Side]),
		field.NewTransactTime(time.Now()),
		field.NewOrdType(enum.OrdType_LIMIT))
	msg.SetSymbol(ref.Symbol)
	if ref.VenueOrderID != "" {
		msg.SetOrderID(ref.VenueOrderID)
	}
	if changes.LimitPrice != nil {
		msg.SetPrice(*changes.LimitPrice, 2)
	}
	if changes.StopPrice != nil {
		msg.SetStopPx(*changes.StopPrice, 2)
	}
	if changes.Quantity != nil {
		msg.SetOrderQty(*changes.Quantity, 0)
	}
	msg.SetSenderCompID(sessionID.SenderCompID)
	msg.SetTargetCompID(sessionID.TargetCompID)

	if err := quickfix.SendToTarget(msg, sessionID); err != nil {
		return &venue.TransportError{Venue: v.cfg.Name, Err: err}
	}
	return nil
}

func (v *Venue) Cancel(ctx context.Context, ref venue.OrderRef) error {
	sessionID, err := v.app.session()
	if err != nil {
		return &venue.TransportError{Venue: v.cfg.Name, Err: err}
	}

	msg := ordercancelrequest.New(
		field.NewOrigClOrdID(ref.ClientOrderID),
		field.NewClOrdID(ref.ClientOrderID+"-cxl"),
		field.NewSide(sideMapping[ref.Side]),
		field.NewTransactTime(time.Now()))
	msg.SetSymbol(ref.Symbol)
	if ref.VenueOrderID != "" {
		msg.SetOrderID(ref.VenueOrderID)
	}
	msg.SetSenderCompID(sessionID.SenderCompID)
	msg.SetTargetCompID(sessionID.TargetCompID)

	if err := quickfix.SendToTarget(msg, sessionID); err != nil {
		return &venue.TransportError{Venue: v.cfg.Name, Err: err}
	}
	return nil
}

func (v *Venue) Events() <-chan venue.Event { return v.events }

// Positions is not available over the order-entry session.
func (v *Venue) Positions(context.Context) ([]model.Position, error) {
	return nil, venue.ErrUnsupported
}

// Balances is not available over the order-entry session.
func (v *Venue) Balances(context.Context) (*model.AccountBalances, error) {
	return nil, venue.ErrUnsupported
}

func (v *Venue) Close(context.Context) error {
	if v.initiator != nil {
		v.initiator.Stop()
	}
	close(v.events)
	return nil
}

// application implements the quickfix.Application interface
type application struct {
	*quickfix.MessageRouter
	venue *Venue

	mu        sync.Mutex
	sessionID *quickfix.SessionID
	loggedOn  bool
}

func newApplication(v *Venue) *application {
	app := &application{
		MessageRouter: quickfix.NewMessageRouter(),
		venue:         v,
	}
	app.AddRoute(executionreport.Route(app.onExecutionReport))
	return app
}

func (a *application) session() (quickfix.SessionID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID == nil || !a.loggedOn {
		return quickfix.SessionID{}, fmt.Errorf("fix session not logged on")
	}
	return *a.sessionID, nil
}

func (a *application) OnCreate(sessionID quickfix.SessionID) {
	a.mu.Lock()
	a.sessionID = &sessionID
	a.mu.Unlock()
}

func (a *application) OnLogon(sessionID quickfix.SessionID) {
	a.mu.Lock()
	a.loggedOn = true
	a.mu.Unlock()
	a.venue.log.Info(context.Background(), "fix logon",
		zap.String("venue", a.venue.cfg.Name), zap.String("session", sessionID.String()))
}

func (a *application) OnLogout(sessionID quickfix.SessionID) {
	a.mu.Lock()
	a.loggedOn = false
	a.mu.Unlock()
	a.venue.log.Warn(context.Background(), "fix logout",
		zap.String("venue", a.venue.cfg.Name), zap.String("session", sessionID.String()))
}

func (a *application) ToAdmin(msg *quickfix.Message, sessionID quickfix.SessionID) {}

func (a *application) ToApp(msg *quickfix.Message, sessionID quickfix.SessionID) error {
	return nil
}

func (a *application) FromAdmin(msg *quickfix.Message, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	return nil
}

func (a *application) FromApp(msg *quickfix.Message, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	return a.Route(msg, sessionID)
}

func (a *application) onExecutionReport(msg executionreport.ExecutionReport, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	ev, ok := reportToEvent(a.venue.cfg.Name, msg)
	if !ok {
		return nil
	}
	select {
	case a.venue.events <- ev:
	default:
		a.venue.log.Error(context.Background(), "event buffer full, dropping report",
			zap.String("venue", a.venue.cfg.Name),
			zap.String("venue_order_id", ev.VenueOrderID))
	}
	return nil
}
