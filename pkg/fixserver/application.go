package fixserver

import (
	"bytes"
	"fmt"
	"io"
	"log"
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
	"github.com/quickfixgo/quickfix/log/file"
	"github.com/quickfixgo/tag"
	"github.com/shopspring/decimal"
)

// Application implements the quickfix.Application interface. It plays the
// counterparty side: every NewOrderSingle is acknowledged, market and limit
// orders fill in full right away, stop orders rest until canceled.
type Application struct {
	*quickfix.MessageRouter
	cfg        AppConfig
	quickEvent chan bool
	dispatcher chan *inboundMsg

	mu      sync.Mutex
	orders  map[string]*simOrder // keyed by ClOrdID
	marks   map[string]decimal.Decimal
	nextID  int
	execSeq int
}

type AppConfig struct {
	enableQueue bool
	// DefaultMark prices market orders on symbols with no explicit mark.
	DefaultMark decimal.Decimal
}

type inboundMsg struct {
	msg       *quickfix.Message
	sessionID quickfix.SessionID
}

type simOrder struct {
	orderID string
	clOrdID string
	symbol  string
	side    enum.Side
	ordType enum.OrdType
	price   decimal.Decimal
	qty     decimal.Decimal
	cumQty  decimal.Decimal
}

const queueSize = 1_000_000

func newApplication(cfg AppConfig) *Application {
	app := &Application{
		MessageRouter: quickfix.NewMessageRouter(),
		cfg:           cfg,
		quickEvent:    make(chan bool, 1),
		orders:        make(map[string]*simOrder),
		marks:         make(map[string]decimal.Decimal),
	}

	app.AddRoute(newordersingle.Route(app.onNewOrderSingle))
	app.AddRoute(ordercancelrequest.Route(app.onOrderCancelRequest))
	app.AddRoute(ordercancelreplacerequest.Route(app.onOrderCancelReplaceRequest))

	if app.cfg.enableQueue {
		app.dispatcher = make(chan *inboundMsg, queueSize)
		go app.runDispatcher()
	}

	return app
}

func startApp(configFilepath string, appCfg AppConfig) (*Application, error) {
	cfg, err := os.Open(configFilepath)
	if err != nil {
		return nil, fmt.Errorf("error opening %v, %v", configFilepath, err)
	}
	defer cfg.Close() // nolint

	stringData, readErr := io.ReadAll(cfg)
	if readErr != nil {
		return nil, fmt.Errorf("error reading cfg: %s,", readErr)
	}

	appSettings, err := quickfix.ParseSettings(bytes.NewReader(stringData))
	if err != nil {
		return nil, fmt.Errorf("error reading cfg: %s,", err)
	}

	app := newApplication(appCfg)
	logFactory, _ := file.NewLogFactory(appSettings)
	acceptor, err := quickfix.NewAcceptor(app, quickfix.NewMemoryStoreFactory(), appSettings, logFactory)
	if err != nil {
		return nil, fmt.Errorf("unable to create acceptor: %s", err)
	}

	err = acceptor.Start()
	if err != nil {
		return nil, fmt.Errorf("unable to start FIX acceptor: %s", err)
	}

	go func() {
		<-app.quickEvent
		acceptor.Stop()
	}()

	return app, nil
}

func stopApp(a *Application) {
	select {
	case a.quickEvent <- true:
	default:
	}
}

// OnCreate implemented as part of Application interface
func (a *Application) OnCreate(sessionID quickfix.SessionID) {}

// OnLogon implemented as part of Application interface
func (a *Application) OnLogon(sessionID quickfix.SessionID) {}

// OnLogout implemented as part of Application interface
func (a *Application) OnLogout(sessionID quickfix.SessionID) {}

// ToAdmin implemented as part of Application interface
func (a *Application) ToAdmin(msg *quickfix.Message, sessionID quickfix.SessionID) {}

// ToApp implemented as part of Application interface
func (a *Application) ToApp(msg *quickfix.Message, sessionID quickfix.SessionID) error {
	return nil
}

// FromAdmin implemented as part of Application interface
func (a *Application) FromAdmin(msg *quickfix.Message, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	return nil
}

// FromApp implemented as part of Application interface, uses Router on incoming application messages
func (a *Application) FromApp(msg *quickfix.Message, sessionID quickfix.SessionID) (reject quickfix.MessageRejectError) {
	if a.cfg.enableQueue {
		a.dispatcher <- &inboundMsg{msg, sessionID}
		return nil
	}

	return a.Route(msg, sessionID)
}

func (a *Application) runDispatcher() {
	for msg := range a.dispatcher {
		if err := a.Route(msg.msg, msg.sessionID); err != nil {
			log.Println("Route error", err)
		}
	}
}

// SetMark prices market orders on a symbol.
func (a *Application) SetMark(symbol string, price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marks[symbol] = price
}

func (a *Application) onNewOrderSingle(msg newordersingle.NewOrderSingle, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	clOrdID, _ := msg.GetClOrdID()
	symbol, _ := msg.GetSymbol()
	side, _ := msg.GetSide()
	ordType, _ := msg.GetOrdType()
	price, _ := msg.GetPrice()
	stopPx, _ := msg.GetStopPx()
	orderQty, _ := msg.GetOrderQty()

	switch ordType {
	case enum.OrdType_MARKET, enum.OrdType_LIMIT, enum.OrdType_STOP:
	default:
		return quickfix.ValueIsIncorrect(tag.OrdType)
	}

	a.mu.Lock()
	a.nextID++
	ord := &simOrder{
		orderID: fmt.Sprintf("SIM-%d", a.nextID),
		clOrdID: clOrdID,
		symbol:  symbol,
		side:    side,
		ordType: ordType,
		price:   price,
		qty:     orderQty,
	}
	a.orders[clOrdID] = ord
	a.mu.Unlock()

	a.sendReport(sessionID, ord, enum.ExecType_NEW, enum.OrdStatus_NEW, decimal.Zero, decimal.Zero, "")

	switch ordType {
	case enum.OrdType_MARKET:
		a.fill(sessionID, ord, a.markFor(symbol))
	case enum.OrdType_LIMIT:
		a.fill(sessionID, ord, price)
	default:
		// stop orders rest; the quantity stays open until a cancel
		_ = stopPx
	}
	return nil
}

func (a *Application) onOrderCancelRequest(msg ordercancelrequest.OrderCancelRequest, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	clOrdID, _ := msg.GetClOrdID()
	origClOrdID, _ := msg.GetOrigClOrdID()

	a.mu.Lock()
	ord, ok := a.orders[origClOrdID]
	if ok {
		delete(a.orders, origClOrdID)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	// the confirmation echoes the cancel request's ClOrdID; OrigClOrdID
	// names the order being canceled
	report := a.newReport(ord, enum.ExecType_CANCELED, enum.OrdStatus_CANCELED, decimal.Zero, decimal.Zero, "")
	report.SetClOrdID(clOrdID)
	report.SetOrigClOrdID(ord.clOrdID)
	a.send(report, sessionID)
	return nil
}

func (a *Application) onOrderCancelReplaceRequest(msg ordercancelreplacerequest.OrderCancelReplaceRequest, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	origClOrdID, _ := msg.GetOrigClOrdID()
	price, _ := msg.GetPrice()
	orderQty, _ := msg.GetOrderQty()

	a.mu.Lock()
	ord, ok := a.orders[origClOrdID]
	if ok {
		if !price.IsZero() {
			ord.price = price
		}
		if !orderQty.IsZero() {
			ord.qty = orderQty
		}
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	// a repriced limit crosses right away in this simulator
	if ord.ordType == enum.OrdType_LIMIT {
		a.fill(sessionID, ord, ord.price)
	}
	return nil
}

func (a *Application) markFor(symbol string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	if mark, ok := a.marks[symbol]; ok {
		return mark
	}
	return a.cfg.DefaultMark
}

func (a *Application) fill(sessionID quickfix.SessionID, ord *simOrder, px decimal.Decimal) {
	a.mu.Lock()
	if ord.cumQty.Equal(ord.qty) {
		a.mu.Unlock()
		return
	}
	lastQty := ord.qty.Sub(ord.cumQty)
	ord.cumQty = ord.qty
	delete(a.orders, ord.clOrdID)
	a.mu.Unlock()

	a.sendReport(sessionID, ord, enum.ExecType_TRADE, enum.OrdStatus_FILLED, lastQty, px, "")
}

func (a *Application) sendReport(sessionID quickfix.SessionID, ord *simOrder, execType enum.ExecType, ordStatus enum.OrdStatus, lastQty, lastPx decimal.Decimal, text string) {
	a.send(a.newReport(ord, execType, ordStatus, lastQty, lastPx, text), sessionID)
}

func (a *Application) newReport(ord *simOrder, execType enum.ExecType, ordStatus enum.OrdStatus, lastQty, lastPx decimal.Decimal, text string) executionreport.ExecutionReport {
	a.mu.Lock()
	a.execSeq++
	execID := fmt.Sprintf("E-%d", a.execSeq)
	a.mu.Unlock()

	leaves := ord.qty.Sub(ord.cumQty)
	avgPx := decimal.Zero
	if !ord.cumQty.IsZero() {
		avgPx = lastPx
	}

	report := executionreport.New(
		field.NewOrderID(ord.orderID),
		field.NewExecID(execID),
		field.NewExecType(execType),
		field.NewOrdStatus(ordStatus),
		field.NewSide(ord.side),
		field.NewLeavesQty(leaves, 2),
		field.NewCumQty(ord.cumQty, 2),
		field.NewAvgPx(avgPx, 2),
	)
	report.SetClOrdID(ord.clOrdID)
	report.SetSymbol(ord.symbol)
	report.SetOrderQty(ord.qty, 2)
	report.SetTransactTime(time.Now())
	if !lastQty.IsZero() {
		report.SetLastQty(lastQty, 2)
		report.SetLastPx(lastPx, 2)
	}
	if text != "" {
		report.SetText(text)
	}
	return report
}

func (a *Application) send(report executionreport.ExecutionReport, sessionID quickfix.SessionID) {
	if err := quickfix.SendToTarget(report, sessionID); err != nil {
		log.Println("send execution report err=", err)
	}
}
