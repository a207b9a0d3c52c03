package fixgw

import (
	"time"

	"github.com/quickfixgo/enum"
	"github.com/quickfixgo/fix44/executionreport"

	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/venue"
)

var (
	sideMapping = map[model.OrderSide]enum.Side{
		model.OrderSideBuy:  enum.Side_BUY,
		model.OrderSideSell: enum.Side_SELL,
	}

	ordTypeMapping = map[model.OrderType]enum.OrdType{
		model.OrderTypeMarket: enum.OrdType_MARKET,
		model.OrderTypeLimit:  enum.OrdType_LIMIT,
		model.OrderTypeStop:   enum.OrdType_STOP,
	}

	tifMapping = map[model.OrderTimeInForce]enum.TimeInForce{
		model.OrderTimeInForceDAY: enum.TimeInForce_DAY,
		model.OrderTimeInForceIOC: enum.TimeInForce_IMMEDIATE_OR_CANCEL,
		model.OrderTimeInForceFOK: enum.TimeInForce_FILL_OR_KILL,
		model.OrderTimeInForceGTC: enum.TimeInForce_GOOD_TILL_CANCEL,
	}
)

// reportToEvent normalizes one ExecutionReport. Reports that describe no
// lifecycle change (pending states, replace acks) produce no event.
func reportToEvent(venueName string, msg executionreport.ExecutionReport) (venue.Event, bool) {
	execType, err := msg.GetExecType()
	if err != nil {
		return venue.Event{}, false
	}
	ordStatus, _ := msg.GetOrdStatus()

	ev := venue.Event{
		Venue: venueName,
		At:    time.Now(),
	}
	if orderID, err := msg.GetOrderID(); err == nil {
		ev.VenueOrderID = orderID
	}
	if clOrdID, err := msg.GetClOrdID(); err == nil {
		ev.ClientOrderID = clOrdID
	}
	// Cancel and replace confirmations echo the request's ClOrdID; the order
	// itself is identified by OrigClOrdID.
	if origClOrdID, err := msg.GetOrigClOrdID(); err == nil && origClOrdID != "" {
		ev.ClientOrderID = origClOrdID
	}
	if symbol, err := msg.GetSymbol(); err == nil {
		ev.Symbol = symbol
	}
	if side, err := msg.GetSide(); err == nil && side == enum.Side_SELL {
		ev.Side = model.OrderSideSell
	} else {
		ev.Side = model.OrderSideBuy
	}
	if text, err := msg.GetText(); err == nil {
		ev.Reason = text
	}
	if transactTime, err := msg.GetTransactTime(); err == nil && !transactTime.IsZero() {
		ev.At = transactTime
	}

	switch execType {
	case enum.ExecType_NEW:
		ev.Kind = venue.EventAck
	case enum.ExecType_REJECTED:
		ev.Kind = venue.EventReject
	case enum.ExecType_CANCELED:
		ev.Kind = venue.EventCancel
	case enum.ExecType_EXPIRED:
		ev.Kind = venue.EventExpire
	// "1"/"2" are pre-4.3 fill exec types some gateways still send
	case enum.ExecType_TRADE, enum.ExecType("1"), enum.ExecType("2"):
		if ordStatus == enum.OrdStatus_FILLED {
			ev.Kind = venue.EventFill
		} else {
			ev.Kind = venue.EventPartialFill
		}
		if lastQty, err := msg.GetLastQty(); err == nil {
			ev.FillQuantity = lastQty
		}
		if lastPx, err := msg.GetLastPx(); err == nil {
			ev.FillPrice = lastPx
		}
		if cumQty, err := msg.GetCumQty(); err == nil {
			ev.CumQuantity = cumQty
		}
	default:
		return venue.Event{}, false
	}
	return ev, true
}
