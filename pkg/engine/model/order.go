package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "Created"
	OrderStatusSubmitted       OrderStatus = "Submitted"
	OrderStatusAcknowledged    OrderStatus = "Acknowledged"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCanceled        OrderStatus = "Canceled"
	OrderStatusRejected        OrderStatus = "Rejected"
	OrderStatusExpired         OrderStatus = "Expired"
)

// successors lists the legal next states for every lifecycle state.
// Created orders can be canceled or rejected before transmission: deferred
// bracket children die with their parent without ever reaching a venue.
var successors = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:   {OrderStatusSubmitted, OrderStatusCanceled, OrderStatusRejected},
	OrderStatusSubmitted: {OrderStatusAcknowledged, OrderStatusRejected, OrderStatusCanceled},
	OrderStatusAcknowledged: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired,
	},
}

// CanTransition reports whether next is a legal successor of s.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, succ := range successors[s] {
		if succ == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other side, used to derive bracket child sides.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

type OrderTimeInForce string

const (
	OrderTimeInForceDAY OrderTimeInForce = "DAY"
	OrderTimeInForceIOC OrderTimeInForce = "IOC"
	OrderTimeInForceFOK OrderTimeInForce = "FOK"
	OrderTimeInForceGTC OrderTimeInForce = "GTC"
)

// BracketRole distinguishes the entry order from its protective children.
type BracketRole string

const (
	BracketRoleEntry      BracketRole = "entry"
	BracketRoleTakeProfit BracketRole = "take_profit"
	BracketRoleStopLoss   BracketRole = "stop_loss"
)

// Order is the engine's canonical view of one unit of execution intent.
// VenueOrderID stays empty until the venue acknowledges; the FIX gateway
// assigns it asynchronously.
type Order struct {
	OrderID       string `json:"order_id"`
	VenueOrderID  string `json:"venue_order_id,omitempty"`
	ClientOrderID string `json:"client_order_id"` // idempotency key sent to the venue
	Venue         string `json:"venue"`

	Symbol      string           `json:"symbol"`
	Side        OrderSide        `json:"side"`
	Type        OrderType        `json:"type"`
	TimeInForce OrderTimeInForce `json:"time_in_force"`
	Quantity    decimal.Decimal  `json:"quantity"`
	LimitPrice  decimal.Decimal  `json:"limit_price,omitempty"` // set iff Type == LIMIT
	StopPrice   decimal.Decimal  `json:"stop_price,omitempty"`  // set iff Type == STOP

	Status         OrderStatus     `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`

	// bracket links
	Role     BracketRole `json:"role,omitempty"`
	ParentID string      `json:"parent_id,omitempty"`
	ChildIDs []string    `json:"child_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LeavesQuantity returns the unfilled remainder.
func (o *Order) LeavesQuantity() decimal.Decimal {
	leaves := o.Quantity.Sub(o.FilledQuantity)
	if leaves.IsNegative() {
		return decimal.Zero
	}
	return leaves
}

// IsEntry reports whether the order heads a bracket group.
func (o *Order) IsEntry() bool {
	return o.ParentID == ""
}

// CanModify reports whether a modify request is legal in the current state.
func (o *Order) CanModify() bool {
	switch o.Status {
	case OrderStatusSubmitted, OrderStatusAcknowledged, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// CanCancel reports whether a cancel request is legal in the current state.
func (o *Order) CanCancel() bool {
	return o.Status == OrderStatusCreated || o.CanModify()
}
