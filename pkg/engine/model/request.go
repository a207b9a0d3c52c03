package model

import "github.com/shopspring/decimal"

// PlaceOrder is the venue-agnostic order request accepted by the engine.
type PlaceOrder struct {
	Venue       string
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Quantity    decimal.Decimal
	LimitPrice  decimal.Decimal
	TimeInForce OrderTimeInForce
	Bracket     *BracketSpec
}

// BracketSpec describes optional take-profit / stop-loss legs attached to an
// entry order. Each leg is given either as an absolute price or as a percent
// offset resolved against the parent's average fill price once it fills.
type BracketSpec struct {
	TakeProfit    decimal.Decimal
	TakeProfitPct decimal.Decimal
	StopLoss      decimal.Decimal
	StopLossPct   decimal.Decimal
}

// HasTakeProfit reports whether a take-profit leg was requested.
func (b *BracketSpec) HasTakeProfit() bool {
	return !b.TakeProfit.IsZero() || !b.TakeProfitPct.IsZero()
}

// HasStopLoss reports whether a stop-loss leg was requested.
func (b *BracketSpec) HasStopLoss() bool {
	return !b.StopLoss.IsZero() || !b.StopLossPct.IsZero()
}

// TakeProfitPrice resolves the take-profit leg against the entry fill price.
// A buy entry takes profit above the fill, a sell entry below it.
func (b *BracketSpec) TakeProfitPrice(entrySide OrderSide, fillPrice decimal.Decimal) decimal.Decimal {
	if !b.TakeProfit.IsZero() {
		return b.TakeProfit
	}
	offset := fillPrice.Mul(b.TakeProfitPct).Div(decimal.NewFromInt(100))
	if entrySide == OrderSideBuy {
		return fillPrice.Add(offset)
	}
	return fillPrice.Sub(offset)
}

// StopLossPrice resolves the stop-loss leg against the entry fill price.
func (b *BracketSpec) StopLossPrice(entrySide OrderSide, fillPrice decimal.Decimal) decimal.Decimal {
	if !b.StopLoss.IsZero() {
		return b.StopLoss
	}
	offset := fillPrice.Mul(b.StopLossPct).Div(decimal.NewFromInt(100))
	if entrySide == OrderSideBuy {
		return fillPrice.Sub(offset)
	}
	return fillPrice.Add(offset)
}

// OrderChanges carries the mutable fields of a modify request. Nil fields
// are left untouched.
type OrderChanges struct {
	LimitPrice *decimal.Decimal
	StopPrice  *decimal.Decimal
	Quantity   *decimal.Decimal
}

// Empty reports whether the modify request changes nothing.
func (c *OrderChanges) Empty() bool {
	return c.LimitPrice == nil && c.StopPrice == nil && c.Quantity == nil
}
