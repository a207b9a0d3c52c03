package riskrule

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/engine/model"
)

// MinQtyRule rejects orders below the venue's minimum quantity. A zero or
// negative quantity is always rejected.
type MinQtyRule struct {
	Min decimal.Decimal
}

func NewMinQtyRule(min decimal.Decimal) *MinQtyRule {
	return &MinQtyRule{Min: min}
}

func (r *MinQtyRule) Check(order *model.Order) error {
	if !order.Quantity.IsPositive() {
		return fmt.Errorf("quantity %s must be positive", order.Quantity)
	}
	if !r.Min.IsZero() && order.Quantity.LessThan(r.Min) {
		return fmt.Errorf("quantity %s below venue minimum %s", order.Quantity, r.Min)
	}
	return nil
}
