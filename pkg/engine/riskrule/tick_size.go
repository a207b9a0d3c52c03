package riskrule

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/engine/model"
)

// TickSizeRule rejects limit/stop prices that are not a multiple of the
// venue's price increment.
type TickSizeRule struct {
	Tick decimal.Decimal
}

func NewTickSizeRule(tick decimal.Decimal) *TickSizeRule {
	return &TickSizeRule{Tick: tick}
}

func (r *TickSizeRule) Check(order *model.Order) error {
	if r.Tick.IsZero() {
		return nil
	}
	for _, price := range []decimal.Decimal{order.LimitPrice, order.StopPrice} {
		if price.IsZero() {
			continue
		}
		if !price.Mod(r.Tick).IsZero() {
			return fmt.Errorf("price %s not a multiple of tick %s", price, r.Tick)
		}
	}
	return nil
}
