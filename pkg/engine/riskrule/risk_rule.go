package riskrule

import (
	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/engine/model"
)

// RiskRule is one pre-transmission constraint checked before an order is
// sent to a venue. A violation becomes a local rejection; nothing reaches
// the wire.
type RiskRule interface {
	Check(order *model.Order) error
}

// CheckAll runs every rule and returns the first violation.
func CheckAll(rules []RiskRule, order *model.Order) error {
	for _, r := range rules {
		if err := r.Check(order); err != nil {
			return err
		}
	}
	return nil
}

// TickOf returns the price increment the rule set enforces, or zero when
// no tick rule is configured. Derived prices must be snapped onto this
// grid before they reach CheckAll.
func TickOf(rules []RiskRule) decimal.Decimal {
	for _, r := range rules {
		if t, ok := r.(*TickSizeRule); ok {
			return t.Tick
		}
	}
	return decimal.Zero
}
