package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one per-symbol holding as reported by a venue or derived from
// confirmed fills.
type Position struct {
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// AccountBalances is the venue-reported account state.
type AccountBalances struct {
	Venue          string          `json:"venue"`
	NetLiquidation decimal.Decimal `json:"net_liquidation"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Cash           decimal.Decimal `json:"cash"`
	AsOf           time.Time       `json:"as_of"`
}

// AccountSnapshot is the derived multi-venue projection. It is always
// recomputed from (venue snapshot, fills since snapshot); staleness is
// explicit per venue because aggregation may mix freshness.
type AccountSnapshot struct {
	Balances  map[string]AccountBalances `json:"balances"` // by venue
	Positions []Position                 `json:"positions"`
	SourcedAt map[string]time.Time       `json:"sourced_at"` // by venue
}

// Fill is one confirmed execution applied to the order state store.
type Fill struct {
	OrderID  string
	Venue    string
	Symbol   string
	Side     OrderSide
	Quantity decimal.Decimal
	Price    decimal.Decimal
	At       time.Time
}
