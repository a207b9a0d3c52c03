package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderEvent is one audit-journal entry recorded on every applied
// transition. Events flow to the in-memory journal, optionally out over
// NATS JetStream, and into Postgres via the worker.
type OrderEvent struct {
	EventID       string      `gorm:"primaryKey" json:"event_id"`
	OrderID       string      `gorm:"index" json:"order_id"`
	Venue         string      `json:"venue"`
	ClientOrderID string      `json:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id"`
	Symbol        string      `json:"symbol"`
	Status        OrderStatus `json:"status"`

	FillQuantity decimal.Decimal `gorm:"type:numeric" json:"fill_quantity"`
	FillPrice    decimal.Decimal `gorm:"type:numeric" json:"fill_price"`
	Reason       string          `json:"reason"`
	Timestamp    time.Time       `json:"timestamp"`
}

// TableName keeps the gorm table name stable regardless of struct renames.
func (OrderEvent) TableName() string { return "order_events" }

// NewOrderEvent snapshots an order into a journal entry. The event id is
// derived from the order id, the reached status and the cumulative filled
// quantity so redelivered venue events collapse onto the same row.
func NewOrderEvent(o Order, ts time.Time) *OrderEvent {
	return &OrderEvent{
		EventID:       NewEventID(o.OrderID, o.Status, o.FilledQuantity),
		OrderID:       o.OrderID,
		Venue:         o.Venue,
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  o.VenueOrderID,
		Symbol:        o.Symbol,
		Status:        o.Status,
		FillQuantity:  o.FilledQuantity,
		FillPrice:     o.AvgFillPrice,
		Timestamp:     ts,
	}
}

// NewEventID builds the dedup key for a journal entry.
func NewEventID(orderID string, status OrderStatus, cumQty decimal.Decimal) string {
	return fmt.Sprintf("%s-%s-%s", orderID, status, cumQty.String())
}
