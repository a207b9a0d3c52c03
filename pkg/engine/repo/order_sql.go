package repo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quantrail/brokerd/pkg/engine/model"
)

// OrderRecord is the flattened order snapshot row. It trails the in-memory
// store; the store stays authoritative for the session.
type OrderRecord struct {
	OrderID       string `gorm:"primaryKey"`
	VenueOrderID  string `gorm:"index"`
	ClientOrderID string `gorm:"index"`
	Venue         string
	Symbol        string
	Side          model.OrderSide
	Type          model.OrderType
	TimeInForce   model.OrderTimeInForce

	Quantity       decimal.Decimal `gorm:"type:numeric"`
	LimitPrice     decimal.Decimal `gorm:"type:numeric"`
	StopPrice      decimal.Decimal `gorm:"type:numeric"`
	FilledQuantity decimal.Decimal `gorm:"type:numeric"`
	AvgFillPrice   decimal.Decimal `gorm:"type:numeric"`

	Status   model.OrderStatus `gorm:"index"`
	Role     model.BracketRole
	ParentID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (OrderRecord) TableName() string { return "orders" }

// NewOrderRecord flattens an order snapshot for persistence.
func NewOrderRecord(o model.Order) *OrderRecord {
	return &OrderRecord{
		OrderID:        o.OrderID,
		VenueOrderID:   o.VenueOrderID,
		ClientOrderID:  o.ClientOrderID,
		Venue:          o.Venue,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Type:           o.Type,
		TimeInForce:    o.TimeInForce,
		Quantity:       o.Quantity,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		Status:         o.Status,
		Role:           o.Role,
		ParentID:       o.ParentID,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

type OrderSQLRepo struct {
	db *gorm.DB
}

func NewOrderSQLRepo(db *gorm.DB) *OrderSQLRepo {
	return &OrderSQLRepo{
		db: db,
	}
}

func (s *OrderSQLRepo) dbWithContext(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Upsert writes the latest snapshot of an order, replacing any previous one.
func (s *OrderSQLRepo) Upsert(ctx context.Context, record *OrderRecord) (*OrderRecord, error) {
	err := s.dbWithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		UpdateAll: true,
	}).Create(record).Error
	return record, err
}

// ApplyEvent folds a journal event into the snapshot row, touching only
// the columns the event carries so fuller snapshots are not clobbered.
func (s *OrderSQLRepo) ApplyEvent(ctx context.Context, ev *model.OrderEvent) error {
	record := &OrderRecord{
		OrderID:        ev.OrderID,
		VenueOrderID:   ev.VenueOrderID,
		ClientOrderID:  ev.ClientOrderID,
		Venue:          ev.Venue,
		Symbol:         ev.Symbol,
		Status:         ev.Status,
		FilledQuantity: ev.FillQuantity,
		AvgFillPrice:   ev.FillPrice,
		UpdatedAt:      ev.Timestamp,
	}
	return s.dbWithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"venue_order_id", "status", "filled_quantity", "avg_fill_price", "updated_at",
		}),
	}).Create(record).Error
}

func (s *OrderSQLRepo) GetByOrderID(ctx context.Context, orderID string) (*OrderRecord, error) {
	var record OrderRecord
	err := s.dbWithContext(ctx).Where("order_id = ?", orderID).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *OrderSQLRepo) ListByVenue(ctx context.Context, venue string, limit int) ([]*OrderRecord, error) {
	var records []*OrderRecord
	q := s.dbWithContext(ctx).Where("venue = ?", venue).Order("updated_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}
