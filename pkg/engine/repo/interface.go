package repo

import (
	"context"

	"github.com/quantrail/brokerd/pkg/engine/model"
)

type IOrder interface {
	Upsert(ctx context.Context, record *OrderRecord) (*OrderRecord, error)
	ApplyEvent(ctx context.Context, ev *model.OrderEvent) error
	GetByOrderID(ctx context.Context, orderID string) (*OrderRecord, error)
	ListByVenue(ctx context.Context, venue string, limit int) ([]*OrderRecord, error)
}

type IOrderEvent interface {
	Create(ctx context.Context, record *model.OrderEvent) (*model.OrderEvent, error)
	BulkCreate(ctx context.Context, records []*model.OrderEvent) ([]*model.OrderEvent, error)
	ListByOrderID(ctx context.Context, orderID string) ([]*model.OrderEvent, error)
}
