// Package worker drains published order events off JetStream into
// Postgres. It runs out of process so journal persistence cannot stall
// the execution path.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/engine/repo"
	"github.com/quantrail/brokerd/pkg/logging"
)

const fetchBatch = 10

type Worker struct {
	order      repo.IOrder
	orderEvent repo.IOrderEvent
	log        *logging.Logger
}

func NewWorker(r repo.IRepo, log *logging.Logger) *Worker {
	return &Worker{
		order:      r.Order(),
		orderEvent: r.OrderEvent(),
		log:        log,
	}
}

// StartConsumer pulls from the durable consumer until the context is
// canceled. Malformed messages are acked and dropped; persistence
// failures leave the message unacked for redelivery.
func (w *Worker) StartConsumer(ctx context.Context, js nats.JetStreamContext, subject, durable string) error {
	sub, err := js.PullSubscribe(subject, durable)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe() // nolint

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn(ctx, "fetch error", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			var ev model.OrderEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				w.log.Warn(ctx, "dropping malformed event", zap.Error(err))
				_ = msg.Ack()
				continue
			}
			if err := w.handleEvent(ctx, &ev); err != nil {
				w.log.Error(ctx, "persist event failed",
					zap.String("event_id", ev.EventID), zap.Error(err))
				continue
			}
			_ = msg.Ack()
		}
	}
}

func (w *Worker) handleEvent(ctx context.Context, ev *model.OrderEvent) error {
	if _, err := w.orderEvent.Create(ctx, ev); err != nil {
		return err
	}

	// keep the order snapshot row trailing the journal
	return w.order.ApplyEvent(ctx, ev)
}
