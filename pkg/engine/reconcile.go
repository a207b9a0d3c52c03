package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantrail/brokerd/pkg/logging"
	"github.com/quantrail/brokerd/pkg/venue"
)

// Reconciler drains one venue session's event stream into the engine. One
// instance runs per session for the session's lifetime; it never blocks on
// request handling and never lets a single bad event crash the process.
type Reconciler struct {
	engine     *Engine
	sess       *venue.Session
	drainGrace time.Duration
	log        *logging.Logger
}

func NewReconciler(e *Engine, sess *venue.Session, drainGrace time.Duration, log *logging.Logger) *Reconciler {
	return &Reconciler{
		engine:     e,
		sess:       sess,
		drainGrace: drainGrace,
		log:        log.With(zap.String("venue", sess.Venue)),
	}
}

// Run consumes the stream until the context is canceled, then drains
// in-flight events for the grace period so partial broker-side execution
// is not left unobserved.
func (r *Reconciler) Run(ctx context.Context) {
	events := r.sess.Adapter.Events()
	r.log.Info(ctx, "reconciliation loop started")

	for {
		select {
		case <-ctx.Done():
			r.drain(events)
			r.log.Info(context.Background(), "reconciliation loop stopped")
			return
		case ev, ok := <-events:
			if !ok {
				r.log.Warn(ctx, "venue event stream closed")
				return
			}
			r.apply(ctx, ev)
		}
	}
}

func (r *Reconciler) drain(events <-chan venue.Event) {
	deadline := time.NewTimer(r.drainGrace)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.apply(context.Background(), ev)
		case <-deadline.C:
			return
		}
	}
}

// apply shields the loop from panics in event handling; a malformed event
// is logged and skipped.
func (r *Reconciler) apply(ctx context.Context, ev venue.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(ctx, "panic applying venue event",
				zap.Any("panic", rec),
				zap.String("venue_order_id", ev.VenueOrderID),
				zap.String("kind", string(ev.Kind)))
		}
	}()
	r.engine.Apply(ctx, ev)
}
