// Package toolserver exposes the engine's tool calls and resource reads
// over HTTP. Tools mutate (place/modify/cancel, research lookups);
// resources are read-only per-venue projections.
package toolserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quantrail/brokerd/pkg/engine"
	"github.com/quantrail/brokerd/pkg/engine/store"
	"github.com/quantrail/brokerd/pkg/logging"
	"github.com/quantrail/brokerd/pkg/research"
	"github.com/quantrail/brokerd/pkg/venue"
)

type Server struct {
	engine   *engine.Engine
	view     *engine.View
	research *research.Service // nil disables the research tools
	log      *logging.Logger
}

func New(e *engine.Engine, v *engine.View, r *research.Service, log *logging.Logger) *Server {
	return &Server{engine: e, view: v, research: r, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/tools", func(r chi.Router) {
		r.Post("/place_order", s.placeOrder)
		r.Post("/modify_order", s.modifyOrder)
		r.Post("/cancel_order", s.cancelOrder)
		if s.research != nil {
			r.Get("/option_chain", s.optionChain)
			r.Get("/option_expirations", s.optionExpirations)
			r.Get("/news", s.news)
		}
	})

	r.Route("/resources/{venue}", func(r chi.Router) {
		r.Get("/account", s.account)
		r.Get("/positions", s.positions)
		r.Get("/orders", s.openOrders)
		r.Get("/orders/history", s.orderHistory)
		r.Get("/orders/{orderID}", s.order)
	})
	return r
}

// requestID threads a request id through the context so every log line of
// one tool call correlates.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = logging.NewRequestID()
		}
		ctx := logging.WithRequestID(r.Context(), reqID)
		w.Header().Set("X-Request-ID", reqID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.log.Debug(ctx, "http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// statusFor maps the error taxonomy onto HTTP codes.
func statusFor(err error) int {
	var rej *venue.RejectionError
	switch {
	case errors.Is(err, engine.ErrOrderNotFound),
		errors.Is(err, store.ErrOrderNotFound),
		errors.Is(err, venue.ErrNotFound),
		errors.Is(err, engine.ErrUnknownVenue):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrDuplicateBracketLeg):
		return http.StatusConflict
	case errors.As(err, &rej):
		return http.StatusUnprocessableEntity
	case venue.IsTransport(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
