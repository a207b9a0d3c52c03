package toolserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/research"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(r.Context(), "request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

type bracketRequest struct {
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	TakeProfitPct *decimal.Decimal `json:"take_profit_pct,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	StopLossPct   *decimal.Decimal `json:"stop_loss_pct,omitempty"`
}

type placeOrderRequest struct {
	Venue       string           `json:"venue"`
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"`
	Type        string           `json:"type,omitempty"`
	TimeInForce string           `json:"time_in_force,omitempty"`
	Quantity    decimal.Decimal  `json:"quantity"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	Bracket     *bracketRequest  `json:"bracket,omitempty"`
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body: " + err.Error()})
		return
	}
	if req.Venue == "" || req.Symbol == "" || req.Side == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "venue, symbol and side are required"})
		return
	}

	place := model.PlaceOrder{
		Venue:       req.Venue,
		Symbol:      strings.ToUpper(req.Symbol),
		Side:        model.OrderSide(strings.ToUpper(req.Side)),
		Type:        model.OrderType(strings.ToUpper(req.Type)),
		TimeInForce: model.OrderTimeInForce(strings.ToUpper(req.TimeInForce)),
		Quantity:    req.Quantity,
	}
	if req.LimitPrice != nil {
		place.LimitPrice = *req.LimitPrice
	}
	if req.Bracket != nil {
		spec := &model.BracketSpec{}
		if req.Bracket.TakeProfit != nil {
			spec.TakeProfit = *req.Bracket.TakeProfit
		}
		if req.Bracket.TakeProfitPct != nil {
			spec.TakeProfitPct = *req.Bracket.TakeProfitPct
		}
		if req.Bracket.StopLoss != nil {
			spec.StopLoss = *req.Bracket.StopLoss
		}
		if req.Bracket.StopLossPct != nil {
			spec.StopLossPct = *req.Bracket.StopLossPct
		}
		place.Bracket = spec
	}

	order, err := s.engine.Place(r.Context(), place)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

type modifyOrderRequest struct {
	OrderID    string           `json:"order_id"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
}

func (s *Server) modifyOrder(w http.ResponseWriter, r *http.Request) {
	var req modifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body: " + err.Error()})
		return
	}
	if req.OrderID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "order_id is required"})
		return
	}

	order, err := s.engine.Modify(r.Context(), req.OrderID, model.OrderChanges{
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Quantity:   req.Quantity,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

type cancelOrderRequest struct {
	OrderID string `json:"order_id"`
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body: " + err.Error()})
		return
	}
	if req.OrderID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "order_id is required"})
		return
	}

	if err := s.engine.Cancel(r.Context(), req.OrderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.engine.Store().Get(req.OrderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) optionChain(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "symbol is required"})
		return
	}
	filter := research.ChainFilter{
		Type:       r.URL.Query().Get("type"),
		Expiration: r.URL.Query().Get("expiration"),
	}
	filter.StrikeGte, _ = strconv.ParseFloat(r.URL.Query().Get("strike_gte"), 64)
	filter.StrikeLte, _ = strconv.ParseFloat(r.URL.Query().Get("strike_lte"), 64)
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	chain, err := s.research.OptionChain(r.Context(), strings.ToUpper(symbol), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chain)
}

func (s *Server) optionExpirations(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "symbol is required"})
		return
	}
	exps, err := s.research.OptionExpirations(r.Context(), strings.ToUpper(symbol))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exps)
}

func (s *Server) news(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		symbols = strings.Split(strings.ToUpper(raw), ",")
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	includeContent := r.URL.Query().Get("include_content") == "true"

	articles, err := s.research.News(r.Context(), symbols, limit, includeContent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, articles)
}

type accountResponse struct {
	Balances  *model.AccountBalances `json:"balances,omitempty"`
	Positions []model.Position       `json:"positions"`
	SourcedAt string                 `json:"sourced_at,omitempty"`
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	venueName := chi.URLParam(r, "venue")
	if _, err := s.engine.Session(venueName); err != nil {
		s.writeError(w, r, err)
		return
	}

	snap, err := s.view.Refresh(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := accountResponse{Positions: []model.Position{}}
	if bal, ok := snap.Balances[venueName]; ok {
		resp.Balances = &bal
	}
	for _, p := range snap.Positions {
		if p.Venue == venueName {
			resp.Positions = append(resp.Positions, p)
		}
	}
	if at, ok := snap.SourcedAt[venueName]; ok {
		resp.SourcedAt = at.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	venueName := chi.URLParam(r, "venue")
	if _, err := s.engine.Session(venueName); err != nil {
		s.writeError(w, r, err)
		return
	}

	snap, err := s.view.Refresh(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := []model.Position{}
	for _, p := range snap.Positions {
		if p.Venue == venueName {
			out = append(out, p)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) openOrders(w http.ResponseWriter, r *http.Request) {
	venueName := chi.URLParam(r, "venue")
	if _, err := s.engine.Session(venueName); err != nil {
		s.writeError(w, r, err)
		return
	}
	out := []model.Order{}
	for _, o := range s.engine.Store().ListOpen() {
		if o.Venue == venueName {
			out = append(out, o)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) orderHistory(w http.ResponseWriter, r *http.Request) {
	venueName := chi.URLParam(r, "venue")
	if _, err := s.engine.Session(venueName); err != nil {
		s.writeError(w, r, err)
		return
	}
	out := []model.Order{}
	for _, o := range s.engine.Store().List() {
		if o.Venue == venueName {
			out = append(out, o)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) order(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.Store().Get(chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}
