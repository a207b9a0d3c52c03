// Package research serves the market-research tools: option chains,
// option expirations and news. It is a stateless pass-through over the
// Alpaca market-data API with no order-lifecycle concerns.
package research

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/logging"
)

// MarketData is the slice of the market-data SDK the service needs.
type MarketData interface {
	GetOptionChain(underlyingSymbol string, req marketdata.GetOptionChainRequest) (map[string]marketdata.OptionSnapshot, error)
	GetNews(req marketdata.GetNewsRequest) ([]marketdata.News, error)
}

type Service struct {
	md  MarketData
	log *logging.Logger
}

func NewService(md MarketData, log *logging.Logger) *Service {
	return &Service{md: md, log: log}
}

// Contract is one option contract with its latest market state.
type Contract struct {
	Symbol     string          `json:"symbol"`
	Underlying string          `json:"underlying"`
	Expiration string          `json:"expiration"` // YYYY-MM-DD
	Type       string          `json:"type"`       // call | put
	Strike     decimal.Decimal `json:"strike"`
	Bid        float64         `json:"bid"`
	Ask        float64         `json:"ask"`
	Last       float64         `json:"last"`
	ImpliedVol float64         `json:"implied_vol,omitempty"`
	Delta      float64         `json:"delta,omitempty"`
}

// ChainFilter narrows an option chain request. Zero values mean no filter.
type ChainFilter struct {
	Type       string // call | put
	StrikeGte  float64
	StrikeLte  float64
	Expiration string // YYYY-MM-DD
	Limit      int
}

// OptionChain returns the filtered chain for an underlying, sorted by
// expiration then strike.
func (s *Service) OptionChain(ctx context.Context, underlying string, f ChainFilter) ([]Contract, error) {
	req := marketdata.GetOptionChainRequest{
		Type:           marketdata.OptionType(f.Type),
		StrikePriceGte: f.StrikeGte,
		StrikePriceLte: f.StrikeLte,
		TotalLimit:     f.Limit,
	}
	if f.Expiration != "" {
		d, err := civil.ParseDate(f.Expiration)
		if err != nil {
			return nil, fmt.Errorf("bad expiration %q: %w", f.Expiration, err)
		}
		req.ExpirationDate = d
	}

	snapshots, err := s.md.GetOptionChain(underlying, req)
	if err != nil {
		return nil, fmt.Errorf("fetching option chain for %s: %w", underlying, err)
	}

	out := make([]Contract, 0, len(snapshots))
	for symbol, snap := range snapshots {
		c, err := parseOCCSymbol(symbol)
		if err != nil {
			continue
		}
		if snap.LatestQuote != nil {
			c.Bid = snap.LatestQuote.BidPrice
			c.Ask = snap.LatestQuote.AskPrice
		}
		if snap.LatestTrade != nil {
			c.Last = snap.LatestTrade.Price
		}
		c.ImpliedVol = snap.ImpliedVolatility
		if snap.Greeks != nil {
			c.Delta = snap.Greeks.Delta
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Expiration != out[j].Expiration {
			return out[i].Expiration < out[j].Expiration
		}
		return out[i].Strike.LessThan(out[j].Strike)
	})
	return out, nil
}

// OptionExpirations returns the sorted distinct expiration dates with
// listed contracts for an underlying.
func (s *Service) OptionExpirations(ctx context.Context, underlying string) ([]string, error) {
	snapshots, err := s.md.GetOptionChain(underlying, marketdata.GetOptionChainRequest{})
	if err != nil {
		return nil, fmt.Errorf("fetching option chain for %s: %w", underlying, err)
	}

	seen := make(map[string]bool)
	for symbol := range snapshots {
		c, err := parseOCCSymbol(symbol)
		if err != nil {
			continue
		}
		seen[c.Expiration] = true
	}

	out := make([]string, 0, len(seen))
	for exp := range seen {
		out = append(out, exp)
	}
	sort.Strings(out)
	return out, nil
}

// Article is one news item.
type Article struct {
	At       time.Time `json:"at"`
	Headline string    `json:"headline"`
	Author   string    `json:"author,omitempty"`
	Summary  string    `json:"summary,omitempty"`
	Content  string    `json:"content,omitempty"`
	URL      string    `json:"url,omitempty"`
	Symbols  []string  `json:"symbols,omitempty"`
}

// News returns the most recent articles for the symbols, newest first.
// Content bodies are fetched only when includeContent is set.
func (s *Service) News(ctx context.Context, symbols []string, limit int, includeContent bool) ([]Article, error) {
	if limit <= 0 {
		limit = 10
	}
	raw, err := s.md.GetNews(marketdata.GetNewsRequest{
		Symbols:            symbols,
		TotalLimit:         limit,
		IncludeContent:     includeContent,
		ExcludeContentless: includeContent,
		Sort:               marketdata.SortDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching news: %w", err)
	}

	out := make([]Article, 0, len(raw))
	for _, n := range raw {
		out = append(out, Article{
			At:       n.CreatedAt,
			Headline: n.Headline,
			Author:   n.Author,
			Summary:  n.Summary,
			Content:  n.Content,
			URL:      n.URL,
			Symbols:  n.Symbols,
		})
	}
	return out, nil
}

// parseOCCSymbol splits an OCC option symbol (e.g. AAPL240621C00190000)
// into underlying, expiration, type and strike.
func parseOCCSymbol(symbol string) (Contract, error) {
	if len(symbol) < 16 {
		return Contract{}, fmt.Errorf("short OCC symbol %q", symbol)
	}
	strikeRaw := symbol[len(symbol)-8:]
	typeRaw := symbol[len(symbol)-9]
	dateRaw := symbol[len(symbol)-15 : len(symbol)-9]
	underlying := symbol[:len(symbol)-15]

	strikeMils, err := strconv.ParseInt(strikeRaw, 10, 64)
	if err != nil {
		return Contract{}, fmt.Errorf("bad strike in %q: %w", symbol, err)
	}
	expiration, err := time.Parse("060102", dateRaw)
	if err != nil {
		return Contract{}, fmt.Errorf("bad expiration in %q: %w", symbol, err)
	}

	var typ string
	switch typeRaw {
	case 'C':
		typ = "call"
	case 'P':
		typ = "put"
	default:
		return Contract{}, fmt.Errorf("bad contract type in %q", symbol)
	}

	return Contract{
		Symbol:     symbol,
		Underlying: underlying,
		Expiration: expiration.Format("2006-01-02"),
		Type:       typ,
		Strike:     decimal.New(strikeMils, -3),
	}, nil
}
