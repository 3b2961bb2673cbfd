// Package risk performs pre-trade validation: quantity caps, price bands
// against the last trade, and per-client request throttling.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exchange/internal/orderbook"
)

var (
	ErrClientRequired     = errors.New("client id is required")
	ErrPriceRequired      = errors.New("price must be positive for limit orders")
	ErrRateLimitExceeded  = errors.New("too many requests in the last minute")
	errQuantityCap        = errors.New("quantity exceeds per-order maximum")
	errPriceOutsideOfBand = errors.New("price outside allowed band")
)

const requestWindow = time.Minute

// Config bounds what the gate accepts. Zero values disable a check.
type Config struct {
	MaxQuantityPerOrder        decimal.Decimal
	PriceBandPercent           decimal.Decimal
	RequestsPerMinutePerClient int
}

// OrderContext carries the parsed order fields the gate validates.
type OrderContext struct {
	ClientID string
	Symbol   string
	Side     orderbook.Side
	Type     orderbook.OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Gate holds the last-trade price per symbol and a sliding one-minute
// request log per client.
type Gate struct {
	mu        sync.Mutex
	config    Config
	lastTrade map[string]decimal.Decimal
	requests  map[string][]time.Time
	now       func() time.Time
}

func NewGate(config Config) *Gate {
	return &Gate{
		config:    config,
		lastTrade: make(map[string]decimal.Decimal),
		requests:  make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Validate runs all checks and returns every failure, not just the first.
// It also records the request in the client's sliding window.
func (g *Gate) Validate(ctx OrderContext) []error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error

	if ctx.ClientID == "" {
		errs = append(errs, ErrClientRequired)
	}

	if max := g.config.MaxQuantityPerOrder; max.IsPositive() && ctx.Quantity.GreaterThan(max) {
		errs = append(errs, fmt.Errorf("%w: %s > %s", errQuantityCap, ctx.Quantity, max))
	}

	if ctx.Type == orderbook.Limit {
		if !ctx.Price.IsPositive() {
			errs = append(errs, ErrPriceRequired)
		} else if band := g.config.PriceBandPercent; band.IsPositive() {
			if last, ok := g.lastTrade[ctx.Symbol]; ok && last.IsPositive() {
				deviation := ctx.Price.Sub(last).Abs().Div(last).Mul(decimal.NewFromInt(100))
				if deviation.GreaterThan(band) {
					errs = append(errs, fmt.Errorf("%w: %s deviates %s%% from last trade %s",
						errPriceOutsideOfBand, ctx.Price, deviation.Round(2), last))
				}
			}
		}
	}

	if ctx.ClientID != "" && !g.allowRequest(ctx.ClientID) {
		errs = append(errs, ErrRateLimitExceeded)
	}

	return errs
}

// allowRequest applies the per-client sliding window. The calling client's
// stale timestamps are dropped on every call, so its log never holds more
// than the limit; the map keeps an entry for every client seen.
func (g *Gate) allowRequest(clientID string) bool {
	limit := g.config.RequestsPerMinutePerClient
	if limit <= 0 {
		return true
	}

	now := g.now()
	cutoff := now.Add(-requestWindow)

	requests := g.requests[clientID]
	valid := requests[:0]
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= limit {
		g.requests[clientID] = valid
		return false
	}

	g.requests[clientID] = append(valid, now)
	return true
}

// UpdateLastTradePrice records the most recent execution price for a symbol.
func (g *Gate) UpdateLastTradePrice(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastTrade[symbol] = price
}

// LastTradePrice returns the most recent execution price, if any.
func (g *Gate) LastTradePrice(symbol string) (decimal.Decimal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.lastTrade[symbol]
	return price, ok
}
