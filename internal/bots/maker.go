// Package bots hosts simulated traders used to demo the exchange with
// some liquidity on the book.
package bots

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"exchange/internal/engine"
	"exchange/internal/orderbook"
)

// MakerConfig configures a liquidity maker bot.
type MakerConfig struct {
	ClientID       string
	Instrument     engine.Instrument
	ReferencePrice decimal.Decimal // starting quote when the book is empty
	HalfSpread     decimal.Decimal // distance from reference to each quote
	SizePerLevel   decimal.Decimal
	Levels         int
	QuoteInterval  time.Duration
	BaseFunds      decimal.Decimal // deposited at start
	QuoteFunds     decimal.Decimal
}

// Maker keeps two-sided quotes around the last trade price by placing and
// cancelling limit orders through the regular order pipeline, so it
// exercises the same reservation and settlement paths as any client.
type Maker struct {
	config   MakerConfig
	pipeline *engine.Pipeline
	logger   *slog.Logger
	rng      *rand.Rand

	orderIDs []string
}

func NewMaker(config MakerConfig, pipeline *engine.Pipeline, logger *slog.Logger) *Maker {
	if config.Levels <= 0 {
		config.Levels = 2
	}
	if config.QuoteInterval <= 0 {
		config.QuoteInterval = 2 * time.Second
	}
	return &Maker{
		config:   config,
		pipeline: pipeline,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run funds the bot and requotes until the context is cancelled.
func (m *Maker) Run(ctx context.Context) {
	if m.config.BaseFunds.IsPositive() {
		if err := m.pipeline.Deposit(m.config.ClientID, m.config.Instrument.Base, m.config.BaseFunds); err != nil {
			m.logger.Error("maker base deposit failed", "error", err)
			return
		}
	}
	if m.config.QuoteFunds.IsPositive() {
		if err := m.pipeline.Deposit(m.config.ClientID, m.config.Instrument.Quote, m.config.QuoteFunds); err != nil {
			m.logger.Error("maker quote deposit failed", "error", err)
			return
		}
	}

	ticker := time.NewTicker(m.config.QuoteInterval)
	defer ticker.Stop()

	m.requote()
	for {
		select {
		case <-ctx.Done():
			m.cancelAll()
			return
		case <-ticker.C:
			m.requote()
		}
	}
}

func (m *Maker) requote() {
	m.cancelAll()

	ref := m.reference()
	if !ref.IsPositive() {
		return
	}

	for level := 1; level <= m.config.Levels; level++ {
		offset := m.config.HalfSpread.Mul(decimal.NewFromInt(int64(level)))
		m.quote(orderbook.Buy, ref.Sub(offset))
		m.quote(orderbook.Sell, ref.Add(offset))
	}
}

func (m *Maker) quote(side orderbook.Side, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	res, errs := m.pipeline.PlaceOrder(engine.PlaceOrderRequest{
		ClientID: m.config.ClientID,
		Symbol:   m.config.Instrument.Symbol,
		Side:     side,
		Type:     orderbook.Limit,
		Quantity: m.config.SizePerLevel,
		Price:    price,
	})
	if len(errs) > 0 {
		// Running out of one-sided funds is normal for a demo bot.
		m.logger.Debug("maker quote rejected", "side", side, "price", price, "errors", errs)
		return
	}
	if res.Status == engine.StatusAccepted || res.Status == engine.StatusPartiallyFilled {
		m.orderIDs = append(m.orderIDs, res.OrderID)
	}
}

func (m *Maker) cancelAll() {
	for _, id := range m.orderIDs {
		if err := m.pipeline.CancelOrder(m.config.ClientID, id); err != nil {
			// Already filled; nothing to cancel.
			continue
		}
	}
	m.orderIDs = m.orderIDs[:0]
}

// reference picks the quoting midpoint: last trade if one exists, mid of
// the touch if the book is two-sided, configured reference otherwise. A
// small jitter keeps quotes from being perfectly static.
func (m *Maker) reference() decimal.Decimal {
	ref := m.config.ReferencePrice

	if trades, err := m.pipeline.RecentTrades(m.config.Instrument.Symbol, 1); err == nil && len(trades) == 1 {
		ref = trades[0].Price
	} else if snap, err := m.pipeline.Snapshot(m.config.Instrument.Symbol, 1); err == nil &&
		len(snap.Bids) == 1 && len(snap.Asks) == 1 {
		ref = snap.Bids[0].Price.Add(snap.Asks[0].Price).Div(decimal.NewFromInt(2))
	}

	jitter := decimal.NewFromFloat((m.rng.Float64() - 0.5) / 100)
	return ref.Add(ref.Mul(jitter))
}
