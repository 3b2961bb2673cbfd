// Package engine orchestrates the order path: validate, reserve, match,
// settle, enqueue events, fan out. Everything between taking the symbol
// lock and releasing it is observable as a single atomic step.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exchange/internal/ledger"
	"exchange/internal/marketdata"
	"exchange/internal/orderbook"
	"exchange/internal/outbox"
	"exchange/internal/risk"
)

var (
	ErrUnknownSymbol        = errors.New("unknown symbol")
	ErrMarketBuyUnsupported = errors.New("market buy orders are not supported: no maximum quote amount to reserve")
	ErrQuantityRequired     = errors.New("quantity must be positive")
	ErrMarketOrderWithPrice = errors.New("market orders must not carry a price")
	ErrOrderNotFound        = errors.New("order not found")
	ErrNotOrderOwner        = errors.New("order belongs to another client")
)

// Instrument names the base and quote assets of one trading symbol.
type Instrument struct {
	Symbol string `yaml:"symbol"`
	Base   string `yaml:"base"`
	Quote  string `yaml:"quote"`
}

// owner is the side-table entry recording who placed an order and on what
// terms. The matching engine is ownership-agnostic; settlement needs this.
type owner struct {
	account    string
	side       orderbook.Side
	orderType  orderbook.OrderType
	limitPrice decimal.Decimal
}

// Order statuses as reported to clients.
const (
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusAccepted        = "ACCEPTED"
)

// PlaceOrderRequest is a fully parsed order submission.
type PlaceOrderRequest struct {
	ClientID string
	Symbol   string
	Side     orderbook.Side
	Type     orderbook.OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal // zero when absent
}

// TradeView is the client-facing projection of one fill.
type TradeView struct {
	ID            string          `json:"id"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	MakerOrderID  string          `json:"makerOrderId"`
	TakerOrderID  string          `json:"takerOrderId"`
	ExecutedAtUTC time.Time       `json:"executedAtUtc"`
}

// PlaceOrderResult is the client-facing outcome of a placement.
type PlaceOrderResult struct {
	OrderID           string          `json:"orderId"`
	Status            string          `json:"status"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`
	Trades            []TradeView     `json:"trades"`
}

type symbolContext struct {
	mu         sync.Mutex
	instrument Instrument
	book       *orderbook.Book
}

// Pipeline wires the core components together and owns the per-symbol
// locks and the order-owner side-table.
type Pipeline struct {
	ledger *ledger.Ledger
	risk   *risk.Gate
	outbox *outbox.Outbox
	fanout *marketdata.Fanout
	logger *slog.Logger

	snapshotDepth int

	symbols map[string]*symbolContext

	ownersMu sync.Mutex
	owners   map[string]owner
}

func NewPipeline(
	instruments []Instrument,
	l *ledger.Ledger,
	gate *risk.Gate,
	o *outbox.Outbox,
	f *marketdata.Fanout,
	snapshotDepth int,
	logger *slog.Logger,
) *Pipeline {
	if snapshotDepth <= 0 {
		snapshotDepth = 20
	}
	p := &Pipeline{
		ledger:        l,
		risk:          gate,
		outbox:        o,
		fanout:        f,
		logger:        logger,
		snapshotDepth: snapshotDepth,
		symbols:       make(map[string]*symbolContext),
		owners:        make(map[string]owner),
	}
	for _, inst := range instruments {
		p.symbols[inst.Symbol] = &symbolContext{
			instrument: inst,
			book:       orderbook.New(inst.Symbol),
		}
	}
	return p
}

// PlaceOrder runs the full pipeline for one order. A non-empty error list
// means the order was rejected before any state change.
func (p *Pipeline) PlaceOrder(req PlaceOrderRequest) (PlaceOrderResult, []error) {
	var errs []error

	sc, ok := p.symbols[req.Symbol]
	if !ok {
		errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol))
	}
	if !req.Quantity.IsPositive() {
		errs = append(errs, ErrQuantityRequired)
	}
	if req.Type == orderbook.Market {
		if req.Side == orderbook.Buy {
			errs = append(errs, ErrMarketBuyUnsupported)
		}
		if !req.Price.IsZero() {
			errs = append(errs, ErrMarketOrderWithPrice)
		}
	}

	errs = append(errs, p.risk.Validate(risk.OrderContext{
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: req.Quantity,
		Price:    req.Price,
	})...)
	if len(errs) > 0 {
		return PlaceOrderResult{}, errs
	}

	inst := sc.instrument

	// The symbol lock makes book state, settlement, the last-trade price,
	// and the outbox enqueues one atomic step for outside observers.
	sc.mu.Lock()
	defer sc.mu.Unlock()

	// Reserve funds before the order can touch the book.
	reserveAsset, reserveAmount := reservationFor(req, inst)
	if err := p.ledger.Reserve(req.ClientID, reserveAsset, reserveAmount); err != nil {
		return PlaceOrderResult{}, []error{err}
	}

	order := &orderbook.Order{
		ID:        uuid.New().String(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Timestamp: time.Now().UTC(),
	}
	p.setOwner(order.ID, owner{
		account:    req.ClientID,
		side:       req.Side,
		orderType:  req.Type,
		limitPrice: req.Price,
	})

	result := sc.book.Add(order)

	for _, trade := range result.Trades {
		p.settle(inst, trade)
	}
	if n := len(result.Trades); n > 0 {
		p.risk.UpdateLastTradePrice(req.Symbol, result.Trades[n-1].Price)
	}

	// Unfilled market remainder releases its reservation; the order is
	// gone as far as the book is concerned.
	if req.Type == orderbook.Market && !order.IsFilled() {
		if err := p.ledger.Release(req.ClientID, inst.Base, order.Remaining()); err != nil {
			panic(fmt.Sprintf("engine: release market remainder for %s: %v", order.ID, err))
		}
		p.enqueueBalance(req.ClientID, inst.Base)
	}
	if result.Resting == nil {
		p.deleteOwner(order.ID)
	}

	status := resolveStatus(order, len(result.Trades))
	p.logger.Info("order processed",
		"order", order.ID, "client", req.ClientID, "symbol", req.Symbol,
		"side", req.Side.String(), "status", status, "trades", len(result.Trades))
	p.enqueue(outbox.OrderAccepted{
		OrderID:   order.ID,
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side.String(),
		Type:      req.Type.String(),
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    status,
		Remaining: order.Remaining(),
		At:        time.Now().UTC(),
	})

	p.fanout.BroadcastOrderBook(req.Symbol, sc.book.Snapshot(p.snapshotDepth))
	p.fanout.BroadcastTrades(req.Symbol, result.Trades)

	return PlaceOrderResult{
		OrderID:           order.ID,
		Status:            status,
		RemainingQuantity: order.Remaining(),
		Trades:            tradeViews(result.Trades),
	}, nil
}

// reservationFor computes what a valid order must lock up: quote notional
// for a limit buy, base quantity for any sell.
func reservationFor(req PlaceOrderRequest, inst Instrument) (asset string, amount decimal.Decimal) {
	if req.Side == orderbook.Buy {
		return inst.Quote, req.Price.Mul(req.Quantity)
	}
	return inst.Base, req.Quantity
}

// settle applies the ledger transfer for one trade as a single atomic
// batch. Reservations taken at ingress guarantee the funds exist, so a
// failure here is a bug, not a user error.
func (p *Pipeline) settle(inst Instrument, trade orderbook.Trade) {
	makerOwner, ok := p.ownerOf(trade.MakerOrderID)
	if !ok {
		panic(fmt.Sprintf("engine: no owner for maker order %s", trade.MakerOrderID))
	}
	takerOwner, ok := p.ownerOf(trade.TakerOrderID)
	if !ok {
		panic(fmt.Sprintf("engine: no owner for taker order %s", trade.TakerOrderID))
	}

	buyer, seller := takerOwner, makerOwner
	if takerOwner.side == orderbook.Sell {
		buyer, seller = makerOwner, takerOwner
	}

	notional := trade.Price.Mul(trade.Quantity)
	entries := []ledger.Entry{
		{Account: buyer.account, Asset: inst.Quote, Kind: ledger.Release, Amount: notional},
		{Account: buyer.account, Asset: inst.Quote, Kind: ledger.Debit, Amount: notional},
		{Account: buyer.account, Asset: inst.Base, Kind: ledger.Credit, Amount: trade.Quantity},
		{Account: seller.account, Asset: inst.Base, Kind: ledger.Release, Amount: trade.Quantity},
		{Account: seller.account, Asset: inst.Base, Kind: ledger.Debit, Amount: trade.Quantity},
		{Account: seller.account, Asset: inst.Quote, Kind: ledger.Credit, Amount: notional},
	}

	// A buyer whose limit crossed a cheaper maker reserved more quote than
	// the fill needs; the excess goes back to available.
	if buyer.orderType == orderbook.Limit && buyer.limitPrice.GreaterThan(trade.Price) {
		excess := buyer.limitPrice.Sub(trade.Price).Mul(trade.Quantity)
		entries = append(entries, ledger.Entry{
			Account: buyer.account, Asset: inst.Quote, Kind: ledger.Release, Amount: excess,
		})
	}

	if err := p.ledger.Apply(entries...); err != nil {
		panic(fmt.Sprintf("engine: settle trade %s: %v", trade.ID, err))
	}

	// A maker that the fill exhausted is off the book now; its side-table
	// entry goes too.
	if _, stillResting := p.bookOrder(inst.Symbol, trade.MakerOrderID); !stillResting {
		p.deleteOwner(trade.MakerOrderID)
	}

	p.enqueue(outbox.OrderMatched{
		TradeID:      trade.ID,
		Symbol:       trade.Symbol,
		Price:        trade.Price,
		Quantity:     trade.Quantity,
		MakerOrderID: trade.MakerOrderID,
		TakerOrderID: trade.TakerOrderID,
		At:           trade.ExecutedAt,
	})
	p.enqueue(outbox.TradeSettled{
		TradeID:  trade.ID,
		Symbol:   trade.Symbol,
		BuyerID:  buyer.account,
		SellerID: seller.account,
		Quantity: trade.Quantity,
		Notional: notional,
		At:       time.Now().UTC(),
	})
	p.enqueueBalance(buyer.account, inst.Base)
	p.enqueueBalance(buyer.account, inst.Quote)
	p.enqueueBalance(seller.account, inst.Base)
	p.enqueueBalance(seller.account, inst.Quote)
}

// CancelOrder removes a resting order and releases its remaining
// reservation.
func (p *Pipeline) CancelOrder(clientID, orderID string) error {
	own, ok := p.ownerOf(orderID)
	if !ok {
		return ErrOrderNotFound
	}
	if own.account != clientID {
		return ErrNotOrderOwner
	}

	// Find which book holds it; the owner table does not record the symbol.
	for symbol, sc := range p.symbols {
		sc.mu.Lock()
		order, found := sc.book.Cancel(orderID)
		if !found {
			sc.mu.Unlock()
			continue
		}

		inst := sc.instrument
		remaining := order.Remaining()
		asset := inst.Base
		amount := remaining
		if own.side == orderbook.Buy {
			asset = inst.Quote
			amount = own.limitPrice.Mul(remaining)
		}
		if err := p.ledger.Release(clientID, asset, amount); err != nil {
			panic(fmt.Sprintf("engine: release on cancel %s: %v", orderID, err))
		}
		p.deleteOwner(orderID)

		p.enqueue(outbox.OrderCanceled{
			OrderID:   orderID,
			ClientID:  clientID,
			Symbol:    symbol,
			Remaining: remaining,
			At:        time.Now().UTC(),
		})
		p.enqueueBalance(clientID, asset)
		p.fanout.BroadcastOrderBook(symbol, sc.book.Snapshot(p.snapshotDepth))
		sc.mu.Unlock()
		p.logger.Info("order cancelled", "order", orderID, "client", clientID, "symbol", symbol)
		return nil
	}

	// Owner entry without a resting order: it was filled in the meantime.
	return ErrOrderNotFound
}

// Deposit credits an account and publishes the resulting balance.
func (p *Pipeline) Deposit(clientID, asset string, amount decimal.Decimal) error {
	if err := p.ledger.Deposit(clientID, asset, amount); err != nil {
		return err
	}
	p.enqueueBalance(clientID, asset)
	return nil
}

// Balances returns the client's balances per asset.
func (p *Pipeline) Balances(clientID string) map[string]ledger.Balance {
	return p.ledger.Balances(clientID)
}

// Snapshot projects a symbol's book to the requested depth.
func (p *Pipeline) Snapshot(symbol string, depth int) (orderbook.Snapshot, error) {
	sc, ok := p.symbols[symbol]
	if !ok {
		return orderbook.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if depth <= 0 {
		depth = p.snapshotDepth
	}
	return sc.book.Snapshot(depth), nil
}

// RecentTrades returns a symbol's most recent executions, oldest first.
func (p *Pipeline) RecentTrades(symbol string, limit int) ([]orderbook.Trade, error) {
	sc, ok := p.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if limit <= 0 {
		limit = 50
	}
	return sc.book.RecentTrades(limit), nil
}

// Symbols lists the instruments this pipeline hosts.
func (p *Pipeline) Symbols() []Instrument {
	out := make([]Instrument, 0, len(p.symbols))
	for _, sc := range p.symbols {
		out = append(out, sc.instrument)
	}
	return out
}

// HasSymbol reports whether the symbol is configured.
func (p *Pipeline) HasSymbol(symbol string) bool {
	_, ok := p.symbols[symbol]
	return ok
}

func (p *Pipeline) bookOrder(symbol, orderID string) (*orderbook.Order, bool) {
	sc, ok := p.symbols[symbol]
	if !ok {
		return nil, false
	}
	return sc.book.Order(orderID)
}

func (p *Pipeline) setOwner(orderID string, o owner) {
	p.ownersMu.Lock()
	p.owners[orderID] = o
	p.ownersMu.Unlock()
}

func (p *Pipeline) ownerOf(orderID string) (owner, bool) {
	p.ownersMu.Lock()
	defer p.ownersMu.Unlock()
	o, ok := p.owners[orderID]
	return o, ok
}

func (p *Pipeline) deleteOwner(orderID string) {
	p.ownersMu.Lock()
	delete(p.owners, orderID)
	p.ownersMu.Unlock()
}

func (p *Pipeline) enqueue(event outbox.Event) {
	if _, err := p.outbox.Enqueue(event); err != nil {
		// Serialization of our own event types cannot fail at runtime.
		panic(fmt.Sprintf("engine: enqueue %s: %v", event.EventName(), err))
	}
}

func (p *Pipeline) enqueueBalance(account, asset string) {
	b := p.ledger.Balance(account, asset)
	p.enqueue(outbox.BalanceUpdated{
		AccountID: account,
		Asset:     asset,
		Available: b.Available,
		Reserved:  b.Reserved,
		At:        time.Now().UTC(),
	})
}

func resolveStatus(order *orderbook.Order, tradeCount int) string {
	switch {
	case order.IsFilled():
		return StatusFilled
	case tradeCount > 0:
		return StatusPartiallyFilled
	default:
		return StatusAccepted
	}
}

func tradeViews(trades []orderbook.Trade) []TradeView {
	views := make([]TradeView, len(trades))
	for i, t := range trades {
		views[i] = TradeView{
			ID:            t.ID,
			Price:         t.Price,
			Quantity:      t.Quantity,
			MakerOrderID:  t.MakerOrderID,
			TakerOrderID:  t.TakerOrderID,
			ExecutedAtUTC: t.ExecutedAt,
		}
	}
	return views
}
