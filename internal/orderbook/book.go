package orderbook

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const tradeTapeCap = 1000

// PriceLevel holds all orders resting at a specific price, oldest first.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*Order
}

func (pl *PriceLevel) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.Orders {
		total = total.Add(o.Remaining())
	}
	return total
}

// MatchResult is the outcome of adding one order: the trades it produced,
// in execution order, and the order itself if a residual rested on the book.
type MatchResult struct {
	Trades  []Trade
	Resting *Order
}

// Book is an in-memory order book for a single symbol with price–time
// priority. Bids are sorted descending, asks ascending; each level is a
// FIFO queue.
type Book struct {
	Symbol string

	mu     sync.RWMutex
	bids   []*PriceLevel
	asks   []*PriceLevel
	orders map[string]*Order

	trades []Trade
}

func New(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		bids:   make([]*PriceLevel, 0),
		asks:   make([]*PriceLevel, 0),
		orders: make(map[string]*Order),
	}
}

// Add matches the order against the opposite side and rests any limit
// residual. Invalid input is a programmer error and panics: the caller
// validates orders before they reach the book.
func (b *Book) Add(order *Order) MatchResult {
	if order == nil {
		panic("orderbook: nil order")
	}
	if order.Symbol != b.Symbol {
		panic(fmt.Sprintf("orderbook: order symbol %q does not match book %q", order.Symbol, b.Symbol))
	}
	if !order.Quantity.IsPositive() {
		panic(fmt.Sprintf("orderbook: non-positive quantity %s", order.Quantity))
	}
	if order.Type == Limit && !order.Price.IsPositive() {
		panic(fmt.Sprintf("orderbook: limit order %s without positive price", order.ID))
	}
	if order.Type == Market && !order.Price.IsZero() {
		panic(fmt.Sprintf("orderbook: market order %s carries a price", order.ID))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Timestamp.IsZero() {
		order.Timestamp = time.Now().UTC()
	}

	trades := b.match(order)

	var result MatchResult
	result.Trades = trades

	// Market orders never rest; limit residuals do.
	if order.Type == Limit && !order.IsFilled() {
		b.addToBook(order)
		result.Resting = order
	}

	return result
}

func (b *Book) match(taker *Order) []Trade {
	var trades []Trade

	opposite := &b.asks
	if taker.Side == Sell {
		opposite = &b.bids
	}

	for len(*opposite) > 0 && !taker.IsFilled() {
		level := (*opposite)[0]
		if taker.Type == Limit && !crosses(taker, level.Price) {
			break
		}
		trades = append(trades, b.matchAtLevel(taker, level)...)
		if len(level.Orders) == 0 {
			*opposite = (*opposite)[1:]
		}
	}

	return trades
}

// crosses reports whether a limit taker can trade at the given opposite price.
func crosses(taker *Order, oppositePrice decimal.Decimal) bool {
	if taker.Side == Buy {
		return oppositePrice.LessThanOrEqual(taker.Price)
	}
	return oppositePrice.GreaterThanOrEqual(taker.Price)
}

func (b *Book) matchAtLevel(taker *Order, level *PriceLevel) []Trade {
	var trades []Trade

	for len(level.Orders) > 0 && !taker.IsFilled() {
		maker := level.Orders[0]
		qty := decimal.Min(taker.Remaining(), maker.Remaining())

		taker.Filled = taker.Filled.Add(qty)
		maker.Filled = maker.Filled.Add(qty)

		trade := Trade{
			ID:           uuid.New().String(),
			Symbol:       b.Symbol,
			Price:        level.Price, // maker's resting price
			Quantity:     qty,
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			ExecutedAt:   time.Now().UTC(),
		}
		trades = append(trades, trade)
		b.recordTrade(trade)

		if maker.IsFilled() {
			delete(b.orders, maker.ID)
			level.Orders = level.Orders[1:]
		}
	}

	return trades
}

func (b *Book) recordTrade(trade Trade) {
	b.trades = append(b.trades, trade)
	if len(b.trades) > tradeTapeCap {
		b.trades = b.trades[len(b.trades)-tradeTapeCap:]
	}
}

func (b *Book) addToBook(order *Order) {
	b.orders[order.ID] = order

	if order.Side == Buy {
		insertLevel(&b.bids, order, func(level, price decimal.Decimal) bool {
			return level.LessThan(price)
		})
	} else {
		insertLevel(&b.asks, order, func(level, price decimal.Decimal) bool {
			return level.GreaterThan(price)
		})
	}
}

// insertLevel places the order in its price level, creating the level at
// the sorted position if needed. worse reports whether an existing level
// sorts after the order's price.
func insertLevel(levels *[]*PriceLevel, order *Order, worse func(level, price decimal.Decimal) bool) {
	for i, level := range *levels {
		if level.Price.Equal(order.Price) {
			level.Orders = append(level.Orders, order)
			return
		}
		if worse(level.Price, order.Price) {
			newLevel := &PriceLevel{Price: order.Price, Orders: []*Order{order}}
			*levels = append((*levels)[:i], append([]*PriceLevel{newLevel}, (*levels)[i:]...)...)
			return
		}
	}
	*levels = append(*levels, &PriceLevel{Price: order.Price, Orders: []*Order{order}})
}

// Cancel removes a resting order, preserving the relative order of the rest
// of its level. Returns the removed order, or false if the id is unknown.
func (b *Book) Cancel(orderID string) (*Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, exists := b.orders[orderID]
	if !exists {
		return nil, false
	}

	delete(b.orders, orderID)

	levels := &b.asks
	if order.Side == Buy {
		levels = &b.bids
	}
	for i, level := range *levels {
		if !level.Price.Equal(order.Price) {
			continue
		}
		for j, o := range level.Orders {
			if o.ID == order.ID {
				level.Orders = append(level.Orders[:j], level.Orders[j+1:]...)
				break
			}
		}
		if len(level.Orders) == 0 {
			*levels = append((*levels)[:i], (*levels)[i+1:]...)
		}
		break
	}

	return order, true
}

// Order returns a resting order by id.
func (b *Book) Order(orderID string) (*Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	order, exists := b.orders[orderID]
	return order, exists
}

// Level is one aggregated price level in a snapshot.
type Level struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderCount int             `json:"orderCount"`
}

// Snapshot is a bounded projection of the book.
type Snapshot struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// Snapshot aggregates up to depth levels per side in priority order.
// depth <= 0 means all levels.
func (b *Book) Snapshot(depth int) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	project := func(levels []*PriceLevel) []Level {
		n := len(levels)
		if depth > 0 && depth < n {
			n = depth
		}
		out := make([]Level, n)
		for i := 0; i < n; i++ {
			out[i] = Level{
				Price:      levels[i].Price,
				Quantity:   levels[i].TotalQuantity(),
				OrderCount: len(levels[i].Orders),
			}
		}
		return out
	}

	return Snapshot{
		Symbol: b.Symbol,
		Bids:   project(b.bids),
		Asks:   project(b.asks),
	}
}

// RecentTrades returns the last n trades, oldest first.
func (b *Book) RecentTrades(n int) []Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > len(b.trades) {
		n = len(b.trades)
	}
	start := len(b.trades) - n
	result := make([]Trade, n)
	copy(result, b.trades[start:])
	return result
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return decimal.Zero, false
	}
	return b.bids[0].Price, true
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return decimal.Zero, false
	}
	return b.asks[0].Price, true
}
