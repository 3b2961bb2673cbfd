package outbox

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Event is a domain event that can be enqueued on the outbox. The name is
// the wire type tag and the routing key on the bus.
type Event interface {
	EventName() string
}

// OrderAccepted is emitted once per placed order, whatever its fate.
type OrderAccepted struct {
	OrderID   string          `json:"orderId"`
	ClientID  string          `json:"clientId"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Status    string          `json:"status"`
	Remaining decimal.Decimal `json:"remainingQuantity"`
	At        time.Time       `json:"at"`
}

func (OrderAccepted) EventName() string { return "order.accepted" }

// OrderMatched is emitted once per trade.
type OrderMatched struct {
	TradeID      string          `json:"tradeId"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	MakerOrderID string          `json:"makerOrderId"`
	TakerOrderID string          `json:"takerOrderId"`
	At           time.Time       `json:"at"`
}

func (OrderMatched) EventName() string { return "order.matched" }

// TradeSettled is emitted after the ledger transfer for a trade completes.
type TradeSettled struct {
	TradeID  string          `json:"tradeId"`
	Symbol   string          `json:"symbol"`
	BuyerID  string          `json:"buyerId"`
	SellerID string          `json:"sellerId"`
	Quantity decimal.Decimal `json:"quantity"`
	Notional decimal.Decimal `json:"notional"`
	At       time.Time       `json:"at"`
}

func (TradeSettled) EventName() string { return "trade.settled" }

// OrderCanceled is emitted when a resting order is cancelled.
type OrderCanceled struct {
	OrderID   string          `json:"orderId"`
	ClientID  string          `json:"clientId"`
	Symbol    string          `json:"symbol"`
	Remaining decimal.Decimal `json:"remainingQuantity"`
	At        time.Time       `json:"at"`
}

func (OrderCanceled) EventName() string { return "order.canceled" }

// BalanceUpdated is emitted for every (account, asset) a settlement,
// deposit, or cancellation touched.
type BalanceUpdated struct {
	AccountID string          `json:"accountId"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	At        time.Time       `json:"at"`
}

func (BalanceUpdated) EventName() string { return "balance.updated" }

// Registry maps type tags to payload decoders. An unknown tag on dequeue is
// a terminal failure for that record.
type Registry struct {
	decoders map[string]func([]byte) (Event, error)
}

// NewRegistry returns a registry populated with every event type the
// exchange emits.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]func([]byte) (Event, error))}
	register[OrderAccepted](r)
	register[OrderMatched](r)
	register[TradeSettled](r)
	register[OrderCanceled](r)
	register[BalanceUpdated](r)
	return r
}

func register[E Event](r *Registry) {
	var zero E
	r.decoders[zero.EventName()] = func(payload []byte) (Event, error) {
		var e E
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Decode rebuilds an event from its type tag and JSON payload.
func (r *Registry) Decode(typeName string, payload []byte) (Event, error) {
	decode, ok := r.decoders[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", typeName)
	}
	return decode(payload)
}
