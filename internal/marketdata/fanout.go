// Package marketdata fans order-book snapshots and trades out to
// subscribed connections, coalescing bursts into batch-window flushes and
// rate-limiting each subscriber independently.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"exchange/internal/orderbook"
)

// Conn is the transport half of a subscription. Send must respect the
// context deadline; a failed or timed-out send marks the subscriber for
// removal.
type Conn interface {
	Send(ctx context.Context, data []byte) error
}

// Message is the wire shape of every fan-out frame.
type Message struct {
	Type         string               `json:"type"`
	Symbol       string               `json:"symbol,omitempty"`
	Snapshot     *orderbook.Snapshot  `json:"snapshot,omitempty"`
	Trade        *orderbook.Trade     `json:"trade,omitempty"`
	Trades       []orderbook.Trade    `json:"trades,omitempty"`
	TimestampUTC *time.Time           `json:"timestampUtc,omitempty"`
}

// Config tunes batching and per-subscriber throttling.
type Config struct {
	BatchWindow          time.Duration
	MaxMessagesPerSecond int
	SendTimeout          time.Duration
	HeartbeatInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchWindow <= 0 {
		c.BatchWindow = 50 * time.Millisecond
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

type subscriber struct {
	id      string
	conn    Conn
	limiter *rate.Limiter
}

// symbolState holds one symbol's subscribers and its pending buffer. The
// mutex covers both; flushes serialize on it, so trade order is preserved
// within and across flushes.
type symbolState struct {
	mu             sync.Mutex
	subs           map[string]*subscriber
	pendingSnap    *orderbook.Snapshot
	pendingTrades  []orderbook.Trade
	flushScheduled bool
}

// Fanout is the per-process market-data broadcaster.
type Fanout struct {
	mu      sync.Mutex
	config  Config
	symbols map[string]*symbolState
	logger  *slog.Logger

	// afterFunc is swapped in tests to run flushes synchronously.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewFanout(config Config, logger *slog.Logger) *Fanout {
	return &Fanout{
		config:    config.withDefaults(),
		symbols:   make(map[string]*symbolState),
		logger:    logger,
		afterFunc: time.AfterFunc,
	}
}

func (f *Fanout) state(symbol string) *symbolState {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.symbols[symbol]
	if !ok {
		s = &symbolState{subs: make(map[string]*subscriber)}
		f.symbols[symbol] = s
	}
	return s
}

// Subscribe registers a connection for a symbol and returns its opaque id.
func (f *Fanout) Subscribe(symbol string, conn Conn) string {
	s := f.state(symbol)

	sub := &subscriber{
		id:      uuid.New().String(),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(f.config.MaxMessagesPerSecond), f.config.MaxMessagesPerSecond),
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	return sub.id
}

// Unsubscribe removes a connection. Unknown ids are a no-op.
func (f *Fanout) Unsubscribe(symbol, connID string) {
	s := f.state(symbol)
	s.mu.Lock()
	delete(s.subs, connID)
	s.mu.Unlock()
}

// SendSnapshot unicasts a snapshot to one subscriber, bypassing its rate
// limiter. Used for the initial frame on a new subscription.
func (f *Fanout) SendSnapshot(symbol, connID string, snap orderbook.Snapshot) {
	s := f.state(symbol)

	s.mu.Lock()
	sub, ok := s.subs[connID]
	s.mu.Unlock()
	if !ok {
		return
	}

	data, err := json.Marshal(Message{Type: "snapshot", Symbol: symbol, Snapshot: &snap})
	if err != nil {
		return
	}
	if err := f.send(sub, data); err != nil {
		f.drop(s, symbol, sub.id, err)
	}
}

// BroadcastOrderBook stashes the latest snapshot for the symbol; only the
// most recent one survives until the flush.
func (f *Fanout) BroadcastOrderBook(symbol string, snap orderbook.Snapshot) {
	s := f.state(symbol)

	s.mu.Lock()
	s.pendingSnap = &snap
	f.armFlushLocked(s, symbol)
	s.mu.Unlock()
}

// BroadcastTrades appends trades to the pending buffer in engine order.
func (f *Fanout) BroadcastTrades(symbol string, trades []orderbook.Trade) {
	if len(trades) == 0 {
		return
	}
	s := f.state(symbol)

	s.mu.Lock()
	s.pendingTrades = append(s.pendingTrades, trades...)
	f.armFlushLocked(s, symbol)
	s.mu.Unlock()
}

func (f *Fanout) armFlushLocked(s *symbolState, symbol string) {
	if s.flushScheduled {
		return
	}
	s.flushScheduled = true
	f.afterFunc(f.config.BatchWindow, func() { f.flush(symbol) })
}

// flush drains the pending buffer and emits at most one orderbook frame and
// one trade/trades frame to every open subscriber.
func (f *Fanout) flush(symbol string) {
	s := f.state(symbol)

	s.mu.Lock()
	snap := s.pendingSnap
	trades := s.pendingTrades
	s.pendingSnap = nil
	s.pendingTrades = nil
	s.flushScheduled = false

	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var frames [][]byte
	if snap != nil {
		if data, err := json.Marshal(Message{Type: "orderbook", Symbol: symbol, Snapshot: snap}); err == nil {
			frames = append(frames, data)
		}
	}
	switch {
	case len(trades) == 1:
		if data, err := json.Marshal(Message{Type: "trade", Symbol: symbol, Trade: &trades[0]}); err == nil {
			frames = append(frames, data)
		}
	case len(trades) > 1:
		if data, err := json.Marshal(Message{Type: "trades", Symbol: symbol, Trades: trades}); err == nil {
			frames = append(frames, data)
		}
	}
	if len(frames) == 0 {
		return
	}

	for _, sub := range subs {
		for _, frame := range frames {
			if !sub.limiter.Allow() {
				continue // this subscriber's copy is dropped
			}
			if err := f.send(sub, frame); err != nil {
				f.drop(s, symbol, sub.id, err)
				break
			}
		}
	}
}

// RunHeartbeat pings every subscriber of every symbol until the context is
// cancelled. Pings are subject to each subscriber's rate limiter.
func (f *Fanout) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sendHeartbeat()
		}
	}
}

func (f *Fanout) sendHeartbeat() {
	now := time.Now().UTC()
	data, err := json.Marshal(Message{Type: "ping", TimestampUTC: &now})
	if err != nil {
		return
	}

	f.mu.Lock()
	symbols := make(map[string]*symbolState, len(f.symbols))
	for symbol, s := range f.symbols {
		symbols[symbol] = s
	}
	f.mu.Unlock()

	for symbol, s := range symbols {
		s.mu.Lock()
		subs := make([]*subscriber, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.mu.Unlock()

		for _, sub := range subs {
			if !sub.limiter.Allow() {
				continue
			}
			if err := f.send(sub, data); err != nil {
				f.drop(s, symbol, sub.id, err)
			}
		}
	}
}

func (f *Fanout) send(sub *subscriber, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.config.SendTimeout)
	defer cancel()
	return sub.conn.Send(ctx, data)
}

// drop removes a subscriber whose transport failed; the producer never
// blocks on a slow or dead consumer.
func (f *Fanout) drop(s *symbolState, symbol, connID string, err error) {
	f.logger.Warn("dropping market data subscriber", "symbol", symbol, "conn", connID, "error", err)
	s.mu.Lock()
	delete(s.subs, connID)
	s.mu.Unlock()
}
