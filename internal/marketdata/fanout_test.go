package marketdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"exchange/internal/orderbook"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection gone")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) messages(t *testing.T) []Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.frames))
	for i, frame := range c.frames {
		if err := json.Unmarshal(frame, &out[i]); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
	}
	return out
}

// newTestFanout returns a fanout whose batch timer never fires on its own;
// the returned func runs all armed flushes synchronously.
func newTestFanout(cfg Config) (*Fanout, func()) {
	f := NewFanout(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var mu sync.Mutex
	var pending []func()
	f.afterFunc = func(_ time.Duration, fn func()) *time.Timer {
		mu.Lock()
		pending = append(pending, fn)
		mu.Unlock()
		return nil
	}
	fire := func() {
		mu.Lock()
		fns := pending
		pending = nil
		mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
	return f, fire
}

func trade(id, price, qty string) orderbook.Trade {
	p, _ := decimal.NewFromString(price)
	q, _ := decimal.NewFromString(qty)
	return orderbook.Trade{ID: id, Symbol: "BTC-USD", Price: p, Quantity: q}
}

func snapshot() orderbook.Snapshot {
	return orderbook.Snapshot{Symbol: "BTC-USD", Bids: []orderbook.Level{}, Asks: []orderbook.Level{}}
}

func TestBatchedTradesFlushAsOneMessage(t *testing.T) {
	f, fire := newTestFanout(Config{MaxMessagesPerSecond: 100})
	conn := &fakeConn{}
	f.Subscribe("BTC-USD", conn)

	// Two bursts inside one batch window.
	f.BroadcastTrades("BTC-USD", []orderbook.Trade{trade("t1", "100", "1"), trade("t2", "100", "1"), trade("t3", "100", "1")})
	f.BroadcastTrades("BTC-USD", []orderbook.Trade{trade("t4", "101", "1"), trade("t5", "101", "1"), trade("t6", "101", "1")})
	fire()

	msgs := conn.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 message, got %d", len(msgs))
	}
	if msgs[0].Type != "trades" {
		t.Fatalf("expected trades frame, got %q", msgs[0].Type)
	}
	if len(msgs[0].Trades) != 6 {
		t.Fatalf("expected 6 trades in frame, got %d", len(msgs[0].Trades))
	}
	for i, want := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		if msgs[0].Trades[i].ID != want {
			t.Errorf("trade %d = %s, want %s (order must be preserved)", i, msgs[0].Trades[i].ID, want)
		}
	}
}

func TestSingleTradeUsesSingularFrame(t *testing.T) {
	f, fire := newTestFanout(Config{MaxMessagesPerSecond: 100})
	conn := &fakeConn{}
	f.Subscribe("BTC-USD", conn)

	f.BroadcastTrades("BTC-USD", []orderbook.Trade{trade("t1", "100", "1")})
	fire()

	msgs := conn.messages(t)
	if len(msgs) != 1 || msgs[0].Type != "trade" {
		t.Fatalf("expected one trade frame, got %+v", msgs)
	}
	if msgs[0].Trade == nil || msgs[0].Trade.ID != "t1" {
		t.Errorf("unexpected trade payload: %+v", msgs[0].Trade)
	}
}

func TestSnapshotCoalescesLastWriterWins(t *testing.T) {
	f, fire := newTestFanout(Config{MaxMessagesPerSecond: 100})
	conn := &fakeConn{}
	f.Subscribe("BTC-USD", conn)

	first := snapshot()
	first.Bids = []orderbook.Level{{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(1), OrderCount: 1}}
	second := snapshot()
	second.Bids = []orderbook.Level{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2), OrderCount: 2}}

	f.BroadcastOrderBook("BTC-USD", first)
	f.BroadcastOrderBook("BTC-USD", second)
	fire()

	msgs := conn.messages(t)
	if len(msgs) != 1 || msgs[0].Type != "orderbook" {
		t.Fatalf("expected one orderbook frame, got %+v", msgs)
	}
	if !msgs[0].Snapshot.Bids[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected latest snapshot to win, got %+v", msgs[0].Snapshot)
	}
}

func TestSnapshotAndTradesFlushInOrder(t *testing.T) {
	f, fire := newTestFanout(Config{MaxMessagesPerSecond: 100})
	conn := &fakeConn{}
	f.Subscribe("BTC-USD", conn)

	f.BroadcastOrderBook("BTC-USD", snapshot())
	f.BroadcastTrades("BTC-USD", []orderbook.Trade{trade("t1", "100", "1")})
	fire()

	msgs := conn.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("expected orderbook then trade, got %d messages", len(msgs))
	}
	if msgs[0].Type != "orderbook" || msgs[1].Type != "trade" {
		t.Errorf("unexpected frame order: %s, %s", msgs[0].Type, msgs[1].Type)
	}
}

func TestUnicastSnapshotBypassesRateLimit(t *testing.T) {
	f, _ := newTestFanout(Config{MaxMessagesPerSecond: 1})
	conn := &fakeConn{}
	id := f.Subscribe("BTC-USD", conn)

	// Exhaust the bucket, then unicast; the snapshot must still arrive.
	for i := 0; i < 5; i++ {
		f.SendSnapshot("BTC-USD", id, snapshot())
	}

	if got := len(conn.messages(t)); got != 5 {
		t.Fatalf("unicast snapshots must bypass the limiter, got %d of 5", got)
	}
}

func TestRateLimiterDropsExcessBroadcasts(t *testing.T) {
	f, fire := newTestFanout(Config{MaxMessagesPerSecond: 2})
	conn := &fakeConn{}
	f.Subscribe("BTC-USD", conn)

	for i := 0; i < 5; i++ {
		f.BroadcastTrades("BTC-USD", []orderbook.Trade{trade("t", "100", "1")})
		fire()
	}

	if got := len(conn.messages(t)); got != 2 {
		t.Fatalf("expected 2 frames through a burst-2 limiter, got %d", got)
	}
}

func TestFailedSendRemovesSubscriber(t *testing.T) {
	f, fire := newTestFanout(Config{MaxMessagesPerSecond: 100})
	healthy := &fakeConn{}
	broken := &fakeConn{fail: true}
	f.Subscribe("BTC-USD", healthy)
	brokenID := f.Subscribe("BTC-USD", broken)

	f.BroadcastTrades("BTC-USD", []orderbook.Trade{trade("t1", "100", "1")})
	fire()

	if len(healthy.messages(t)) != 1 {
		t.Error("healthy subscriber should still receive frames")
	}

	s := f.state("BTC-USD")
	s.mu.Lock()
	_, stillThere := s.subs[brokenID]
	s.mu.Unlock()
	if stillThere {
		t.Error("faulted subscriber should have been removed")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f, fire := newTestFanout(Config{MaxMessagesPerSecond: 100})
	conn := &fakeConn{}
	id := f.Subscribe("BTC-USD", conn)
	f.Unsubscribe("BTC-USD", id)

	f.BroadcastTrades("BTC-USD", []orderbook.Trade{trade("t1", "100", "1")})
	fire()

	if got := len(conn.messages(t)); got != 0 {
		t.Fatalf("unsubscribed connection received %d frames", got)
	}
}

func TestHeartbeatReachesAllSymbols(t *testing.T) {
	f, _ := newTestFanout(Config{MaxMessagesPerSecond: 100})
	btc := &fakeConn{}
	eth := &fakeConn{}
	f.Subscribe("BTC-USD", btc)
	f.Subscribe("ETH-USD", eth)

	f.sendHeartbeat()

	for name, conn := range map[string]*fakeConn{"btc": btc, "eth": eth} {
		msgs := conn.messages(t)
		if len(msgs) != 1 || msgs[0].Type != "ping" {
			t.Errorf("%s: expected one ping, got %+v", name, msgs)
		}
		if msgs[0].TimestampUTC == nil {
			t.Errorf("%s: ping missing timestamp", name)
		}
	}
}
