package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// flakyBus fails the first failures publishes, then succeeds.
type flakyBus struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (b *flakyBus) Publish(context.Context, string, any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failures {
		return errors.New("broker unavailable")
	}
	return nil
}

func (b *flakyBus) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPublisher(o *Outbox, b *flakyBus, cfg PublisherConfig) (*Publisher, *time.Time) {
	p := NewPublisher(o, b, NewRegistry(), cfg, discardLogger())
	now := time.Now()
	p.now = func() time.Time { return now }
	o.now = p.now
	return p, &now
}

func TestPublishSuccess(t *testing.T) {
	o := New()
	rec := enqueueOne(t, o)

	p, _ := newTestPublisher(o, &flakyBus{}, PublisherConfig{})
	p.runOnce(context.Background())

	got, _ := o.Record(rec.ID)
	if got.Status != Published {
		t.Fatalf("expected Published, got %v", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("expected 0 attempts on first-try success, got %d", got.Attempts)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	o := New()
	rec := enqueueOne(t, o)

	bus := &flakyBus{failures: 1}
	p, now := newTestPublisher(o, bus, PublisherConfig{BaseDelay: time.Second, MaxAttempts: 5})

	// First cycle: publish fails, record rescheduled 1s out.
	p.runOnce(context.Background())
	got, _ := o.Record(rec.ID)
	if got.Status != Pending || got.Attempts != 1 {
		t.Fatalf("after failure: %+v", got)
	}
	if want := now.Add(time.Second); !got.NextAttemptAt.Equal(want) {
		t.Errorf("next attempt at %v, want %v", got.NextAttemptAt, want)
	}

	// Half a second later the record is still backing off.
	*now = now.Add(500 * time.Millisecond)
	p.runOnce(context.Background())
	if got, _ := o.Record(rec.ID); got.Status != Pending {
		t.Fatalf("record dispatched during backoff: %+v", got)
	}

	// Past the backoff it publishes and stays at attempts=1.
	*now = now.Add(700 * time.Millisecond)
	p.runOnce(context.Background())
	got, _ = o.Record(rec.ID)
	if got.Status != Published {
		t.Fatalf("expected Published after retry, got %v", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", got.Attempts)
	}
}

func TestTerminalFailureAtMaxAttempts(t *testing.T) {
	o := New()
	rec := enqueueOne(t, o)

	bus := &flakyBus{failures: 100}
	p, _ := newTestPublisher(o, bus, PublisherConfig{MaxAttempts: 1})

	p.runOnce(context.Background())

	got, _ := o.Record(rec.ID)
	if got.Status != Failed {
		t.Fatalf("expected Failed with max_attempts=1, got %v", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", got.Attempts)
	}

	// Never leased again.
	p.runOnce(context.Background())
	if bus.calls != 1 {
		t.Errorf("failed record dispatched again: %d calls", bus.calls)
	}
}

func TestUnknownTypeTagFailsTerminally(t *testing.T) {
	o := New()
	rec, err := o.Enqueue(OrderMatched{TradeID: "t1", Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the tag to simulate an event type with no registered decoder.
	o.mu.Lock()
	o.byID[rec.ID].Type = "bogus.event"
	o.mu.Unlock()

	bus := &flakyBus{}
	p, _ := newTestPublisher(o, bus, PublisherConfig{MaxAttempts: 10})
	p.runOnce(context.Background())

	got, _ := o.Record(rec.ID)
	if got.Status != Failed {
		t.Fatalf("expected terminal Failed for unknown tag, got %v", got.Status)
	}
	if bus.calls != 0 {
		t.Errorf("undecodable record must not reach the bus, got %d calls", bus.calls)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := NewPublisher(New(), &flakyBus{}, NewRegistry(), PublisherConfig{
		BaseDelay: time.Second,
		MaxDelay:  10 * time.Second,
	}, discardLogger())

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},  // capped
		{40, 10 * time.Second}, // shift clamped, still capped
	}
	for _, tc := range cases {
		if got := p.backoffDelay(tc.attempts); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	o := New()
	p := NewPublisher(o, &flakyBus{}, NewRegistry(), PublisherConfig{PollInterval: 10 * time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop on cancel")
	}
}
