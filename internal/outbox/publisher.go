package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"exchange/internal/bus"
)

const maxBackoffShift = 20

// PublisherConfig tunes the lease/dispatch loop.
type PublisherConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	LeaseDuration  time.Duration
	MaxParallelism int
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	PublishTimeout time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// Publisher periodically leases due records and dispatches them to the bus
// with bounded parallelism. Delivery is at-least-once; failed publishes are
// rescheduled with exponential backoff until MaxAttempts.
type Publisher struct {
	outbox   *Outbox
	bus      bus.EventBus
	registry *Registry
	config   PublisherConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewPublisher(o *Outbox, b bus.EventBus, registry *Registry, config PublisherConfig, logger *slog.Logger) *Publisher {
	return &Publisher{
		outbox:   o,
		bus:      b,
		registry: registry,
		config:   config.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Run polls until the context is cancelled. The in-flight batch is always
// dispatched to completion before Run returns, so cancellation never
// abandons a leased record mid-publish.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

// runOnce leases one batch and dispatches it, waiting for every record.
func (p *Publisher) runOnce(ctx context.Context) {
	now := p.now()
	batch := p.outbox.TryLeaseBatch(now, p.config.BatchSize, p.config.LeaseDuration)
	if len(batch) == 0 {
		return
	}

	workers := pool.New().WithMaxGoroutines(p.config.MaxParallelism)
	for _, rec := range batch {
		workers.Go(func() {
			p.dispatch(ctx, rec)
		})
	}
	workers.Wait()
}

func (p *Publisher) dispatch(ctx context.Context, rec Record) {
	event, err := p.registry.Decode(rec.Type, rec.Payload)
	if err != nil {
		// A tag we cannot decode will never succeed; fail terminally.
		p.logger.Error("outbox record undecodable", "id", rec.ID, "type", rec.Type, "error", err)
		p.outbox.MarkFailedOrReschedule(rec.ID, err.Error(), p.now(), Failed)
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	err = p.bus.Publish(publishCtx, rec.Type, event)
	cancel()

	if err == nil {
		p.outbox.MarkPublished(rec.ID)
		return
	}

	nextAttempt := rec.Attempts + 1
	if nextAttempt >= p.config.MaxAttempts {
		p.logger.Error("outbox record failed terminally",
			"id", rec.ID, "type", rec.Type, "attempts", nextAttempt, "error", err)
		p.outbox.MarkFailedOrReschedule(rec.ID, err.Error(), p.now(), Failed)
		return
	}

	delay := p.backoffDelay(rec.Attempts)
	p.logger.Warn("outbox publish failed, rescheduling",
		"id", rec.ID, "type", rec.Type, "attempts", nextAttempt, "retry_in", delay, "error", err)
	p.outbox.MarkFailedOrReschedule(rec.ID, err.Error(), p.now().Add(delay), Pending)
}

// backoffDelay doubles per attempt, clamped so the shift cannot overflow,
// and is capped at MaxDelay.
func (p *Publisher) backoffDelay(attempts int) time.Duration {
	shift := attempts
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := p.config.BaseDelay << shift
	if delay <= 0 || delay > p.config.MaxDelay {
		return p.config.MaxDelay
	}
	return delay
}
