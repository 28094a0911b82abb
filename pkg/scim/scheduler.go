package scim

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// DeliveryReadyChannel is the Redis pub/sub channel Intake publishes to
// after inserting Deliveries, and ScheduledProcessor subscribes to, so the
// poller can wake up immediately instead of waiting for the next tick.
// Redis is a latency optimization only; its absence or failure degrades
// silently to tick-only polling (see redisNotifier in internal/app).
const DeliveryReadyChannel = "scimcore:delivery:ready"

// EventProcessor is the pluggable driver behind §4.3: a single active
// implementation claims due Deliveries and dispatches them to workers. The
// "scheduled" processor below is the only one this spec requires; "cdi",
// "kafka", and "amqp" are reserved names for alternate implementations that
// consume events from something other than a poll tick but must honor the
// same Delivery->terminal-state contract. OnEvent is the hook an
// event-driven processor would use instead of polling; the scheduled
// processor does not need it since it only ever reacts to its own ticks and
// the best-effort wake channel.
type EventProcessor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnEvent(ctx context.Context, e LocalEvent)
}

// DeliveryProcessor processes one claimed Delivery to a terminal or
// RETRYING state. *Worker implements this; tests can substitute a fake.
type DeliveryProcessor interface {
	Process(ctx context.Context, d Delivery)
}

// ScheduledProcessor is the default EventProcessor: a single logical poller
// that fires on a fixed interval (plus an optional Redis-driven early
// wake-up), claims due Deliveries, and dispatches each one on its own to a
// bounded worker pool; Deliveries are not grouped by event. It never blocks on a slow
// destination — a stalled Delivery only affects its own record — and it
// isolates per-worker panics the way pkg/escalation/engine.go's tick loop
// and pkg/roster/worker.go's supervised loop do in the teacher, generalized
// here to golang.org/x/sync/errgroup's SetLimit instead of a hand-rolled
// WaitGroup, since that is the idiomatic Go shape for "run N jobs
// concurrently, isolate panics, don't cancel siblings."
type ScheduledProcessor struct {
	deliveries   *DeliveryStore
	worker       DeliveryProcessor
	rdb          *redis.Client // optional; nil disables the wake channel
	logger       *slog.Logger

	pollInterval time.Duration
	batchSize    int
	concurrency  int
	reclaimAfter time.Duration
	drainTimeout time.Duration

	batchSizeMetric prometheus.Histogram

	stop chan struct{}
	done chan struct{}
}

// ScheduledProcessorConfig configures a ScheduledProcessor.
type ScheduledProcessorConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	ReclaimAfter time.Duration
	DrainTimeout time.Duration
}

// NewScheduledProcessor constructs the default poller. rdb may be nil.
func NewScheduledProcessor(deliveries *DeliveryStore, worker DeliveryProcessor, rdb *redis.Client, logger *slog.Logger, cfg ScheduledProcessorConfig, batchSizeMetric prometheus.Histogram) *ScheduledProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = 2 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &ScheduledProcessor{
		deliveries:      deliveries,
		worker:          worker,
		rdb:             rdb,
		logger:          logger,
		pollInterval:    cfg.PollInterval,
		batchSize:       cfg.BatchSize,
		concurrency:     cfg.Concurrency,
		reclaimAfter:    cfg.ReclaimAfter,
		drainTimeout:    cfg.DrainTimeout,
		batchSizeMetric: batchSizeMetric,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// OnEvent is a no-op for the scheduled processor: it only ever reacts to its
// own ticks and the wake channel, never to a direct method call.
func (p *ScheduledProcessor) OnEvent(context.Context, LocalEvent) {}

// Start runs the poll loop until ctx is cancelled or Stop is called. It
// blocks for the lifetime of the loop, matching pkg/escalation.Engine.Run.
func (p *ScheduledProcessor) Start(ctx context.Context) error {
	p.logger.Info("scim scheduler started", "poll_interval", p.pollInterval, "batch_size", p.batchSize)
	defer close(p.done)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var wakeCh <-chan *redis.Message
	if p.rdb != nil {
		pubsub := p.rdb.Subscribe(ctx, DeliveryReadyChannel)
		defer pubsub.Close()
		wakeCh = pubsub.Channel()
	}

	reclaimTicker := time.NewTicker(p.reclaimAfter)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("scim scheduler stopped")
			return nil
		case <-p.stop:
			p.logger.Info("scim scheduler stopped")
			return nil
		case <-reclaimTicker.C:
			if n, err := p.deliveries.MarkReclaimable(ctx, p.reclaimAfter); err != nil {
				p.logger.Error("scim scheduler: reclaiming stale deliveries", "error", err)
			} else if n > 0 {
				p.logger.Info("scim scheduler: reclaimed stale deliveries", "count", n)
			}
		case <-wakeCh:
			p.tick(ctx)
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Stop requests cooperative shutdown: the loop exits, and the caller should
// still wait up to drainTimeout (handled by the caller's context) for
// in-flight workers dispatched by the last tick to finish; anything left
// running past that is simply abandoned and reclaimed on next startup.
func (p *ScheduledProcessor) Stop(ctx context.Context) error {
	close(p.stop)
	select {
	case <-p.done:
	case <-ctx.Done():
	case <-time.After(p.drainTimeout):
	}
	return nil
}

// tick performs one claim-and-dispatch cycle: claim due Deliveries and run
// each one's processing concurrently with a bounded errgroup (no grouping
// by event). A panic or error in one Delivery's processing never cancels
// its siblings — processOne recovers a panic from
// DeliveryProcessor.Process, logs it, and leaves that Delivery IN_PROGRESS
// for reclaim, so a bug in a DeliveryProcessor implementation can't take
// down the scheduler loop.
func (p *ScheduledProcessor) tick(ctx context.Context) {
	batch, err := p.deliveries.ClaimDue(ctx, time.Now(), p.batchSize)
	if err != nil {
		p.logger.Error("scim scheduler: claiming due deliveries", "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}
	if p.batchSizeMetric != nil {
		p.batchSizeMetric.Observe(float64(len(batch)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, d := range batch {
		d := d
		g.Go(func() error {
			p.processOne(gctx, d)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *ScheduledProcessor) processOne(ctx context.Context, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("scim scheduler: worker panicked, leaving delivery IN_PROGRESS for reclaim",
				"delivery_id", d.ID, "panic", r)
		}
	}()
	p.worker.Process(ctx, d)
}
