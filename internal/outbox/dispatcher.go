package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/pkg/schema"
)

// Dispatcher defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 100
	DefaultPoolSize     = 4
)

// Store is the outbox persistence the dispatcher drives.
type Store interface {
	ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]*schema.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id string, at time.Time) error
	MarkEventRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) error
	MarkEventDeadLetter(ctx context.Context, id string, retryCount int, lastErr string) error
	MarkEventFailed(ctx context.Context, id string, lastErr string) error
	RetryEvent(ctx context.Context, id string, at time.Time) error
	ListFailedEvents(ctx context.Context, limit int) ([]*schema.OutboxEvent, error)
	RecoverStuckEvents(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// Deliverer sends one event to the destinations of a prefix. Errors wrapped
// with engine.Permanent park the event as FAILED; others are retried.
type Deliverer interface {
	Deliver(ctx context.Context, ev *schema.OutboxEvent) error
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(ctx context.Context, ev *schema.OutboxEvent) error

func (f DeliverFunc) Deliver(ctx context.Context, ev *schema.OutboxEvent) error { return f(ctx, ev) }

// Config tunes the delivery loop. Zero fields take their defaults.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	PoolSize     int
	Backoff      engine.BackoffPolicy
}

// Dispatcher polls due outbox rows and delivers them through a worker pool.
type Dispatcher struct {
	store      Store
	cfg        Config
	pool       *engine.WorkerPool
	logger     *slog.Logger
	now        func() time.Time
	mu         sync.RWMutex
	deliverers map[string]Deliverer
}

// NewDispatcher creates a Dispatcher with no deliverers registered.
func NewDispatcher(st Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = engine.DeliveryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "outbox"))
	return &Dispatcher{
		store:      st,
		cfg:        cfg,
		pool:       engine.NewWorkerPool("outbox", cfg.PoolSize, logger),
		logger:     logger,
		now:        time.Now,
		deliverers: make(map[string]Deliverer),
	}
}

// Register routes destinations starting with prefix (e.g. "webhook:") to d.
func (d *Dispatcher) Register(prefix string, dl Deliverer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverers[prefix] = dl
}

// Run polls until ctx is cancelled, then waits for in-flight deliveries.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "outbox dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval), slog.Int("pool_size", d.cfg.PoolSize))
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "outbox poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			d.pool.Shutdown()
			d.logger.InfoContext(context.WithoutCancel(ctx), "outbox dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll claims one batch of due events and delivers it, returning the number
// of claimed events once every delivery has settled.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	events, err := d.store.ClaimDueEvents(ctx, d.now().UTC(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due events: %w", err)
	}
	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		err := d.pool.Submit(ctx, "deliver "+ev.ID, func(ctx context.Context) error {
			defer wg.Done()
			return d.process(ctx, ev)
		})
		if err != nil {
			// Left PROCESSING; RecoverStuck re-queues it.
			wg.Done()
			d.logger.WarnContext(ctx, "outbox delivery not submitted",
				slog.String("event_id", ev.ID), slog.String("error", err.Error()))
		}
	}
	wg.Wait()
	return len(events), nil
}

// process delivers ev and records the outcome.
func (d *Dispatcher) process(ctx context.Context, ev *schema.OutboxEvent) error {
	log := d.logger.With(
		slog.String("event_id", ev.ID),
		slog.String("event_type", ev.EventType),
		slog.String("destination", ev.Destination))
	// Status updates must land even when delivery was cut short by shutdown.
	markCtx := context.WithoutCancel(ctx)

	err := d.deliver(ctx, ev)
	if err == nil {
		if merr := d.store.MarkEventPublished(markCtx, ev.ID, d.now().UTC()); merr != nil {
			log.ErrorContext(ctx, "mark published failed", slog.String("error", merr.Error()))
			return merr
		}
		log.DebugContext(ctx, "event published")
		return nil
	}

	if ctx.Err() != nil {
		// An attempt cut short by shutdown does not count against the budget.
		if merr := d.store.MarkEventRetry(markCtx, ev.ID, ev.RetryCount, d.now().UTC(), err.Error()); merr != nil {
			log.ErrorContext(markCtx, "requeue after shutdown failed", slog.String("error", merr.Error()))
		}
		return err
	}

	if !engine.IsRetryableError(err) {
		log.WarnContext(ctx, "event delivery failed permanently", slog.String("error", err.Error()))
		if merr := d.store.MarkEventFailed(markCtx, ev.ID, err.Error()); merr != nil {
			log.ErrorContext(ctx, "mark failed failed", slog.String("error", merr.Error()))
		}
		return err
	}

	retries := ev.RetryCount + 1
	maxRetries := ev.MaxRetries
	if maxRetries <= 0 {
		maxRetries = schema.DefaultEventMaxRetries
	}
	if retries >= maxRetries {
		log.WarnContext(ctx, "event dead-lettered",
			slog.Int("retry_count", retries), slog.String("error", err.Error()))
		if merr := d.store.MarkEventDeadLetter(markCtx, ev.ID, retries, err.Error()); merr != nil {
			log.ErrorContext(ctx, "mark dead letter failed", slog.String("error", merr.Error()))
		}
		return err
	}

	next := d.now().UTC().Add(engine.ComputeBackoff(d.cfg.Backoff, retries-1))
	log.InfoContext(ctx, "event delivery will be retried",
		slog.Int("retry_count", retries), slog.Time("next_retry_at", next), slog.String("error", err.Error()))
	if merr := d.store.MarkEventRetry(markCtx, ev.ID, retries, next, err.Error()); merr != nil {
		log.ErrorContext(ctx, "mark retry failed", slog.String("error", merr.Error()))
	}
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, ev *schema.OutboxEvent) error {
	d.mu.RLock()
	var dl Deliverer
	for prefix, candidate := range d.deliverers {
		if strings.HasPrefix(ev.Destination, prefix) {
			dl = candidate
			break
		}
	}
	d.mu.RUnlock()
	if dl == nil {
		return engine.Permanent(fmt.Errorf("no deliverer for destination %q", ev.Destination))
	}
	return dl.Deliver(ctx, ev)
}

// RetryEvent resets a FAILED or DEAD_LETTER event to PENDING with a fresh
// retry budget.
func (d *Dispatcher) RetryEvent(ctx context.Context, id string) error {
	if err := d.store.RetryEvent(ctx, id, d.now().UTC()); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "event re-queued", slog.String("event_id", id))
	return nil
}

// ListFailed lists FAILED and DEAD_LETTER events, newest first.
func (d *Dispatcher) ListFailed(ctx context.Context, limit int) ([]*schema.OutboxEvent, error) {
	return d.store.ListFailedEvents(ctx, limit)
}

// RecoverStuck re-queues events left PROCESSING for longer than olderThan.
func (d *Dispatcher) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := d.now().UTC()
	n, err := d.store.RecoverStuckEvents(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("recover stuck events: %w", err)
	}
	if n > 0 {
		d.logger.WarnContext(ctx, "recovered stuck outbox events", slog.Int64("count", n))
	}
	return n, nil
}

// Metrics reports the delivery pool counters.
func (d *Dispatcher) Metrics() engine.PoolMetrics { return d.pool.Metrics() }
