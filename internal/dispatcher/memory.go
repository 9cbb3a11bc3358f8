package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"processagent/pkg/backoff"
	"processagent/pkg/circuitbreaker"
	"processagent/pkg/cloudevent"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// MemoryDispatcher queues events in a bounded channel drained by a worker
// pool. Events that do not fit are dropped.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	cfg      MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	requeued  atomic.Int64
	retries   atomic.Int64

	mu       sync.RWMutex // guards closed against sends on queue
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewMemory starts a dispatcher. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "dispatcher")

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout, cfg.UserAgent),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			OnStateChange: func(host string, from, to circuitbreaker.State) {
				logger.Warn("Webhook circuit changed", "destination", host, "from", from, "to", to)
			},
		}),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues an event for delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	bs := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		Retries:       d.retries.Load(),
		BreakersTotal: bs.Total,
		BreakersOpen:  bs.Open,
	}
}

// Close stops accepting events and waits for the workers to drain the queue.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.shutdown)
	d.mu.Unlock()

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.shutdown:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HTTPTimeout*time.Duration(d.cfg.MaxAttempts+1))
	defer cancel()

	start := time.Now()
	err := breaker.Do(func() error { return d.send(ctx, event) })
	switch {
	case err == nil:
		d.delivered.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
		}
	case errors.Is(err, circuitbreaker.ErrOpen):
		d.requeue(event, host)
	default:
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "destination", host, "type", event.Payload.Type, "error", err)
	}
}

func (d *MemoryDispatcher) send(ctx context.Context, event *Event) error {
	attempt := 0
	return backoff.Retry(ctx, d.cfg.Backoff, d.cfg.MaxAttempts, func(ctx context.Context) error {
		if attempt++; attempt > 1 {
			d.retries.Add(1)
		}
		err := d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if cloudevent.IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// requeue puts an event back once the breaker had time to cool down.
func (d *MemoryDispatcher) requeue(event *Event, host string) {
	if event.requeues >= d.cfg.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}
	event.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		select {
		case <-d.shutdown:
			d.drop(event, "shutting down with open circuit")
			return
		case <-time.After(d.cfg.BreakerCooldown):
		}

		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			d.drop(event, "shutting down with open circuit")
			return
		}
		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", event.requeues)
		default:
			d.drop(event, "buffer full on requeue")
		}
	}()
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
	)
}

// extractHost keys circuit breakers by host.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
