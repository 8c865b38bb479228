// Package notify delivers lifecycle events to an external webhook with buffering and retry.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"replaytasker/internal/events"
	"replaytasker/pkg/backoff"
	"replaytasker/pkg/circuitbreaker"
	"replaytasker/pkg/cloudevent"
)

// ErrBufferFull is returned when the buffer is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("notifier is closed")

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth   int    `json:"queueDepth"`
	Queued       int64  `json:"queued"`
	Delivered    int64  `json:"delivered"`
	Failed       int64  `json:"failed"`
	Dropped      int64  `json:"dropped"`
	Requeued     int64  `json:"requeued"`
	RetriesTotal int64  `json:"retriesTotal"`
	Breaker      string `json:"breaker"`
}

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

type pending struct {
	event    *cloudevent.CloudEvent
	requeues int
}

// Notifier is an in-memory async webhook sender.
// Events are queued in a bounded channel and delivered by a worker pool.
// If the buffer is full, events are dropped (logged + metric incremented).
type Notifier struct {
	queue    chan *pending
	sender   *cloudevent.Sender
	breaker  *circuitbreaker.Breaker
	retry    backoff.Policy
	cooldown time.Duration
	cfg      Config
	host     string
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New starts a notifier delivering to cfg.URL.
func New(cfg Config, metrics MetricsRecorder) (*Notifier, error) {
	cfg = cfg.withDefaults()
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid notify url %q", cfg.URL)
	}

	logger := slog.With("component", "notify", "destination", parsed.Host)
	n := &Notifier{
		queue:  make(chan *pending, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Info("Notify circuit state changed", "from", from.String(), "to", to.String())
			},
		}),
		retry: backoff.Policy{
			MaxAttempts: defaultMaxRetries + 1,
			Backoff:     backoff.Config{Initial: 100 * time.Millisecond, Max: 5 * time.Second},
		},
		cooldown: defaultBreakerCooldown,
		cfg:      cfg,
		host:     parsed.Host,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}
	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n, nil
}

// Publish implements events.Sink. Events outside the configured type filter
// and events that do not fit in the buffer are dropped.
func (n *Notifier) Publish(ev *cloudevent.CloudEvent) {
	if !events.Filtered(ev.Type, n.cfg.Types) {
		return
	}
	_ = n.Enqueue(ev)
}

// Enqueue queues an event for async delivery. Non-blocking.
func (n *Notifier) Enqueue(ev *cloudevent.CloudEvent) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if err := ev.Validate(); err != nil {
		if ev != nil {
			n.drop("Event dropped, invalid", ev)
		}
		return err
	}

	select {
	case n.queue <- &pending{event: ev}:
		n.queued.Add(1)
		return nil
	default:
		n.drop("Event dropped, buffer full", ev)
		return ErrBufferFull
	}
}

// Stats returns current notifier statistics.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		Requeued:     n.requeued.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		Breaker:      n.breaker.State().String(),
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// The context deadline controls how long to wait for drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifyQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case p := <-n.queue:
			n.deliver(p)
		}
	}
}

func (n *Notifier) drainQueue() {
	for {
		select {
		case p := <-n.queue:
			n.deliver(p)
		default:
			return
		}
	}
}

// deliver sends one event with retry, guarded by the circuit breaker.
func (n *Notifier) deliver(p *pending) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := n.breaker.Do(func() error {
		return n.sendWithRetry(ctx, p.event)
	}, cloudevent.IsClientError)

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		n.requeue(p)
	case err != nil:
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "type", p.event.Type, "subject", p.event.Subject, "error", err)
	default:
		n.delivered.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
		}
	}
}

// requeue puts an event back in the queue once the breaker may let it through.
func (n *Notifier) requeue(p *pending) {
	if p.requeues >= defaultMaxRequeues {
		n.drop("Event dropped, max requeues reached", p.event)
		return
	}
	if n.closed.Load() {
		n.drop("Event dropped, circuit open during shutdown", p.event)
		return
	}

	p.requeues++
	n.requeued.Add(1)

	wait := n.breaker.RetryIn()
	if wait <= 0 {
		wait = n.cooldown
	}
	go func() {
		select {
		case <-n.shutdown:
			return
		case <-time.After(wait):
		}

		select {
		case n.queue <- p:
			n.logger.Debug("Event requeued", "type", p.event.Type, "requeues", p.requeues)
		case <-n.shutdown:
		default:
			n.drop("Event dropped on requeue, buffer full", p.event)
		}
	}()
}

func (n *Notifier) sendWithRetry(ctx context.Context, ev *cloudevent.CloudEvent) error {
	attempt := 0
	return backoff.Retry(ctx, n.retry, func(err error) bool {
		return !cloudevent.IsClientError(err)
	}, func(ctx context.Context) error {
		if attempt > 0 {
			n.retriesTotal.Add(1)
		}
		attempt++
		return n.sender.Send(ctx, n.cfg.URL, ev, cloudevent.SendOptions{
			SigningKey: n.cfg.SigningKey,
			Attempt:    attempt,
		})
	})
}

func (n *Notifier) drop(msg string, ev *cloudevent.CloudEvent) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDropped(context.Background())
	}
	n.logger.Warn(msg, "type", ev.Type, "subject", ev.Subject)
}

// Verify Notifier implements events.Sink
var _ events.Sink = (*Notifier)(nil)
