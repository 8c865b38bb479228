package observability

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, sweeps and store calls take
// - Traffic: Request, launch and delivery throughput
// - Errors: Rate of failures
// - Saturation: Live workers against the cap, notifier queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Dispatcher metrics
	SweepDuration    metric.Float64Histogram
	SweepErrors      metric.Int64Counter
	WorkerLaunches   metric.Int64Counter
	WorkersLive      metric.Int64Gauge
	WorkersReclaimed metric.Int64Counter
	JobsEscalated    metric.Int64Counter

	// Store metrics
	StoreOpDuration metric.Float64Histogram

	// Notifier metrics
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
// Each call gets its own registry, served by the returned handler.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("replaytasker")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.SweepDuration, err = meter.Float64Histogram(
		"sweep_duration_seconds",
		metric.WithDescription("Dispatcher sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepErrors, err = meter.Int64Counter(
		"sweep_errors_total",
		metric.WithDescription("Total number of dispatcher sweeps that ended in an error"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerLaunches, err = meter.Int64Counter(
		"worker_launches_total",
		metric.WithDescription("Total number of worker launch attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkersLive, err = meter.Int64Gauge(
		"workers_live",
		metric.WithDescription("Number of live worker handles (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkersReclaimed, err = meter.Int64Counter(
		"workers_reclaimed_total",
		metric.WithDescription("Total number of terminated workers whose resources were reclaimed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsEscalated, err = meter.Int64Counter(
		"jobs_escalated_total",
		metric.WithDescription("Total number of failed jobs requeued or abandoned"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Store metrics
	m.StoreOpDuration, err = meter.Float64Histogram(
		"store_op_duration_seconds",
		metric.WithDescription("Job store operation latency in seconds, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of events in the notifier queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RegisterJobCounts exports a jobs{state} gauge. count is called on every scrape.
func (m *Metrics) RegisterJobCounts(count func(ctx context.Context) (map[string]int64, error)) error {
	_, err := m.meter.Int64ObservableGauge(
		"jobs",
		metric.WithDescription("Number of jobs per state"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			counts, err := count(ctx)
			if err != nil {
				return err
			}
			for state, n := range counts {
				o.Observe(n, metric.WithAttributes(stateAttr(state)))
			}
			return nil
		}),
	)
	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordSweep records one dispatcher sweep.
func (m *Metrics) RecordSweep(ctx context.Context, sweep string, durationSeconds float64, success bool) {
	m.SweepDuration.Record(ctx, durationSeconds, metric.WithAttributes(sweepAttr(sweep), successAttr(success)))
	if !success {
		m.SweepErrors.Add(ctx, 1, metric.WithAttributes(sweepAttr(sweep)))
	}
}

// RecordLaunch records a worker launch attempt.
func (m *Metrics) RecordLaunch(ctx context.Context, success bool) {
	m.WorkerLaunches.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordReclaimed records a terminated worker being cleaned up.
func (m *Metrics) RecordReclaimed(ctx context.Context) {
	m.WorkersReclaimed.Add(ctx, 1)
}

// RecordEscalation records the retry sweep's decision for one failed job.
func (m *Metrics) RecordEscalation(ctx context.Context, action string) {
	m.JobsEscalated.Add(ctx, 1, metric.WithAttributes(actionAttr(action)))
}

// RecordLiveWorkers records the current number of live worker handles.
func (m *Metrics) RecordLiveWorkers(ctx context.Context, n int64) {
	m.WorkersLive.Record(ctx, n)
}

// ObserveStore records one store operation. It matches store.Config.Observe.
func (m *Metrics) ObserveStore(op string, d time.Duration, err error) {
	m.StoreOpDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(opAttr(op), successAttr(err == nil)))
}

// RecordNotifyDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed event delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
