package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records flow-control metrics through an OpenTelemetry meter
// exported in Prometheus format.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	limiterWait   metric.Float64Histogram
	limiterPauses metric.Int64Counter

	attempts       metric.Int64Counter
	attemptLatency metric.Float64Histogram
	retries        metric.Int64Counter
	retryBackoff   metric.Float64Histogram
	exhausted      metric.Int64Counter

	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	runDuration  metric.Float64Histogram
	deduplicated metric.Int64Counter

	steps metric.Int64Counter

	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// NewMetrics creates the meter provider, the Prometheus exporter and all
// instruments. Each Metrics owns its own Prometheus registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	cfg.SetDefaults()

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
		otelprom.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("github.com/kadirpekel/tempo")

	m := &Metrics{registry: registry, provider: provider}
	b := &instrumentBuilder{meter: meter}

	m.limiterWait = b.histogram("limiter_wait_seconds", "Time spent waiting for a rate limiter slot")
	m.limiterPauses = b.counter("limiter_pauses_total", "Tier-wide limiter pauses")
	m.attempts = b.counter("retry_attempts_total", "Gateway call attempts by outcome kind")
	m.attemptLatency = b.histogram("retry_attempt_duration_seconds", "Gateway call attempt duration")
	m.retries = b.counter("retry_retries_total", "Retries scheduled after transient failures")
	m.retryBackoff = b.histogram("retry_backoff_seconds", "Backoff delay before a retry")
	m.exhausted = b.counter("retry_exhausted_total", "Calls that exhausted their retry budget")
	m.runsStarted = b.counter("workflow_runs_started_total", "Workflow runs started")
	m.runsFinished = b.counter("workflow_runs_finished_total", "Workflow runs finished by outcome")
	m.runDuration = b.histogram("workflow_run_duration_seconds", "Workflow run duration")
	m.deduplicated = b.counter("workflow_deduplicated_total", "Start calls joined to an in-flight run")
	m.steps = b.counter("pipeline_step_transitions_total", "Pipeline step status transitions")
	m.httpRequests = b.counter("http_requests_total", "HTTP requests served")
	m.httpDuration = b.histogram("http_request_duration_seconds", "HTTP request duration")

	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(name, desc string) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}

func (m *Metrics) RecordLimiterWait(tier string, wait time.Duration) {
	m.limiterWait.Record(context.Background(), wait.Seconds(), attrs(attribute.String("tier", tier)))
}

func (m *Metrics) RecordLimiterPause(tier string, pause time.Duration) {
	m.limiterPauses.Add(context.Background(), 1, attrs(attribute.String("tier", tier)))
}

func (m *Metrics) RecordAttempt(tier, model, kind string, duration time.Duration) {
	if kind == "" {
		kind = "ok"
	}
	ctx := context.Background()
	m.attempts.Add(ctx, 1, attrs(
		attribute.String("tier", tier),
		attribute.String("model", model),
		attribute.String("kind", kind),
	))
	m.attemptLatency.Record(ctx, duration.Seconds(), attrs(attribute.String("model", model)))
}

func (m *Metrics) RecordRetry(tier string, delay time.Duration) {
	ctx := context.Background()
	m.retries.Add(ctx, 1, attrs(attribute.String("tier", tier)))
	m.retryBackoff.Record(ctx, delay.Seconds(), attrs(attribute.String("tier", tier)))
}

func (m *Metrics) RecordExhausted(tier string) {
	m.exhausted.Add(context.Background(), 1, attrs(attribute.String("tier", tier)))
}

func (m *Metrics) RecordRunStarted(scope string) {
	m.runsStarted.Add(context.Background(), 1, attrs(attribute.String("scope", scope)))
}

func (m *Metrics) RecordRunFinished(scope, outcome string, duration time.Duration) {
	ctx := context.Background()
	m.runsFinished.Add(ctx, 1, attrs(
		attribute.String("scope", scope),
		attribute.String("outcome", outcome),
	))
	m.runDuration.Record(ctx, duration.Seconds(), attrs(attribute.String("scope", scope)))
}

func (m *Metrics) RecordDeduplicated(scope string) {
	m.deduplicated.Add(context.Background(), 1, attrs(attribute.String("scope", scope)))
}

func (m *Metrics) RecordStep(step, status string) {
	m.steps.Add(context.Background(), 1, attrs(
		attribute.String("step", step),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	ctx := context.Background()
	kv := attrs(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", strconv.Itoa(statusCode)),
	)
	m.httpRequests.Add(ctx, 1, kv)
	m.httpDuration.Record(ctx, duration.Seconds(), kv)
}
