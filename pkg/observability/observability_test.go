package observability

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.Equal(t, DefaultServiceName, cfg.Tracing.ServiceName)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, DefaultOTLPEndpoint, cfg.Tracing.Endpoint)
	assert.True(t, cfg.Tracing.IsInsecure())
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Endpoint)
	assert.Equal(t, DefaultNamespace, cfg.Metrics.Namespace)
	require.NoError(t, cfg.Validate())
}

func TestTracingConfigValidate(t *testing.T) {
	cfg := TracingConfig{Enabled: true, Exporter: "zipkin"}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())

	cfg = TracingConfig{Enabled: true, SamplingRate: 2}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true})
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	m.RecordAttempt("heavy", "gemini-2.5-pro", "quota", 20*time.Millisecond)
	m.RecordRetry("heavy", time.Second)
	m.RecordRunFinished("primary-pipeline", "succeeded", time.Second)
	m.RecordStep("draft", "completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tempo_retry_attempts_total")
	assert.Contains(t, string(body), `kind="quota"`)
	assert.Contains(t, string(body), "tempo_pipeline_step_transitions_total")
}

func TestNilTracerIsNoop(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartRun(context.Background(), "scope", "key", "id")
	assert.NotNil(t, ctx)
	span.End()
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestStdoutTracer(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracer(context.Background(), TracingConfig{Enabled: true, Exporter: "stdout"}, WithStdoutWriter(&buf))
	require.NoError(t, err)
	require.NotNil(t, tr)

	_, span := tr.StartStep(context.Background(), "draft", "gemini-2.5-flash")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), SpanStep)
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(Config{})
	require.NoError(t, m.Initialize(context.Background()))

	assert.IsType(t, Noop{}, m.Recorder())
	assert.Nil(t, m.Tracer())

	rec := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, Noop{}, OrNoop(nil))
}
