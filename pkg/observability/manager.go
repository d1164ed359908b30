package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// Manager owns the tracer and metrics for one process.
type Manager struct {
	config  Config
	tracer  *Tracer
	metrics *Metrics
	mu      sync.RWMutex
}

// NewManager creates a manager; call Initialize before use.
func NewManager(cfg Config) *Manager {
	cfg.SetDefaults()
	return &Manager{config: cfg}
}

// Initialize creates the configured exporters.
func (m *Manager) Initialize(ctx context.Context, opts ...TracerOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracer, err := NewTracer(ctx, m.config.Tracing, opts...)
	if err != nil {
		return err
	}
	m.tracer = tracer

	if m.config.Metrics.Enabled {
		metrics, err := NewMetrics(m.config.Metrics)
		if err != nil {
			return err
		}
		m.metrics = metrics
	}

	return nil
}

// Tracer returns the tracer; nil when tracing is disabled.
func (m *Manager) Tracer() *Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracer
}

// Recorder returns the metrics recorder, or Noop when metrics are disabled.
func (m *Manager) Recorder() Recorder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metrics == nil {
		return Noop{}
	}
	return m.metrics
}

// MetricsPath is where MetricsHandler should be mounted.
func (m *Manager) MetricsPath() string {
	return m.config.Metrics.Endpoint
}

// MetricsHandler returns the scrape handler.
func (m *Manager) MetricsHandler() http.Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metrics == nil {
		return Noop{}.Handler()
	}
	return m.metrics.Handler()
}

// Shutdown flushes exporters.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if err := m.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if m.metrics != nil {
		if err := m.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
