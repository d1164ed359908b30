package observability

import (
	"net/http"
	"time"
)

// Recorder defines the interface for recording metrics.
// Components accept a Recorder so tests can inject Noop or a fake.
type Recorder interface {
	// Limiter metrics
	RecordLimiterWait(tier string, wait time.Duration)
	RecordLimiterPause(tier string, pause time.Duration)

	// Retry metrics
	RecordAttempt(tier, model, kind string, duration time.Duration)
	RecordRetry(tier string, delay time.Duration)
	RecordExhausted(tier string)

	// Workflow metrics
	RecordRunStarted(scope string)
	RecordRunFinished(scope, outcome string, duration time.Duration)
	RecordDeduplicated(scope string)

	// Pipeline metrics
	RecordStep(step, status string)

	// HTTP metrics
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration)
}

// Noop is a Recorder that does nothing.
type Noop struct{}

func (Noop) RecordLimiterWait(_ string, _ time.Duration)           {}
func (Noop) RecordLimiterPause(_ string, _ time.Duration)          {}
func (Noop) RecordAttempt(_, _, _ string, _ time.Duration)         {}
func (Noop) RecordRetry(_ string, _ time.Duration)                 {}
func (Noop) RecordExhausted(_ string)                              {}
func (Noop) RecordRunStarted(_ string)                             {}
func (Noop) RecordRunFinished(_, _ string, _ time.Duration)        {}
func (Noop) RecordDeduplicated(_ string)                           {}
func (Noop) RecordStep(_, _ string)                                {}
func (Noop) RecordHTTPRequest(_, _ string, _ int, _ time.Duration) {}

// Handler returns a handler that returns 503 Service Unavailable.
func (Noop) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = Noop{}
)
