// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workflow gives every user action a cancellable run identity.
//
// Runs live in named scopes. Starting a run with LatestOnly cancels the
// scope's previous run; starting one with the same key as the in-flight
// run inside the Dedupe window joins it instead of starting a new task.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/tempo/pkg/model"
	"github.com/kadirpekel/tempo/pkg/observability"
)

// Options control how Start treats the scope's existing run.
type Options struct {
	// LatestOnly cancels the scope's active run before starting.
	LatestOnly bool

	// Dedupe joins the in-flight run when the key matches and it was
	// started less than Dedupe ago. Zero disables deduplication.
	Dedupe time.Duration
}

// Task is the work executed by a run.
type Task[T any] func(run *Run) (T, error)

// Controller owns per-scope run state.
type Controller struct {
	mu        sync.Mutex
	scopes    map[string]*scopeState
	observers []Observer
	recorder  observability.Recorder
	tracer    *observability.Tracer
	now       func() time.Time
}

type scopeState struct {
	active   *Run
	inflight *call
	lastKey  string
	lastSeen time.Time
}

// call is the shared result handle of one run.
type call struct {
	run     *Run
	done    chan struct{}
	outcome any
	typ     any
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers an observer of run lifecycle events.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec observability.Recorder) Option {
	return func(c *Controller) {
		c.recorder = observability.OrNoop(rec)
	}
}

// WithTracer sets the tracer used for run spans.
func WithTracer(t *observability.Tracer) Option {
	return func(c *Controller) {
		c.tracer = t
	}
}

// NewController creates a controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		scopes:   make(map[string]*scopeState),
		recorder: observability.Noop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) scopeLocked(name string) *scopeState {
	st, ok := c.scopes[name]
	if !ok {
		st = &scopeState{}
		c.scopes[name] = st
	}
	return st
}

// Start runs task as a new run in scope, or joins the in-flight run of the
// same key. It blocks until the run (or the joined run) finishes.
func Start[T any](ctx context.Context, c *Controller, scope, key string, opts Options, task Task[T]) Outcome[T] {
	c.mu.Lock()
	st := c.scopeLocked(scope)
	now := c.now()

	if joined := st.joinable(key, now, opts.Dedupe); joined != nil {
		if _, ok := joined.typ.(*T); ok {
			c.mu.Unlock()
			c.recorder.RecordDeduplicated(scope)
			slog.Debug("Joined in-flight run", "scope", scope, "key", key, "run_id", joined.run.ID)
			return wait[T](ctx, joined)
		}
	}

	if opts.LatestOnly && st.active != nil && !st.active.Canceled() {
		prev := st.active
		prev.Cancel(ReasonSuperseded)
		slog.Debug("Superseded run", "scope", scope, "run_id", prev.ID)
	}

	run := newRun(ctx, scope, key, now)
	var span trace.Span
	run.ctx, span = c.tracer.StartRun(run.ctx, scope, key, run.ID)
	cl := &call{run: run, done: make(chan struct{}), typ: (*T)(nil)}
	st.active = run
	st.inflight = cl
	st.lastKey = key
	st.lastSeen = now
	c.mu.Unlock()

	c.recorder.RecordRunStarted(scope)
	c.notifyStarted(run)

	outcome := execute(run, task)

	if outcome.Kind == Failed {
		c.tracer.RecordError(span, outcome.Err)
	}
	span.End()

	c.mu.Lock()
	if st.active == run {
		st.active = nil
	}
	if st.inflight == cl {
		st.inflight = nil
	}
	c.mu.Unlock()
	run.release()

	cl.outcome = outcome
	close(cl.done)

	finished := c.now()
	c.recorder.RecordRunFinished(scope, string(outcome.Kind), finished.Sub(run.StartedAt))
	c.notifyFinished(run, outcome.Kind, outcome.Err, finished)

	return outcome
}

// joinable returns the in-flight call Start may join.
func (st *scopeState) joinable(key string, now time.Time, window time.Duration) *call {
	if window <= 0 || key == "" || st.inflight == nil {
		return nil
	}
	if st.lastKey != key || now.Sub(st.lastSeen) >= window {
		return nil
	}
	if st.inflight.run.Canceled() {
		return nil
	}
	return st.inflight
}

func wait[T any](ctx context.Context, cl *call) Outcome[T] {
	select {
	case <-cl.done:
		return cl.outcome.(Outcome[T])
	case <-ctx.Done():
		return canceled[T](cl.run.ID, ctx.Err().Error())
	}
}

func execute[T any](run *Run, task Task[T]) (out Outcome[T]) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Run panicked", "scope", run.Scope, "run_id", run.ID, "panic", r)
			out = failed[T](run.ID, fmt.Errorf("run panicked: %v", r))
		}
	}()

	if err := run.Err(); err != nil {
		return canceled[T](run.ID, run.Reason())
	}

	v, err := task(run)

	// A canceled run's value is discarded even if the task finished.
	if run.Canceled() {
		return canceled[T](run.ID, run.Reason())
	}
	if err != nil {
		if model.Classify(err) == model.KindCanceled {
			run.Cancel(err.Error())
			return canceled[T](run.ID, run.Reason())
		}
		return failed[T](run.ID, err)
	}
	return succeeded(run.ID, v)
}

// Cancel cancels the active run of scope. It reports whether a live run
// was canceled.
func (c *Controller) Cancel(scope, reason string) bool {
	c.mu.Lock()
	st, ok := c.scopes[scope]
	var run *Run
	if ok {
		run = st.active
	}
	c.mu.Unlock()

	if run == nil {
		return false
	}
	return run.Cancel(reason)
}

// Active returns the active run of scope.
func (c *Controller) Active(scope string) (RunInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.scopes[scope]
	if !ok || st.active == nil {
		return RunInfo{}, false
	}
	return infoOf(st.active), true
}

// Scopes returns the names of every scope seen so far.
func (c *Controller) Scopes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.scopes))
	for name := range c.scopes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Controller) notifyStarted(run *Run) {
	info := infoOf(run)
	for _, o := range c.observers {
		o.RunStarted(info)
	}
}

func (c *Controller) notifyFinished(run *Run, kind OutcomeKind, err error, at time.Time) {
	info := infoOf(run)
	info.Outcome = kind
	info.FinishedAt = at
	if err != nil {
		info.Error = err.Error()
	}
	for _, o := range c.observers {
		o.RunFinished(info)
	}
}
