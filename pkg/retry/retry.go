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

// Package retry re-issues transient gateway failures with jittered
// exponential backoff, gating every attempt through the tier's limiter.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/kadirpekel/tempo/pkg/model"
	"github.com/kadirpekel/tempo/pkg/observability"
	"github.com/kadirpekel/tempo/pkg/ratelimit"
)

// Config configures retry behavior.
type Config struct {
	// BaseDelay is the backoff before the first retry; it doubles on each
	// further retry.
	// Default: 2s
	BaseDelay time.Duration `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`

	// Jitter is the uniform random spread applied to each delay, as a
	// fraction of it.
	// Default: 0.3
	Jitter float64 `yaml:"jitter,omitempty" json:"jitter,omitempty" jsonschema:"minimum=0,maximum=1"`

	// MinDelay floors every delay.
	// Default: 1s
	MinDelay time.Duration `yaml:"min_delay,omitempty" json:"min_delay,omitempty"`

	// Budgets is the number of retries allowed per tier.
	// Default: heavy=2, light=4
	Budgets map[model.Tier]int `yaml:"budgets,omitempty" json:"budgets,omitempty"`
}

// DefaultBudgets returns the built-in retry budgets.
func DefaultBudgets() map[model.Tier]int {
	return map[model.Tier]int{
		model.TierHeavy: 2,
		model.TierLight: 4,
	}
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.Jitter == 0 {
		c.Jitter = 0.3
	}
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	if c.Budgets == nil {
		c.Budgets = DefaultBudgets()
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1, got %f", c.Jitter)
	}
	for tier, n := range c.Budgets {
		if n < 0 {
			return fmt.Errorf("budget for tier %q must be non-negative, got %d", tier, n)
		}
	}
	return nil
}

// Budget returns the retry budget of tier.
func (c *Config) Budget(tier model.Tier) int {
	if n, ok := c.Budgets[tier]; ok {
		return n
	}
	if n, ok := DefaultBudgets()[tier]; ok {
		return n
	}
	return DefaultBudgets()[model.TierLight]
}

// Attempt is the state threaded through successive attempts of one call.
type Attempt struct {
	Tier      model.Tier
	Number    int
	Remaining int
	Base      time.Duration
}

func (a Attempt) next() Attempt {
	return Attempt{
		Tier:      a.Tier,
		Number:    a.Number + 1,
		Remaining: a.Remaining - 1,
		Base:      a.Base * 2,
	}
}

// Policy executes operations under the limiter and retry budget of the
// target model's tier.
type Policy struct {
	config   Config
	limiters *ratelimit.Registry
	recorder observability.Recorder
	tracer   *observability.Tracer
	random   func() float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithRecorder sets the metrics recorder.
func WithRecorder(rec observability.Recorder) Option {
	return func(p *Policy) {
		p.recorder = observability.OrNoop(rec)
	}
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t *observability.Tracer) Option {
	return func(p *Policy) {
		p.tracer = t
	}
}

// New creates a policy.
func New(cfg Config, limiters *ratelimit.Registry, opts ...Option) *Policy {
	cfg.SetDefaults()
	if limiters == nil {
		limiters = ratelimit.NewRegistry(nil)
	}
	p := &Policy{
		config:   cfg,
		limiters: limiters,
		recorder: observability.Noop{},
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Limiters returns the registry the policy acquires from.
func (p *Policy) Limiters() *ratelimit.Registry {
	return p.limiters
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.config
}

// Backoff returns the jittered delay for base, floored at MinDelay.
func (p *Policy) Backoff(base time.Duration) time.Duration {
	spread := float64(base) * p.config.Jitter * (2*p.random() - 1)
	d := base + time.Duration(spread)
	if d < p.config.MinDelay {
		d = p.config.MinDelay
	}
	return d
}

// Execute runs op against modelID. Each attempt holds one limiter slot for
// the duration of op. Transient failures pause the whole tier, back off and
// retry until the tier budget is spent; anything else is returned at once.
func Execute[T any](ctx context.Context, p *Policy, modelID string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	tier := p.limiters.TierFor(modelID)
	limiter := p.limiters.For(tier)
	att := Attempt{
		Tier:      tier,
		Number:    1,
		Remaining: p.config.Budget(tier),
		Base:      p.config.BaseDelay,
	}

	for {
		if err := limiter.Acquire(ctx); err != nil {
			return zero, fmt.Errorf("waiting for %s rate limit: %w", tier, err)
		}

		attemptCtx, span := p.tracer.StartAttempt(ctx, modelID, string(tier), att.Number)
		start := time.Now()
		result, err := op(attemptCtx)
		limiter.Release()

		kind := model.Classify(err)
		p.recorder.RecordAttempt(string(tier), modelID, string(kind), time.Since(start))
		if err == nil {
			span.End()
			return result, nil
		}
		p.tracer.RecordError(span, err)
		span.End()

		if !kind.Transient() {
			if kind != model.KindCanceled {
				slog.Debug("Non-retryable error", "model", modelID, "kind", kind, "attempt", att.Number, "error", err)
			}
			return zero, err
		}

		if att.Remaining <= 0 {
			p.recorder.RecordExhausted(string(tier))
			slog.Warn("Retry budget exhausted", "model", modelID, "tier", tier, "attempts", att.Number, "error", err)
			return zero, &ExhaustedError{ModelID: modelID, Tier: tier, Attempts: att.Number, Err: err}
		}

		delay := p.Backoff(att.Base)
		limiter.Pause(delay)
		p.recorder.RecordRetry(string(tier), delay)
		slog.Info("Retrying after transient error",
			"model", modelID,
			"tier", tier,
			"kind", kind,
			"attempt", att.Number,
			"remaining", att.Remaining,
			"delay", delay.Round(time.Millisecond))

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
		att = att.next()
	}
}

// Do is Execute for operations without a result.
func Do(ctx context.Context, p *Policy, modelID string, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, p, modelID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
