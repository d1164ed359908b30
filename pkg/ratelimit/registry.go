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

package ratelimit

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/kadirpekel/tempo/pkg/model"
	"github.com/kadirpekel/tempo/pkg/observability"
)

// Registry lazily creates and caches one Limiter per tier.
type Registry struct {
	mu       sync.Mutex
	limits   TierLimits
	tiers    model.TierMap
	recorder observability.Recorder
	limiters map[model.Tier]*Limiter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTierMap sets per-model tier overrides.
func WithTierMap(m model.TierMap) RegistryOption {
	return func(r *Registry) {
		r.tiers = m
	}
}

// WithRecorder sets the metrics recorder handed to every limiter.
func WithRecorder(rec observability.Recorder) RegistryOption {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// NewRegistry creates a registry with a limiter per configured tier. Nil
// limits uses DefaultTierLimits.
func NewRegistry(limits TierLimits, opts ...RegistryOption) *Registry {
	if limits == nil {
		limits = DefaultTierLimits()
	}
	r := &Registry{
		limits:   limits,
		recorder: observability.Noop{},
		limiters: make(map[model.Tier]*Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	for tier := range limits {
		r.For(tier)
	}
	return r
}

// For returns the limiter of tier, creating it on first use.
func (r *Registry) For(tier model.Tier) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[tier]; ok {
		return l
	}
	l := NewLimiter(string(tier), r.limits.For(tier), r.recorder)
	r.limiters[tier] = l
	return l
}

// TierFor resolves the tier of a model id.
func (r *Registry) TierFor(modelID string) model.Tier {
	r.mu.Lock()
	tiers := r.tiers
	r.mu.Unlock()
	return tiers.TierFor(modelID)
}

// ForModel returns the limiter of modelID's tier.
func (r *Registry) ForModel(modelID string) *Limiter {
	return r.For(r.TierFor(modelID))
}

// Reconfigure applies new limits and tier overrides. Existing limiters are
// updated in place so queued waiters are preserved.
func (r *Registry) Reconfigure(limits TierLimits, tiers model.TierMap) {
	if limits == nil {
		limits = DefaultTierLimits()
	}

	r.mu.Lock()
	r.limits = limits
	r.tiers = tiers
	existing := make(map[model.Tier]*Limiter, len(r.limiters))
	for t, l := range r.limiters {
		existing[t] = l
	}
	r.mu.Unlock()

	for tier, l := range existing {
		l.Reconfigure(limits.For(tier))
		slog.Info("Rate limits reconfigured", "tier", tier)
	}
	for tier := range limits {
		r.For(tier)
	}
}

// Stats returns stats of every created limiter, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(limiters))
	for _, l := range limiters {
		out = append(out, l.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
