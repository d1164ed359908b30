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
	"fmt"
	"time"

	"github.com/kadirpekel/tempo/pkg/model"
)

// DefaultWindow is the rolling window RPM is counted over.
const DefaultWindow = 60 * time.Second

// Limits configures one tier.
type Limits struct {
	// RPM is the maximum number of grants in any trailing Window.
	// Zero disables the window check.
	RPM int `yaml:"rpm" json:"rpm" jsonschema:"minimum=0"`

	// MaxConcurrent is the maximum number of holders at once.
	// Default: 1
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent" jsonschema:"minimum=1"`

	// MinSpacing is the minimum time between consecutive grants.
	MinSpacing time.Duration `yaml:"min_spacing" json:"min_spacing"`

	// Window is the rolling window length.
	// Default: 60s
	Window time.Duration `yaml:"window,omitempty" json:"window,omitempty"`
}

// SetDefaults fills zero values.
func (l *Limits) SetDefaults() {
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = 1
	}
	if l.Window <= 0 {
		l.Window = DefaultWindow
	}
}

// Validate checks the limits.
func (l Limits) Validate() error {
	if l.RPM < 0 {
		return fmt.Errorf("rpm must be non-negative, got %d", l.RPM)
	}
	if l.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be non-negative, got %d", l.MaxConcurrent)
	}
	if l.MinSpacing < 0 {
		return fmt.Errorf("min_spacing must be non-negative, got %s", l.MinSpacing)
	}
	if l.Window < 0 {
		return fmt.Errorf("window must be non-negative, got %s", l.Window)
	}
	return nil
}

// TierLimits maps tiers to limits.
type TierLimits map[model.Tier]Limits

// DefaultTierLimits returns the built-in heavy and light ceilings.
func DefaultTierLimits() TierLimits {
	return TierLimits{
		model.TierHeavy: {RPM: 2, MaxConcurrent: 1, MinSpacing: 30 * time.Second, Window: DefaultWindow},
		model.TierLight: {RPM: 15, MaxConcurrent: 3, MinSpacing: 2 * time.Second, Window: DefaultWindow},
	}
}

// For returns the limits of tier, falling back to the built-in defaults and
// finally to a single-slot limiter for unknown tiers.
func (t TierLimits) For(tier model.Tier) Limits {
	l, ok := t[tier]
	if !ok {
		l, ok = DefaultTierLimits()[tier]
	}
	if !ok {
		l = Limits{MaxConcurrent: 1}
	}
	l.SetDefaults()
	return l
}
