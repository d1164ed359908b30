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

// Package ratelimit gates calls to a generative backend per model tier.
//
// A Limiter enforces three ceilings at once:
//   - requests per rolling window (RPM over a 60s window by default)
//   - concurrent in-flight calls
//   - minimum spacing between consecutive calls
//
// and a tier-wide pause set after transient failures. Waiters are served
// in arrival order: only the head of the queue may be granted, and it
// re-checks every condition each time it is woken.
//
// # Basic Usage
//
//	reg := ratelimit.NewRegistry(ratelimit.DefaultTierLimits())
//	lim := reg.ForModel("gemini-2.5-pro")
//
//	if err := lim.Acquire(ctx); err != nil {
//	    return err // ctx canceled while queued
//	}
//	resp, err := gateway.Complete(ctx, "gemini-2.5-pro", req)
//	lim.Release()
//
// # Configuration
//
//	rate_limits:
//	  heavy:
//	    rpm: 2
//	    max_concurrent: 1
//	    min_spacing: 30s
//	  light:
//	    rpm: 15
//	    max_concurrent: 3
//	    min_spacing: 2s
package ratelimit
