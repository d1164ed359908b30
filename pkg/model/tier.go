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

package model

import "strings"

// Tier is a class of backend model sharing one rate limit ceiling.
type Tier string

const (
	// TierHeavy is for high-capability models with minute-scale quotas.
	TierHeavy Tier = "heavy"
	// TierLight is for fast, cheap models.
	TierLight Tier = "light"
)

// heavyMarkers are substrings identifying high-capability model ids.
var heavyMarkers = []string{"-pro", "ultra", "opus", "-thinking"}

// TierFor returns the tier of a model id.
func TierFor(modelID string) Tier {
	id := strings.ToLower(modelID)
	for _, m := range heavyMarkers {
		if strings.Contains(id, m) {
			return TierHeavy
		}
	}
	return TierLight
}

// TierMap resolves tiers with explicit per-model overrides.
// Ids missing from the map fall back to TierFor.
type TierMap map[string]Tier

// TierFor returns the tier of modelID.
func (m TierMap) TierFor(modelID string) Tier {
	if t, ok := m[modelID]; ok && t != "" {
		return t
	}
	return TierFor(modelID)
}
