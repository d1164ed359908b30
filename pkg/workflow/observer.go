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

package workflow

import "time"

// RunInfo is a snapshot of a run for observers and status endpoints.
type RunInfo struct {
	ID         string            `json:"id"`
	Scope      string            `json:"scope"`
	Key        string            `json:"key"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Canceled   bool              `json:"canceled"`
	Reason     string            `json:"reason,omitempty"`
	Outcome    OutcomeKind       `json:"outcome,omitempty"`
	Error      string            `json:"error,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// Observer receives run lifecycle events. Calls are synchronous on the
// run's goroutine and must not block.
type Observer interface {
	RunStarted(info RunInfo)
	RunFinished(info RunInfo)
}

func infoOf(r *Run) RunInfo {
	return RunInfo{
		ID:        r.ID,
		Scope:     r.Scope,
		Key:       r.Key,
		StartedAt: r.StartedAt,
		Canceled:  r.canceled.Load(),
		Reason:    r.Reason(),
		Attrs:     r.Attrs(),
	}
}
