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

package pipeline

import (
	"slices"
	"sync"

	"github.com/kadirpekel/tempo/pkg/observability"
	"github.com/kadirpekel/tempo/pkg/workflow"
)

var stepLabels = map[StepID]string{
	StepAnalysis:   "Analyzing visuals",
	StepDraft:      "Writing strategy and lyrics",
	StepPost:       "Polishing song",
	StepCompliance: "Checking compliance",
	StepReview:     "Reviewing lyrics",
	StepFormat:     "Formatting song",
	StepRewrite:    "Rewriting line",
}

// Label returns the user-facing label of a step.
func Label(id StepID) string {
	if l, ok := stepLabels[id]; ok {
		return l
	}
	return string(id)
}

// tracker owns the step list of one run. Once the run is canceled it stops
// emitting so a superseded run never touches the UI again.
type tracker struct {
	mu       sync.Mutex
	run      *workflow.Run
	steps    []Step
	current  string
	listener StepListener
	recorder observability.Recorder
	publish  func(*workflow.Run, Status) bool
}

func newTracker(run *workflow.Run, listener StepListener, rec observability.Recorder, publish func(*workflow.Run, Status) bool) *tracker {
	return &tracker{
		run:      run,
		listener: listener,
		recorder: rec,
		publish:  publish,
	}
}

// add appends pending steps.
func (t *tracker) add(ids ...StepID) {
	t.mu.Lock()
	for _, id := range ids {
		t.steps = append(t.steps, Step{ID: id, Label: Label(id), Status: StatusPending})
	}
	t.mu.Unlock()
	t.emit(true)
}

// set moves a step to status.
func (t *tracker) set(id StepID, status StepStatus) {
	if t.run.Canceled() {
		return
	}

	t.mu.Lock()
	for i := range t.steps {
		if t.steps[i].ID == id {
			t.steps[i].Status = status
		}
	}
	if status == StatusActive {
		t.current = Label(id)
	}
	t.mu.Unlock()

	t.recorder.RecordStep(string(id), string(status))
	t.emit(true)
}

// finish emits the terminal state of the run.
func (t *tracker) finish(message string) {
	t.mu.Lock()
	t.current = message
	t.mu.Unlock()
	t.emit(false)
}

func (t *tracker) snapshot() ([]Step, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.steps), t.current
}

func (t *tracker) emit(active bool) {
	if t.run.Canceled() {
		return
	}
	steps, current := t.snapshot()
	status := Status{RunID: t.run.ID, Steps: steps, Active: active, Message: current}
	if t.publish != nil && !t.publish(t.run, status) {
		return
	}
	if t.listener != nil {
		t.listener.OnStepUpdate(steps, current, active)
	}
}
