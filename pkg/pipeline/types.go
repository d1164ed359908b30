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
	"time"

	"github.com/kadirpekel/tempo/pkg/model"
)

// Scopes used by the orchestrator.
const (
	ScopePipeline = "primary-pipeline"
	ScopeEditor   = "inline-editor"
)

// StepID identifies a pipeline step.
type StepID string

const (
	StepAnalysis   StepID = "analysis"
	StepDraft      StepID = "draft"
	StepPost       StepID = "post"
	StepCompliance StepID = "compliance"
	StepReview     StepID = "review"
	StepFormat     StepID = "format"
	StepRewrite    StepID = "rewrite"
)

// StepStatus is the progress of one step.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusActive    StepStatus = "active"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
)

// Step is one entry of the step list shown to the user.
type Step struct {
	ID     StepID     `json:"id"`
	Label  string     `json:"label"`
	Status StepStatus `json:"status"`
}

// Status is the pipeline progress model.
type Status struct {
	RunID   string `json:"run_id,omitempty"`
	Steps   []Step `json:"steps"`
	Active  bool   `json:"active"`
	Message string `json:"message"`
}

// StepListener receives every step transition.
type StepListener interface {
	OnStepUpdate(steps []Step, currentLabel string, active bool)
}

// StepListenerFunc adapts a function to StepListener.
type StepListenerFunc func(steps []Step, currentLabel string, active bool)

func (f StepListenerFunc) OnStepUpdate(steps []Step, currentLabel string, active bool) {
	f(steps, currentLabel, active)
}

// ResultSink receives the results of runs. AddMessage is called once per
// finished (succeeded or failed) pipeline run; UpdateMessage once per
// successful inline rewrite. Delivery and cancellation of a run exclude
// each other, so a sink must not call back into the Orchestrator.
type ResultSink interface {
	AddMessage(a Artifact)
	UpdateMessage(id string, p Partial)
}

// ArtifactKind distinguishes final results from terminal errors.
type ArtifactKind string

const (
	ArtifactFinal ArtifactKind = "final"
	ArtifactError ArtifactKind = "error"
)

// Artifact is the terminal product of a pipeline run.
type Artifact struct {
	ID        string       `json:"id"`
	Kind      ArtifactKind `json:"kind"`
	RunID     string       `json:"run_id"`
	Message   string       `json:"message,omitempty"`
	Song      *Song        `json:"song,omitempty"`
	Path      Path         `json:"path,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Song is the final creative output.
type Song struct {
	Title       string    `json:"title"`
	Lyrics      string    `json:"lyrics"`
	StylePrompt string    `json:"style_prompt,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Strategy    string    `json:"strategy,omitempty"`
	Analysis    *Analysis `json:"analysis,omitempty"`
	Issues      []string  `json:"issues,omitempty"`
	ReviewNotes []string  `json:"review_notes,omitempty"`
	Score       int       `json:"score,omitempty"`
}

// Partial is an in-place update to a previously added message.
type Partial struct {
	Original     string   `json:"original"`
	Replacement  string   `json:"replacement"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// Media is one visual input.
type Media struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Part converts m into a request part.
func (m Media) Part() model.Part {
	if m.URI != "" {
		return model.URIPart(m.URI, m.MIMEType)
	}
	return model.BytesPart(m.Data, m.MIMEType)
}

// Input is a user request for a full pipeline run.
type Input struct {
	Request  string  `json:"request"`
	Language string  `json:"language,omitempty"`
	Genre    string  `json:"genre,omitempty"`
	Mood     string  `json:"mood,omitempty"`
	Media    []Media `json:"media,omitempty"`
}

// HasMedia reports whether visual input was supplied.
func (in Input) HasMedia() bool {
	return len(in.Media) > 0
}

// RewriteInput is an inline editor request to rewrite one lyric line.
type RewriteInput struct {
	MessageID   string `json:"message_id"`
	Lyrics      string `json:"lyrics,omitempty"`
	Line        string `json:"line"`
	Instruction string `json:"instruction"`
}

// Key is the dedupe key of the rewrite.
func (in RewriteInput) Key() string {
	return "rewrite-line:" + in.Line + ":" + in.Instruction
}

// Structured step outputs.

// Analysis is the visual analysis result.
type Analysis struct {
	Description string   `json:"description" jsonschema:"required,description=What the visual input shows"`
	Mood        string   `json:"mood" jsonschema:"required,description=Dominant emotional tone"`
	Themes      []string `json:"themes,omitempty" jsonschema:"description=Lyrical themes suggested by the visuals"`
	Palette     []string `json:"palette,omitempty" jsonschema:"description=Notable colors or imagery"`
}

// Draft is the strategy and first lyric draft.
type Draft struct {
	Title    string `json:"title" jsonschema:"required,description=Working song title"`
	Strategy string `json:"strategy" jsonschema:"required,description=Creative strategy for the song"`
	Lyrics   string `json:"lyrics" jsonschema:"required,description=Full lyrics with section markers"`
}

// Compliance is the rule check of the draft.
type Compliance struct {
	Approved bool     `json:"approved" jsonschema:"required"`
	Issues   []string `json:"issues,omitempty" jsonschema:"description=Problems found in the draft"`
	Lyrics   string   `json:"lyrics" jsonschema:"required,description=Lyrics with issues corrected"`
}

// Review is the quality review of the checked lyrics.
type Review struct {
	Score  int      `json:"score" jsonschema:"required,minimum=1,maximum=10"`
	Notes  []string `json:"notes,omitempty"`
	Lyrics string   `json:"lyrics" jsonschema:"required,description=Lyrics after review edits"`
}

// Format is the final presentation of the song.
type Format struct {
	Title       string   `json:"title" jsonschema:"required"`
	Lyrics      string   `json:"lyrics" jsonschema:"required"`
	StylePrompt string   `json:"style_prompt" jsonschema:"required,description=Short style description for music generation"`
	Tags        []string `json:"tags,omitempty"`
}

// Combined is the single-call post-processing output.
type Combined struct {
	Compliance Compliance `json:"compliance" jsonschema:"required"`
	Review     Review     `json:"review" jsonschema:"required"`
	Format     Format     `json:"format" jsonschema:"required"`
}

// Rewrite is the inline editor result.
type Rewrite struct {
	Line         string   `json:"line" jsonschema:"required,description=The rewritten line"`
	Alternatives []string `json:"alternatives,omitempty" jsonschema:"description=Other candidate lines"`
}
