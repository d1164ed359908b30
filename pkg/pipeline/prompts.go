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
	"fmt"
	"strings"
	"text/template"

	"github.com/kadirpekel/tempo/pkg/model"
)

// State is what earlier steps produced, handed to prompt builders.
type State struct {
	Input      Input
	Analysis   *Analysis
	Draft      *Draft
	Compliance *Compliance
	Review     *Review
}

// Prompts builds the request of every step. Prompt wording and schemas are
// owned by the implementation.
type Prompts interface {
	Build(step StepID, state *State) (*model.Request, error)
	Rewrite(in RewriteInput) (*model.Request, error)
}

type promptTemplate struct {
	system string
	user   *template.Template
	schema map[string]any
	temp   float64
}

// DefaultPrompts is a plain template-based Prompts.
type DefaultPrompts struct {
	steps   map[StepID]promptTemplate
	rewrite promptTemplate
}

var _ Prompts = (*DefaultPrompts)(nil)

// NewDefaultPrompts parses the built-in templates.
func NewDefaultPrompts() *DefaultPrompts {
	p := &DefaultPrompts{steps: make(map[StepID]promptTemplate)}

	p.steps[StepAnalysis] = newTemplate(StepAnalysis,
		"You analyze images and video stills for songwriting. Describe what is shown and the mood it evokes.",
		`Request: {{.Input.Request}}
Describe the attached visuals for a songwriter.`,
		mustSchema[Analysis](), 0.4)

	p.steps[StepDraft] = newTemplate(StepDraft,
		"You are a lyricist. Decide a creative strategy, then write complete lyrics with section markers.",
		`Request: {{.Input.Request}}
{{- with .Input.Language}}
Language: {{.}}{{end}}
{{- with .Input.Genre}}
Genre: {{.}}{{end}}
{{- with .Input.Mood}}
Mood: {{.}}{{end}}
{{- with .Analysis}}
Visual analysis: {{.Description}} (mood: {{.Mood}})
{{- if .Themes}}
Themes: {{join .Themes ", "}}{{end}}{{end}}`,
		mustSchema[Draft](), 0.9)

	p.steps[StepPost] = newTemplate(StepPost,
		"You finish song drafts in one pass: check them against the request, review quality, and produce the final formatted song.",
		draftBlock+`
Return the compliance check, the review and the final format.`,
		mustSchema[Combined](), 0.3)

	p.steps[StepCompliance] = newTemplate(StepCompliance,
		"You check song drafts against the request: language, genre, structure and content rules. Correct any issue you find.",
		draftBlock,
		mustSchema[Compliance](), 0.2)

	p.steps[StepReview] = newTemplate(StepReview,
		"You are a demanding song editor. Score the lyrics and improve weak lines.",
		`Request: {{.Input.Request}}
Lyrics:
{{with .Compliance}}{{.Lyrics}}{{else}}{{.Draft.Lyrics}}{{end}}`,
		mustSchema[Review](), 0.4)

	p.steps[StepFormat] = newTemplate(StepFormat,
		"You format finished songs for publishing and write a short style prompt for music generation.",
		`Title: {{.Draft.Title}}
Genre: {{.Input.Genre}}
Lyrics:
{{with .Review}}{{.Lyrics}}{{else}}{{.Draft.Lyrics}}{{end}}`,
		mustSchema[Format](), 0.3)

	p.rewrite = newTemplate(StepRewrite,
		"You rewrite single lyric lines on request, keeping rhyme and meter.",
		`{{with .Lyrics}}Song:
{{.}}
{{end}}Line: {{.Line}}
Instruction: {{.Instruction}}`,
		mustSchema[Rewrite](), 0.8)

	return p
}

const draftBlock = `Request: {{.Input.Request}}
{{- with .Input.Language}}
Language: {{.}}{{end}}
{{- with .Input.Genre}}
Genre: {{.}}{{end}}
Title: {{.Draft.Title}}
Strategy: {{.Draft.Strategy}}
Lyrics:
{{.Draft.Lyrics}}`

func newTemplate(step StepID, system, user string, schema map[string]any, temp float64) promptTemplate {
	return promptTemplate{
		system: fmt.Sprintf("Task: %s\n%s", step, system),
		user: template.Must(template.New(string(step)).
			Funcs(template.FuncMap{"join": strings.Join}).
			Parse(user)),
		schema: schema,
		temp:   temp,
	}
}

func (t promptTemplate) request(data any) (*model.Request, error) {
	var b strings.Builder
	if err := t.user.Execute(&b, data); err != nil {
		return nil, fmt.Errorf("failed to render %s prompt: %w", t.user.Name(), err)
	}
	temp := t.temp
	return &model.Request{
		SystemInstruction: t.system,
		Parts:             []model.Part{model.TextPart(b.String())},
		Config: &model.GenerateConfig{
			Temperature:      &temp,
			ResponseMIMEType: "application/json",
			ResponseSchema:   t.schema,
		},
	}, nil
}

// Build renders the request of step.
func (p *DefaultPrompts) Build(step StepID, state *State) (*model.Request, error) {
	t, ok := p.steps[step]
	if !ok {
		return nil, fmt.Errorf("no prompt for step %q", step)
	}
	if step != StepAnalysis && state.Draft == nil && step != StepDraft {
		return nil, fmt.Errorf("step %q requires a draft", step)
	}

	req, err := t.request(state)
	if err != nil {
		return nil, err
	}
	req.Config = req.Config.Clone()

	if step == StepAnalysis {
		for _, m := range state.Input.Media {
			req.Parts = append(req.Parts, m.Part())
		}
	}
	return req, nil
}

// Rewrite renders the inline rewrite request.
func (p *DefaultPrompts) Rewrite(in RewriteInput) (*model.Request, error) {
	req, err := p.rewrite.request(in)
	if err != nil {
		return nil, err
	}
	req.Config = req.Config.Clone()
	return req, nil
}
