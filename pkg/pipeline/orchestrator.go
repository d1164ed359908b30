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

// Package pipeline runs the multi-step lyric pipeline and the inline editor
// on top of the workflow controller and the retry policy.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/tempo/pkg/model"
	"github.com/kadirpekel/tempo/pkg/observability"
	"github.com/kadirpekel/tempo/pkg/retry"
	"github.com/kadirpekel/tempo/pkg/workflow"
)

// Default model ids.
const (
	DefaultLightModel = "gemini-2.5-flash"
	DefaultHeavyModel = "gemini-2.5-pro"
)

// Models selects the model of every step.
type Models struct {
	Analysis   string `yaml:"analysis,omitempty" json:"analysis,omitempty"`
	Draft      string `yaml:"draft,omitempty" json:"draft,omitempty"`
	Post       string `yaml:"post,omitempty" json:"post,omitempty"`
	Compliance string `yaml:"compliance,omitempty" json:"compliance,omitempty"`
	Review     string `yaml:"review,omitempty" json:"review,omitempty"`
	Format     string `yaml:"format,omitempty" json:"format,omitempty"`
	Rewrite    string `yaml:"rewrite,omitempty" json:"rewrite,omitempty"`
}

// For returns the model id of step.
func (m Models) For(step StepID) string {
	switch step {
	case StepAnalysis:
		return m.Analysis
	case StepDraft:
		return m.Draft
	case StepPost:
		return m.Post
	case StepCompliance:
		return m.Compliance
	case StepReview:
		return m.Review
	case StepFormat:
		return m.Format
	case StepRewrite:
		return m.Rewrite
	}
	return ""
}

// Config configures the orchestrator.
type Config struct {
	Models Models `yaml:"models,omitempty" json:"models,omitempty"`

	// StepDelay separates consecutive steps on the same tier.
	// Default: 1.5s
	StepDelay time.Duration `yaml:"step_delay,omitempty" json:"step_delay,omitempty"`

	// RewriteDedupe is the window in which identical rewrites are joined.
	// Default: 1.2s
	RewriteDedupe time.Duration `yaml:"rewrite_dedupe,omitempty" json:"rewrite_dedupe,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	setDefault(&c.Models.Analysis, DefaultLightModel)
	setDefault(&c.Models.Draft, DefaultHeavyModel)
	setDefault(&c.Models.Post, DefaultHeavyModel)
	setDefault(&c.Models.Compliance, DefaultLightModel)
	setDefault(&c.Models.Review, DefaultLightModel)
	setDefault(&c.Models.Format, DefaultLightModel)
	setDefault(&c.Models.Rewrite, DefaultLightModel)
	if c.StepDelay == 0 {
		c.StepDelay = 1500 * time.Millisecond
	}
	if c.RewriteDedupe == 0 {
		c.RewriteDedupe = 1200 * time.Millisecond
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.StepDelay < 0 {
		return fmt.Errorf("step_delay must be non-negative, got %s", c.StepDelay)
	}
	if c.RewriteDedupe < 0 {
		return fmt.Errorf("rewrite_dedupe must be non-negative, got %s", c.RewriteDedupe)
	}
	return nil
}

func setDefault(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

// Errors returned for invalid input.
var (
	ErrEmptyRequest = errors.New("request must not be empty")
	ErrEmptyLine    = errors.New("line must not be empty")
)

// Orchestrator executes pipeline runs and inline rewrites.
type Orchestrator struct {
	cfg        Config
	gateway    model.Gateway
	policy     *retry.Policy
	controller *workflow.Controller
	prompts    Prompts
	sink       ResultSink
	recorder   observability.Recorder
	tracer     *observability.Tracer
	now        func() time.Time

	mu     sync.Mutex
	status Status
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPrompts replaces the default prompts.
func WithPrompts(p Prompts) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.prompts = p
		}
	}
}

// WithResultSink sets where results are delivered.
func WithResultSink(s ResultSink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec observability.Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = observability.OrNoop(rec)
	}
}

// WithTracer sets the tracer used for step spans.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, gateway model.Gateway, policy *retry.Policy, controller *workflow.Controller, opts ...Option) *Orchestrator {
	cfg.SetDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		gateway:    gateway,
		policy:     policy,
		controller: controller,
		prompts:    NewDefaultPrompts(),
		sink:       discardSink{},
		recorder:   observability.Noop{},
		now:        time.Now,
		status:     Status{Steps: []Step{}},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Run executes the full pipeline for in. It supersedes any run already in
// progress and blocks until this run finishes.
func (o *Orchestrator) Run(ctx context.Context, in Input, listener StepListener) workflow.Outcome[*Artifact] {
	opts := workflow.Options{LatestOnly: true}
	return workflow.Start(ctx, o.controller, ScopePipeline, pipelineKey(in), opts, func(run *workflow.Run) (*Artifact, error) {
		return o.execute(run, in, listener)
	})
}

func (o *Orchestrator) execute(run *workflow.Run, in Input, listener StepListener) (*Artifact, error) {
	if in.Request == "" && !in.HasMedia() {
		return nil, ErrEmptyRequest
	}

	t := newTracker(run, listener, o.recorder, o.publish)
	s := &stepper{o: o, run: run, tracker: t}
	state := &State{Input: in}

	var steps []StepID
	if in.HasMedia() {
		steps = append(steps, StepAnalysis)
	}
	t.add(append(steps, StepDraft, StepPost)...)

	slog.Info("Pipeline run started", "run_id", run.ID, "steps", len(steps)+2)

	if in.HasMedia() {
		a, err := stepCall[Analysis](s, StepAnalysis, state, false)
		if err != nil {
			return o.fail(run, t, err)
		}
		state.Analysis = a
	}

	d, err := stepCall[Draft](s, StepDraft, state, false)
	if err != nil {
		return o.fail(run, t, err)
	}
	state.Draft = d

	post, err := postProcess(s, state)
	if err != nil {
		return o.fail(run, t, err)
	}

	artifact := o.artifact(run, state, post)
	if err := run.Commit(func() { o.sink.AddMessage(*artifact) }); err != nil {
		return nil, err
	}
	t.finish("Song ready")
	slog.Info("Pipeline run completed", "run_id", run.ID, "path", post.Path)
	return artifact, nil
}

// fail reports a terminal error. Cancellation is never reported.
func (o *Orchestrator) fail(run *workflow.Run, t *tracker, err error) (*Artifact, error) {
	if workflow.IsCanceled(err) || run.Canceled() {
		slog.Debug("Pipeline run canceled", "run_id", run.ID, "reason", run.Reason())
		return nil, err
	}

	msg := userMessage(err)
	artifact := Artifact{
		ID:        uuid.NewString(),
		Kind:      ArtifactError,
		RunID:     run.ID,
		Message:   msg,
		Path:      Path(run.Attrs()["path"]),
		CreatedAt: o.now(),
	}
	if cerr := run.Commit(func() { o.sink.AddMessage(artifact) }); cerr != nil {
		slog.Debug("Pipeline run canceled", "run_id", run.ID, "reason", run.Reason())
		return nil, cerr
	}
	t.finish(msg)
	slog.Error("Pipeline run failed", "run_id", run.ID, "error", err)
	return nil, err
}

func (o *Orchestrator) artifact(run *workflow.Run, state *State, post PostResult) *Artifact {
	song := &Song{
		Title:       post.Format.Title,
		Lyrics:      post.Format.Lyrics,
		StylePrompt: post.Format.StylePrompt,
		Tags:        post.Format.Tags,
		Strategy:    state.Draft.Strategy,
		Analysis:    state.Analysis,
	}
	if song.Title == "" {
		song.Title = state.Draft.Title
	}
	if post.Compliance != nil {
		song.Issues = post.Compliance.Issues
	}
	if post.Review != nil {
		song.ReviewNotes = post.Review.Notes
		song.Score = post.Review.Score
	}
	return &Artifact{
		ID:        uuid.NewString(),
		Kind:      ArtifactFinal,
		RunID:     run.ID,
		Song:      song,
		Path:      post.Path,
		CreatedAt: o.now(),
	}
}

// RewriteLine rewrites one lyric line. Identical requests arriving within
// the dedupe window share a single call.
func (o *Orchestrator) RewriteLine(ctx context.Context, in RewriteInput) workflow.Outcome[*Rewrite] {
	opts := workflow.Options{LatestOnly: true, Dedupe: o.cfg.RewriteDedupe}
	return workflow.Start(ctx, o.controller, ScopeEditor, in.Key(), opts, func(run *workflow.Run) (*Rewrite, error) {
		if in.Line == "" {
			return nil, ErrEmptyLine
		}

		req, err := o.prompts.Rewrite(in)
		if err != nil {
			return nil, err
		}
		rw, err := call[Rewrite](o, run, StepRewrite, o.cfg.Models.Rewrite, req)
		if err != nil {
			return nil, err
		}
		err = run.Commit(func() {
			if in.MessageID != "" {
				o.sink.UpdateMessage(in.MessageID, Partial{
					Original:     in.Line,
					Replacement:  rw.Line,
					Alternatives: rw.Alternatives,
				})
			}
		})
		if err != nil {
			return nil, err
		}
		return rw, nil
	})
}

// Cancel abandons the pipeline run in progress.
func (o *Orchestrator) Cancel(reason string) bool {
	if !o.controller.Cancel(ScopePipeline, reason) {
		return false
	}
	o.mu.Lock()
	o.status.Active = false
	o.status.Message = "Canceled"
	o.mu.Unlock()
	return true
}

// Status returns the progress of the latest pipeline run.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	st.Steps = append([]Step(nil), o.status.Steps...)
	return st
}

// publish stores the status of run unless a newer run owns the display.
func (o *Orchestrator) publish(run *workflow.Run, st Status) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run.Canceled() {
		return false
	}
	o.status = st
	return true
}

// stepper sequences the steps of one run.
type stepper struct {
	o        *Orchestrator
	run      *workflow.Run
	tracker  *tracker
	lastTier model.Tier
	started  bool
}

// stepCall executes one tracked step. force inserts the step delay even
// when the tier changes.
func stepCall[T any](s *stepper, step StepID, state *State, force bool) (*T, error) {
	if err := s.run.Err(); err != nil {
		return nil, err
	}

	modelID := s.o.cfg.Models.For(step)
	tier := s.o.policy.Limiters().TierFor(modelID)
	if s.started && (force || tier == s.lastTier) {
		if err := s.run.Sleep(s.o.cfg.StepDelay); err != nil {
			return nil, err
		}
	}
	s.started = true
	s.lastTier = tier

	s.tracker.set(step, StatusActive)

	req, err := s.o.prompts.Build(step, state)
	var v *T
	if err == nil {
		v, err = call[T](s.o, s.run, step, modelID, req)
	}
	if err != nil {
		if !workflow.IsCanceled(err) {
			s.tracker.set(step, StatusFailed)
		}
		return nil, err
	}

	s.tracker.set(step, StatusCompleted)
	return v, nil
}

// call performs one retried, rate limited completion and decodes it into T.
// The completion itself is not aborted by cancellation; its result is
// discarded instead.
func call[T any](o *Orchestrator, run *workflow.Run, step StepID, modelID string, req *model.Request) (*T, error) {
	ctx, span := o.tracer.StartStep(run.Context(), string(step), modelID)
	defer span.End()

	v, err := retry.Execute(ctx, o.policy, modelID, func(ctx context.Context) (*T, error) {
		if err := run.Err(); err != nil {
			return nil, err
		}
		resp, err := o.gateway.Complete(context.WithoutCancel(ctx), modelID, req)
		if cerr := run.Err(); cerr != nil {
			return nil, cerr
		}
		if err != nil {
			return nil, err
		}
		return decode[T](resp.TextContent())
	})
	if err != nil && !workflow.IsCanceled(err) {
		o.tracer.RecordError(span, err)
	}
	return v, err
}

// pipelineKey derives the run key from the distinguishing request fields.
func pipelineKey(in Input) string {
	h := sha256.New()
	for _, f := range []string{in.Request, in.Language, in.Genre, in.Mood} {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	for _, m := range in.Media {
		h.Write([]byte(m.MIMEType))
		h.Write([]byte(m.URI))
		h.Write(m.Data)
		h.Write([]byte{0})
	}
	return "pipeline:" + hex.EncodeToString(h.Sum(nil))[:16]
}

// userMessage renders a terminal error for display.
func userMessage(err error) string {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Sprintf("The %s model is busy right now, please try again shortly.", exhausted.Tier)
	}
	switch model.Classify(err) {
	case model.KindAuth:
		return "The model provider rejected the credentials."
	case model.KindSafety:
		return "The request was blocked by the provider's safety filters."
	case model.KindParsing:
		return "The model returned an unreadable response."
	}
	return "Something went wrong: " + err.Error()
}

type discardSink struct{}

func (discardSink) AddMessage(Artifact)            {}
func (discardSink) UpdateMessage(string, Partial) {}
