package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tempo/pkg/model"
	"github.com/kadirpekel/tempo/pkg/model/scripted"
	"github.com/kadirpekel/tempo/pkg/ratelimit"
	"github.com/kadirpekel/tempo/pkg/retry"
	"github.com/kadirpekel/tempo/pkg/workflow"
)

const (
	keyAnalysis   = "Task: analysis"
	keyDraft      = "Task: draft"
	keyPost       = "Task: post"
	keyCompliance = "Task: compliance"
	keyReview     = "Task: review"
	keyFormat     = "Task: format"
	keyRewrite    = "Task: rewrite"
)

type recordingSink struct {
	mu      sync.Mutex
	added   []Artifact
	updated map[string]Partial
}

func (s *recordingSink) AddMessage(a Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, a)
}

func (s *recordingSink) UpdateMessage(id string, p Partial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updated == nil {
		s.updated = make(map[string]Partial)
	}
	s.updated[id] = p
}

func (s *recordingSink) messages() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Artifact(nil), s.added...)
}

type recordingListener struct {
	mu      sync.Mutex
	updates [][]Step
	labels  []string
}

func (l *recordingListener) OnStepUpdate(steps []Step, label string, _ bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, steps)
	l.labels = append(l.labels, label)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates)
}

func (l *recordingListener) last() []Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.updates) == 0 {
		return nil
	}
	return l.updates[len(l.updates)-1]
}

func reply(t *testing.T, v any) scripted.Reply {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return scripted.Reply{Text: string(data)}
}

func draftReply(t *testing.T) scripted.Reply {
	return reply(t, Draft{Title: "Neon Rain", Strategy: "synthwave ballad", Lyrics: "[Verse]\nCity lights"})
}

func combinedReply(t *testing.T) scripted.Reply {
	return reply(t, Combined{
		Compliance: Compliance{Approved: true, Lyrics: "[Verse]\nCity lights"},
		Review:     Review{Score: 8, Notes: []string{"strong hook"}, Lyrics: "[Verse]\nCity lights"},
		Format:     Format{Title: "Neon Rain", Lyrics: "[Verse]\nCity lights glow", StylePrompt: "synthwave, female vocals"},
	})
}

func newTestOrchestrator(t *testing.T, gw model.Gateway, sink ResultSink) *Orchestrator {
	t.Helper()
	reg := ratelimit.NewRegistry(ratelimit.TierLimits{
		model.TierHeavy: {MaxConcurrent: 1},
		model.TierLight: {MaxConcurrent: 3},
	})
	policy := retry.New(retry.Config{BaseDelay: time.Millisecond, MinDelay: time.Millisecond}, reg)
	return NewOrchestrator(Config{StepDelay: time.Millisecond, RewriteDedupe: time.Second},
		gw, policy, workflow.NewController(), WithResultSink(sink))
}

func statuses(steps []Step) map[StepID]StepStatus {
	out := make(map[StepID]StepStatus, len(steps))
	for _, s := range steps {
		out[s.ID] = s.Status
	}
	return out
}

func ids(steps []Step) []StepID {
	out := make([]StepID, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func TestRun_CombinedPath(t *testing.T) {
	gw := scripted.New().
		On(keyDraft, draftReply(t)).
		On(keyPost, combinedReply(t))
	sink := &recordingSink{}
	o := newTestOrchestrator(t, gw, sink)
	listener := &recordingListener{}

	out := o.Run(context.Background(), Input{Request: "a song about rain", Genre: "synthwave"}, listener)

	require.True(t, out.Succeeded(), "error: %v", out.Err)
	a := out.Value
	assert.Equal(t, ArtifactFinal, a.Kind)
	assert.Equal(t, PathCombined, a.Path)
	assert.Equal(t, "Neon Rain", a.Song.Title)
	assert.Equal(t, "synthwave, female vocals", a.Song.StylePrompt)
	assert.Equal(t, 8, a.Song.Score)
	assert.Equal(t, "synthwave ballad", a.Song.Strategy)

	require.Len(t, sink.messages(), 1)
	assert.Equal(t, a.ID, sink.messages()[0].ID)

	assert.Equal(t, []StepID{StepDraft, StepPost}, ids(listener.last()))
	assert.Equal(t, map[StepID]StepStatus{StepDraft: StatusCompleted, StepPost: StatusCompleted}, statuses(listener.last()))
	assert.Zero(t, gw.CallCount(keyAnalysis), "analysis runs only with media")

	st := o.Status()
	assert.False(t, st.Active)
	assert.Equal(t, out.RunID, st.RunID)
}

func TestRun_FallsBackToSequentialPath(t *testing.T) {
	gw := scripted.New().
		On(keyDraft, draftReply(t)).
		On(keyPost, scripted.Reply{Text: "definitely not json"}).
		On(keyCompliance, reply(t, Compliance{Approved: false, Issues: []string{"wrong language"}, Lyrics: "fixed"})).
		On(keyReview, reply(t, Review{Score: 6, Lyrics: "reviewed"})).
		On(keyFormat, reply(t, Format{Title: "Neon Rain", Lyrics: "formatted", StylePrompt: "pop"}))
	sink := &recordingSink{}
	o := newTestOrchestrator(t, gw, sink)
	listener := &recordingListener{}

	out := o.Run(context.Background(), Input{Request: "a song about rain"}, listener)

	require.True(t, out.Succeeded(), "error: %v", out.Err)
	assert.Equal(t, PathSequential, out.Value.Path)
	assert.Equal(t, "formatted", out.Value.Song.Lyrics)
	assert.Equal(t, []string{"wrong language"}, out.Value.Song.Issues)
	assert.Equal(t, 6, out.Value.Song.Score)

	final := listener.last()
	assert.Equal(t, []StepID{StepDraft, StepPost, StepCompliance, StepReview, StepFormat}, ids(final))
	assert.Equal(t, map[StepID]StepStatus{
		StepDraft:      StatusCompleted,
		StepPost:       StatusFailed,
		StepCompliance: StatusCompleted,
		StepReview:     StatusCompleted,
		StepFormat:     StatusCompleted,
	}, statuses(final))

	assert.Equal(t, 1, gw.CallCount(keyPost), "parsing failures are not retried")
	assert.Equal(t, 1, gw.CallCount(keyCompliance))
	assert.Equal(t, 1, gw.CallCount(keyReview))
	assert.Equal(t, 1, gw.CallCount(keyFormat))
	require.Len(t, sink.messages(), 1)
	assert.Equal(t, ArtifactFinal, sink.messages()[0].Kind)
}

func TestRun_SequentialFailureIsTerminal(t *testing.T) {
	gw := scripted.New().
		On(keyDraft, draftReply(t)).
		On(keyPost, scripted.Reply{Text: "nope"}).
		On(keyCompliance, scripted.Reply{Err: model.NewError(model.KindSafety, "blocked", nil)})
	sink := &recordingSink{}
	o := newTestOrchestrator(t, gw, sink)
	listener := &recordingListener{}

	out := o.Run(context.Background(), Input{Request: "a song"}, listener)

	require.True(t, out.Failed())
	assert.Equal(t, model.KindSafety, model.Classify(out.Err))
	assert.Zero(t, gw.CallCount(keyReview))

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ArtifactError, msgs[0].Kind)
	assert.Equal(t, PathSequential, msgs[0].Path)
	assert.Contains(t, msgs[0].Message, "safety")
	assert.Equal(t, StatusFailed, statuses(listener.last())[StepCompliance])
}

func TestRun_TerminalErrorProducesErrorArtifact(t *testing.T) {
	gw := scripted.New().
		On(keyDraft, scripted.Reply{Err: model.NewError(model.KindAuth, "invalid api key", nil)})
	sink := &recordingSink{}
	o := newTestOrchestrator(t, gw, sink)
	listener := &recordingListener{}

	out := o.Run(context.Background(), Input{Request: "a song"}, listener)

	require.True(t, out.Failed())
	assert.Equal(t, 1, gw.CallCount(keyDraft), "auth errors are not retried")
	assert.Zero(t, gw.CallCount(keyPost))

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ArtifactError, msgs[0].Kind)
	assert.Equal(t, out.RunID, msgs[0].RunID)
	assert.Equal(t, "The model provider rejected the credentials.", msgs[0].Message)

	assert.Equal(t, map[StepID]StepStatus{StepDraft: StatusFailed, StepPost: StatusPending}, statuses(listener.last()))
	assert.False(t, o.Status().Active)
}

func TestRun_ExhaustedRetriesAreReported(t *testing.T) {
	gw := scripted.New().
		On(keyDraft, scripted.Reply{Err: model.NewError(model.KindQuota, "resource exhausted", nil)})
	sink := &recordingSink{}
	o := newTestOrchestrator(t, gw, sink)

	out := o.Run(context.Background(), Input{Request: "a song"}, nil)

	require.True(t, out.Failed())
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, out.Err, &exhausted)
	assert.Equal(t, model.TierHeavy, exhausted.Tier)
	assert.Equal(t, 3, gw.CallCount(keyDraft), "heavy budget allows two retries")
	require.Len(t, sink.messages(), 1)
	assert.Contains(t, sink.messages()[0].Message, "busy")
}

func TestRun_AnalysisOnlyWithMedia(t *testing.T) {
	gw := scripted.New().
		On(keyAnalysis, reply(t, Analysis{Description: "a rainy street", Mood: "melancholy"})).
		On(keyDraft, draftReply(t)).
		On(keyPost, combinedReply(t))
	o := newTestOrchestrator(t, gw, &recordingSink{})
	listener := &recordingListener{}

	in := Input{Request: "write about this", Media: []Media{{MIMEType: "image/png", Data: []byte{0x89, 0x50}}}}
	out := o.Run(context.Background(), in, listener)

	require.True(t, out.Succeeded(), "error: %v", out.Err)
	assert.Equal(t, []StepID{StepAnalysis, StepDraft, StepPost}, ids(listener.last()))
	assert.Equal(t, 1, gw.CallCount(keyAnalysis))
	require.NotNil(t, out.Value.Song.Analysis)
	assert.Equal(t, "melancholy", out.Value.Song.Analysis.Mood)
}

func TestRun_CancelMidStep(t *testing.T) {
	gw := scripted.New().
		On(keyDraft, scripted.Reply{Text: draftReply(t).Text, Delay: 100 * time.Millisecond}).
		On(keyPost, combinedReply(t))
	sink := &recordingSink{}
	o := newTestOrchestrator(t, gw, sink)
	listener := &recordingListener{}

	done := make(chan workflow.Outcome[*Artifact], 1)
	go func() {
		done <- o.Run(context.Background(), Input{Request: "a song"}, listener)
	}()

	require.Eventually(t, func() bool { return gw.CallCount(keyDraft) == 1 }, time.Second, time.Millisecond)
	seen := listener.count()
	assert.True(t, o.Cancel("user abandoned"))

	out := <-done
	assert.True(t, out.Canceled())
	assert.Equal(t, "user abandoned", out.Reason)
	assert.Nil(t, out.Value)

	assert.Empty(t, sink.messages(), "canceled runs add no message")
	assert.Equal(t, seen, listener.count(), "no step updates after cancellation")
	assert.Zero(t, gw.CallCount(keyPost))
	assert.False(t, o.Status().Active)
}

type blockingSink struct {
	recordingSink
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) AddMessage(a Artifact) {
	close(s.entered)
	<-s.release
	s.recordingSink.AddMessage(a)
}

func TestRun_CancelDuringDeliveryIsRejected(t *testing.T) {
	gw := scripted.New().
		On(keyDraft, draftReply(t)).
		On(keyPost, combinedReply(t))
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	o := newTestOrchestrator(t, gw, sink)

	done := make(chan workflow.Outcome[*Artifact], 1)
	go func() {
		done <- o.Run(context.Background(), Input{Request: "a song"}, nil)
	}()
	<-sink.entered

	canceled := make(chan bool, 1)
	go func() {
		canceled <- o.Cancel("too late")
	}()

	select {
	case <-canceled:
		t.Fatal("cancel returned while the artifact was being delivered")
	case <-time.After(30 * time.Millisecond):
	}
	close(sink.release)

	assert.False(t, <-canceled)
	out := <-done
	require.True(t, out.Succeeded(), "error: %v", out.Err)
	require.Len(t, sink.messages(), 1)
	assert.Equal(t, out.RunID, sink.messages()[0].RunID)
}

func TestRun_NewRunSupersedesPrevious(t *testing.T) {
	gw := scripted.New().
		On("first song", scripted.Reply{Text: draftReply(t).Text, Delay: 80 * time.Millisecond}).
		On("second song", draftReply(t)).
		On(keyPost, combinedReply(t))
	sink := &recordingSink{}
	o := newTestOrchestrator(t, gw, sink)

	first := make(chan workflow.Outcome[*Artifact], 1)
	go func() {
		first <- o.Run(context.Background(), Input{Request: "first song"}, nil)
	}()
	require.Eventually(t, func() bool { return gw.CallCount("first song") == 1 }, time.Second, time.Millisecond)

	second := o.Run(context.Background(), Input{Request: "second song"}, nil)
	require.True(t, second.Succeeded(), "error: %v", second.Err)

	prev := <-first
	assert.True(t, prev.Canceled())
	assert.Equal(t, workflow.ReasonSuperseded, prev.Reason)

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, second.RunID, msgs[0].RunID)
	assert.Equal(t, second.RunID, o.Status().RunID)
}

func TestRun_EmptyRequest(t *testing.T) {
	sink := &recordingSink{}
	o := newTestOrchestrator(t, scripted.New(), sink)

	out := o.Run(context.Background(), Input{}, nil)
	assert.True(t, out.Failed())
	assert.ErrorIs(t, out.Err, ErrEmptyRequest)
	assert.Empty(t, sink.messages())
}

func TestRewriteLine_DedupesIdenticalRequests(t *testing.T) {
	gw := scripted.New().
		On(keyRewrite, scripted.Reply{
			Text:  `{"line":"bar is here","alternatives":["bar was here"]}`,
			Delay: 50 * time.Millisecond,
		})
	sink := &recordingSink{}
	o := newTestOrchestrator(t, gw, sink)

	in := RewriteInput{MessageID: "msg-1", Line: "foo", Instruction: "bar"}
	assert.Equal(t, "rewrite-line:foo:bar", in.Key())

	results := make(chan workflow.Outcome[*Rewrite], 2)
	go func() { results <- o.RewriteLine(context.Background(), in) }()
	require.Eventually(t, func() bool { return gw.CallCount(keyRewrite) == 1 }, time.Second, time.Millisecond)
	go func() { results <- o.RewriteLine(context.Background(), in) }()

	a, b := <-results, <-results
	require.True(t, a.Succeeded(), "error: %v", a.Err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, gw.CallCount(keyRewrite))
	assert.Equal(t, "bar is here", a.Value.Line)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.updated, 1)
	assert.Equal(t, Partial{Original: "foo", Replacement: "bar is here", Alternatives: []string{"bar was here"}}, sink.updated["msg-1"])
}

func TestRewriteLine_EmptyLine(t *testing.T) {
	o := newTestOrchestrator(t, scripted.New(), &recordingSink{})
	out := o.RewriteLine(context.Background(), RewriteInput{Instruction: "shorter"})
	assert.ErrorIs(t, out.Err, ErrEmptyLine)
}

func TestStepDelay_SameTierOnly(t *testing.T) {
	gw := scripted.New().
		On(keyAnalysis, reply(t, Analysis{Description: "x", Mood: "y"})).
		On(keyDraft, draftReply(t)).
		On(keyPost, combinedReply(t))
	reg := ratelimit.NewRegistry(ratelimit.TierLimits{
		model.TierHeavy: {MaxConcurrent: 1},
		model.TierLight: {MaxConcurrent: 3},
	})
	policy := retry.New(retry.Config{BaseDelay: time.Millisecond, MinDelay: time.Millisecond}, reg)
	o := NewOrchestrator(Config{StepDelay: 60 * time.Millisecond}, gw, policy, workflow.NewController())

	out := o.Run(context.Background(), Input{Request: "r", Media: []Media{{URI: "gs://bucket/a.png", MIMEType: "image/png"}}}, nil)
	require.True(t, out.Succeeded(), "error: %v", out.Err)

	calls := gw.Calls()
	require.Len(t, calls, 3)
	// analysis (light) -> draft (heavy): no delay; draft (heavy) -> post (heavy): delay.
	assert.Less(t, calls[1].At.Sub(calls[0].At), 50*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].At.Sub(calls[1].At), 60*time.Millisecond)
}

func TestPipelineKey(t *testing.T) {
	a := pipelineKey(Input{Request: "x", Genre: "pop"})
	assert.Equal(t, a, pipelineKey(Input{Request: "x", Genre: "pop"}))
	assert.NotEqual(t, a, pipelineKey(Input{Request: "x", Genre: "rock"}))
	assert.NotEqual(t, pipelineKey(Input{Request: "xp"}), pipelineKey(Input{Request: "x", Language: "p"}))
	assert.Regexp(t, `^pipeline:[0-9a-f]{16}$`, a)
}

func TestDefaultPrompts(t *testing.T) {
	p := NewDefaultPrompts()

	req, err := p.Build(StepDraft, &State{
		Input:    Input{Request: "rain", Language: "en"},
		Analysis: &Analysis{Description: "street", Mood: "calm", Themes: []string{"night", "city"}},
	})
	require.NoError(t, err)
	assert.Contains(t, req.SystemInstruction, keyDraft)
	assert.Contains(t, req.Parts[0].Text, "Language: en")
	assert.Contains(t, req.Parts[0].Text, "Themes: night, city")
	assert.Equal(t, "application/json", req.Config.ResponseMIMEType)
	assert.Equal(t, []any{"title", "strategy", "lyrics"}, req.Config.ResponseSchema["required"])

	_, err = p.Build(StepPost, &State{Input: Input{Request: "rain"}})
	assert.Error(t, err, "post needs a draft")

	req, err = p.Build(StepAnalysis, &State{Input: Input{Request: "r", Media: []Media{{MIMEType: "image/png", Data: []byte{1}}}}})
	require.NoError(t, err)
	require.Len(t, req.Parts, 2)
	assert.Equal(t, model.PartBytes, req.Parts[1].Kind)

	_, err = p.Build(StepID("nope"), &State{})
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	d, err := decode[Draft]("```json\n{\"title\":\"t\",\"strategy\":\"s\",\"lyrics\":\"l\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "t", d.Title)

	_, err = decode[Draft]("")
	assert.Equal(t, model.KindParsing, model.Classify(err))

	_, err = decode[Draft]("{broken")
	assert.Equal(t, model.KindParsing, model.Classify(err))
}
