package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tempo/pkg/config"
	"github.com/kadirpekel/tempo/pkg/journal"
	"github.com/kadirpekel/tempo/pkg/model"
	"github.com/kadirpekel/tempo/pkg/model/scripted"
	"github.com/kadirpekel/tempo/pkg/observability"
	"github.com/kadirpekel/tempo/pkg/pipeline"
	"github.com/kadirpekel/tempo/pkg/ratelimit"
	"github.com/kadirpekel/tempo/pkg/retry"
	"github.com/kadirpekel/tempo/pkg/workflow"
)

type fixture struct {
	server   *Server
	handler  http.Handler
	gateway  *scripted.Gateway
	messages *MessageStore
	journal  journal.Store
}

func jsonReply(t *testing.T, v any) scripted.Reply {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return scripted.Reply{Text: string(data)}
}

func scriptSong(t *testing.T, gw *scripted.Gateway) {
	gw.On("Task: draft", jsonReply(t, pipeline.Draft{Title: "Neon Rain", Lyrics: "City lights\nfalling rain"})).
		On("Task: post", jsonReply(t, pipeline.Combined{
			Compliance: pipeline.Compliance{Approved: true, Lyrics: "City lights\nfalling rain"},
			Review:     pipeline.Review{Score: 7, Lyrics: "City lights\nfalling rain"},
			Format:     pipeline.Format{Title: "Neon Rain", Lyrics: "City lights\nfalling rain", StylePrompt: "synthwave"},
		})).
		On("Task: rewrite", jsonReply(t, pipeline.Rewrite{Line: "neon rain", Alternatives: []string{"silver rain"}}))
}

func newFixture(t *testing.T, gw *scripted.Gateway) *fixture {
	t.Helper()
	reg := ratelimit.NewRegistry(ratelimit.TierLimits{
		model.TierHeavy: {MaxConcurrent: 1},
		model.TierLight: {MaxConcurrent: 2},
	})
	store := journal.NewMemoryStore(50)
	controller := workflow.NewController(workflow.WithObserver(journal.NewRecorder(store)))
	policy := retry.New(retry.Config{BaseDelay: time.Millisecond, MinDelay: time.Millisecond}, reg)
	messages := NewMessageStore()
	orch := pipeline.NewOrchestrator(pipeline.Config{StepDelay: time.Millisecond, RewriteDedupe: time.Millisecond},
		gw, policy, controller, pipeline.WithResultSink(messages))

	srv := New(config.ServerConfig{}, orch, messages, WithJournal(store), WithLimiters(reg))
	return &fixture{server: srv, handler: srv.Handler(), gateway: gw, messages: messages, journal: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, scripted.New())
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStartRun_Succeeds(t *testing.T) {
	gw := scripted.New()
	scriptSong(t, gw)
	f := newFixture(t, gw)

	rec := f.do(t, http.MethodPost, "/v1/pipeline/runs", `{"request":"a song about rain"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeJSON[RunResponse[*pipeline.Artifact]](t, rec)
	assert.Equal(t, workflow.Succeeded, resp.Outcome)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "Neon Rain", resp.Result.Song.Title)

	msgs := f.messages.List()
	require.Len(t, msgs, 1)
	assert.Equal(t, resp.Result.ID, msgs[0].ID)

	rec = f.do(t, http.MethodGet, "/v1/messages/"+resp.Result.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/pipeline/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeJSON[pipeline.Status](t, rec)
	assert.False(t, st.Active)
	assert.Equal(t, resp.RunID, st.RunID)

	rec = f.do(t, http.MethodGet, "/v1/runs/"+resp.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decodeJSON[journal.Entry](t, rec)
	assert.Equal(t, string(workflow.Succeeded), entry.Outcome)
	assert.Equal(t, pipeline.ScopePipeline, entry.Scope)
}

func TestStartRun_FailureStatusCodes(t *testing.T) {
	f := newFixture(t, scripted.New())
	rec := f.do(t, http.MethodPost, "/v1/pipeline/runs", `{"request":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[RunResponse[*pipeline.Artifact]](t, rec)
	assert.Equal(t, workflow.Failed, resp.Outcome)
	assert.NotEmpty(t, resp.Error)

	rec = f.do(t, http.MethodPost, "/v1/pipeline/runs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	gw := scripted.New().On("Task: draft", scripted.Reply{Err: model.NewError(model.KindAuth, "bad key", nil)})
	f = newFixture(t, gw)
	rec = f.do(t, http.MethodPost, "/v1/pipeline/runs", `{"request":"a song"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	msgs := f.messages.List()
	require.Len(t, msgs, 1)
	assert.Equal(t, pipeline.ArtifactError, msgs[0].Kind)
}

func TestStartRun_SupersededRunConflicts(t *testing.T) {
	gw := scripted.New().On("slow song", scripted.Reply{Text: "{}", Delay: 300 * time.Millisecond})
	scriptSong(t, gw)
	f := newFixture(t, gw)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- f.do(t, http.MethodPost, "/v1/pipeline/runs", `{"request":"slow song"}`)
	}()

	require.Eventually(t, func() bool {
		return f.gateway.CallCount("slow song") > 0
	}, time.Second, time.Millisecond)

	rec := f.do(t, http.MethodPost, "/v1/pipeline/runs", `{"request":"a song about rain"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	superseded := <-first
	assert.Equal(t, http.StatusConflict, superseded.Code)
	resp := decodeJSON[RunResponse[*pipeline.Artifact]](t, superseded)
	assert.Equal(t, workflow.Canceled, resp.Outcome)
	assert.Equal(t, workflow.ReasonSuperseded, resp.Reason)
}

func TestCancelRun(t *testing.T) {
	gw := scripted.New().On("Task: draft", scripted.Reply{Text: "{}", Delay: time.Second})
	f := newFixture(t, gw)

	rec := f.do(t, http.MethodDelete, "/v1/pipeline/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/pipeline/runs?async=true", `{"request":"a song"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return f.gateway.CallCount("Task: draft") > 0
	}, time.Second, time.Millisecond)

	rec = f.do(t, http.MethodDelete, "/v1/pipeline/run?reason=changed+my+mind", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/pipeline/status", "")
	st := decodeJSON[pipeline.Status](t, rec)
	assert.False(t, st.Active)
	assert.Equal(t, "Canceled", st.Message)

	require.Eventually(t, func() bool {
		runs, err := f.journal.List(context.Background(), journal.Filter{Scope: pipeline.ScopePipeline})
		return err == nil && len(runs) == 1 && runs[0].Outcome == string(workflow.Canceled)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.messages.List(), "canceled runs deliver nothing")
}

func TestRewrite_UpdatesMessage(t *testing.T) {
	gw := scripted.New()
	scriptSong(t, gw)
	f := newFixture(t, gw)

	rec := f.do(t, http.MethodPost, "/v1/pipeline/runs", `{"request":"a song about rain"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeJSON[RunResponse[*pipeline.Artifact]](t, rec).Result.ID

	body := `{"message_id":"` + id + `","line":"falling rain","instruction":"more vivid"}`
	rec = f.do(t, http.MethodPost, "/v1/editor/rewrite", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[RunResponse[*pipeline.Rewrite]](t, rec)
	assert.Equal(t, "neon rain", resp.Result.Line)

	m, ok := f.messages.Get(id)
	require.True(t, ok)
	assert.Equal(t, "City lights\nneon rain", m.Song.Lyrics)
	require.Len(t, m.Edits, 1)
	assert.Equal(t, []string{"silver rain"}, m.Edits[0].Alternatives)

	rec = f.do(t, http.MethodPost, "/v1/editor/rewrite", `{"message_id":"nope","line":"x","instruction":"y"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/editor/rewrite", `{"line":"","instruction":"y"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	gw := scripted.New()
	scriptSong(t, gw)
	f := newFixture(t, gw)

	for range 2 {
		rec := f.do(t, http.MethodPost, "/v1/pipeline/runs", `{"request":"a song about rain"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/runs?scope="+pipeline.ScopePipeline+"&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeJSON[struct {
		Runs []journal.Entry `json:"runs"`
	}](t, rec)
	assert.Len(t, runs.Runs, 1)

	rec = f.do(t, http.MethodGet, "/v1/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLimits(t *testing.T) {
	f := newFixture(t, scripted.New())
	rec := f.do(t, http.MethodGet, "/v1/limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[struct {
		Limiters []ratelimit.Stats `json:"limiters"`
	}](t, rec)
	assert.Len(t, body.Limiters, 2)
}

func TestMetricsDisabled(t *testing.T) {
	f := newFixture(t, scripted.New())
	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	h := corsMiddleware([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/limits", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/limits", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type routeRecorder struct {
	observability.Noop
	routes chan string
}

func (r *routeRecorder) RecordHTTPRequest(_, path string, _ int, _ time.Duration) {
	r.routes <- path
}

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	f := newFixture(t, scripted.New())
	rec := &routeRecorder{routes: make(chan string, 1)}
	f.server.recorder = rec

	f.server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/runs/abc", nil))
	assert.Equal(t, "/v1/runs/{id}", <-rec.routes)
}

func TestServe_ShutsDownOnContextCancel(t *testing.T) {
	f := newFixture(t, scripted.New())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
