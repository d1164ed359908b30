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

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/tempo/pkg/journal"
	"github.com/kadirpekel/tempo/pkg/model"
	"github.com/kadirpekel/tempo/pkg/pipeline"
	"github.com/kadirpekel/tempo/pkg/ratelimit"
	"github.com/kadirpekel/tempo/pkg/workflow"
)

const maxBodyBytes = 16 << 20

// RunResponse is the body returned for a finished run.
type RunResponse[T any] struct {
	RunID   string               `json:"run_id"`
	Outcome workflow.OutcomeKind `json:"outcome"`
	Result  T                    `json:"result,omitempty"`
	Reason  string               `json:"reason,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeOutcome maps a run outcome to a response.
func writeOutcome[T any](w http.ResponseWriter, out workflow.Outcome[T]) {
	resp := RunResponse[T]{RunID: out.RunID, Outcome: out.Kind}
	switch out.Kind {
	case workflow.Succeeded:
		resp.Result = out.Value
		writeJSON(w, http.StatusOK, resp)
	case workflow.Canceled:
		resp.Reason = out.Reason
		writeJSON(w, http.StatusConflict, resp)
	default:
		resp.Error = out.Err.Error()
		writeJSON(w, failureStatus(out.Err), resp)
	}
}

func failureStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEmptyRequest), errors.Is(err, pipeline.ErrEmptyLine):
		return http.StatusBadRequest
	}
	var gwErr *model.Error
	if errors.As(err, &gwErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var in pipeline.Input
	if !decodeBody(w, r, &in) {
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		ctx := s.background()
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			out := s.orchestrator.Run(ctx, in, nil)
			slog.Debug("Background run finished", "run_id", out.RunID, "outcome", out.Kind)
		}()
		writeJSON(w, http.StatusAccepted, s.orchestrator.Status())
		return
	}

	writeOutcome(w, s.orchestrator.Run(r.Context(), in, nil))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "canceled by user"
	}
	if !s.orchestrator.Cancel(reason) {
		writeError(w, http.StatusNotFound, "no pipeline run in progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.Status())
}

func (s *Server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	var in pipeline.RewriteInput
	if !decodeBody(w, r, &in) {
		return
	}
	if in.MessageID != "" {
		if _, ok := s.messages.Get(in.MessageID); !ok {
			writeError(w, http.StatusNotFound, "message not found: "+in.MessageID)
			return
		}
	}
	writeOutcome(w, s.orchestrator.RewriteLine(r.Context(), in))
}

func (s *Server) handleListMessages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.messages.List()})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.messages.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "message not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "run journal is disabled")
		return
	}
	f := journal.Filter{Scope: r.URL.Query().Get("scope")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		f.Limit = n
	}

	entries, err := s.journal.List(r.Context(), f)
	if err != nil {
		slog.Error("Failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": entries})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "run journal is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	e, err := s.journal.Get(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found: "+id)
		return
	}
	if err != nil {
		slog.Error("Failed to load run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleLimits(w http.ResponseWriter, _ *http.Request) {
	stats := []ratelimit.Stats{}
	if s.limiters != nil {
		stats = append(stats, s.limiters.Stats()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"limiters": stats})
}
