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

// Package journal keeps a record of every workflow run.
//
// A Recorder observes the workflow controller and writes one Entry per run:
// once when it starts and again when it finishes. Entries are kept in memory
// or in a SQL database (postgres, mysql or sqlite).
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/tempo/pkg/config"
	"github.com/kadirpekel/tempo/pkg/workflow"
)

// OutcomeRunning marks an entry whose run has not finished yet.
const OutcomeRunning = "running"

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Entry is the journal record of one run.
type Entry struct {
	RunID      string            `json:"run_id"`
	Scope      string            `json:"scope"`
	Key        string            `json:"key"`
	Outcome    string            `json:"outcome"`
	Reason     string            `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
}

// Duration returns how long the run took, or zero while it is running.
func (e Entry) Duration() time.Duration {
	if e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Filter narrows List.
type Filter struct {
	// Scope restricts entries to one scope; empty matches all.
	Scope string

	// Limit caps the number of entries; zero means 50.
	Limit int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return 50
	}
	return f.Limit
}

// Store persists journal entries.
type Store interface {
	// Put inserts or replaces the entry of e.RunID.
	Put(ctx context.Context, e Entry) error

	// Get returns the entry of runID or ErrNotFound.
	Get(ctx context.Context, runID string) (Entry, error)

	// List returns entries newest first.
	List(ctx context.Context, f Filter) ([]Entry, error)

	Close() error
}

// Recorder writes run lifecycle events to a Store.
type Recorder struct {
	store   Store
	timeout time.Duration
}

var _ workflow.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, timeout: 5 * time.Second}
}

// RunStarted implements workflow.Observer.
func (r *Recorder) RunStarted(info workflow.RunInfo) {
	e := entryOf(info)
	e.Outcome = OutcomeRunning
	r.put(e)
}

// RunFinished implements workflow.Observer.
func (r *Recorder) RunFinished(info workflow.RunInfo) {
	r.put(entryOf(info))
}

func (r *Recorder) put(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.Put(ctx, e); err != nil {
		slog.Warn("Failed to journal run", "run_id", e.RunID, "scope", e.Scope, "error", err)
	}
}

func entryOf(info workflow.RunInfo) Entry {
	return Entry{
		RunID:      info.ID,
		Scope:      info.Scope,
		Key:        info.Key,
		Outcome:    string(info.Outcome),
		Reason:     info.Reason,
		Error:      info.Error,
		Attrs:      info.Attrs,
		StartedAt:  info.StartedAt,
		FinishedAt: info.FinishedAt,
	}
}

// New creates the store selected by cfg. SQL stores share their handle
// through pool.
func New(ctx context.Context, cfg config.JournalConfig, pool *config.DBPool) (Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journal config: %w", err)
	}

	switch cfg.Backend {
	case config.JournalSQL:
		db, err := pool.Get(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(ctx, db, cfg.Database.Dialect())
	default:
		return NewMemoryStore(cfg.Capacity), nil
	}
}
