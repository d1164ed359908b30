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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/tempo/pkg/config"
	"github.com/kadirpekel/tempo/pkg/journal"
	"github.com/kadirpekel/tempo/pkg/model"
	"github.com/kadirpekel/tempo/pkg/model/gemini"
	"github.com/kadirpekel/tempo/pkg/model/scripted"
	"github.com/kadirpekel/tempo/pkg/observability"
	"github.com/kadirpekel/tempo/pkg/pipeline"
	"github.com/kadirpekel/tempo/pkg/ratelimit"
	"github.com/kadirpekel/tempo/pkg/retry"
	"github.com/kadirpekel/tempo/pkg/server"
	"github.com/kadirpekel/tempo/pkg/workflow"
)

// app holds the wired components shared by serve, run and rewrite.
type app struct {
	cfg          *config.Config
	gateway      model.Gateway
	obs          *observability.Manager
	limiters     *ratelimit.Registry
	journal      journal.Store
	messages     *server.MessageStore
	orchestrator *pipeline.Orchestrator
	pool         *config.DBPool
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, pool: config.NewDBPool()}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.obs = observability.NewManager(cfg.Observability)
	if err := a.obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	rec := a.obs.Recorder()
	tracer := a.obs.Tracer()

	gw, err := newGateway(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	a.gateway = model.WithTimeout(gw, cfg.Gateway.Timeout)

	a.journal, err = journal.New(ctx, cfg.Journal, a.pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}

	a.limiters = ratelimit.NewRegistry(cfg.Limits,
		ratelimit.WithTierMap(cfg.Tiers),
		ratelimit.WithRecorder(rec))
	policy := retry.New(cfg.Retry, a.limiters,
		retry.WithRecorder(rec),
		retry.WithTracer(tracer))
	controller := workflow.NewController(
		workflow.WithObserver(journal.NewRecorder(a.journal)),
		workflow.WithRecorder(rec),
		workflow.WithTracer(tracer))

	a.messages = server.NewMessageStore()
	a.orchestrator = pipeline.NewOrchestrator(cfg.Pipeline, a.gateway, policy, controller,
		pipeline.WithResultSink(a.messages),
		pipeline.WithRecorder(rec),
		pipeline.WithTracer(tracer))

	slog.Debug("Components initialized",
		"provider", cfg.Gateway.Provider,
		"journal", cfg.Journal.Backend,
		"draft_model", cfg.Pipeline.Models.Draft)
	return a, nil
}

func newGateway(cfg config.GatewayConfig) (model.Gateway, error) {
	switch cfg.Provider {
	case config.ProviderScripted:
		slog.Warn("Using the scripted gateway; replies are canned")
		return demoGateway(), nil
	case config.ProviderGemini:
		gw, err := gemini.New(gemini.Config{APIKey: cfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini gateway: %w", err)
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

// applyReload pushes hot-reloadable settings into the running components.
func (a *app) applyReload(cfg *config.Config) {
	a.limiters.Reconfigure(cfg.Limits, cfg.Tiers)
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.gateway != nil {
		errs = append(errs, a.gateway.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	errs = append(errs, a.pool.Close())
	if a.obs != nil {
		errs = append(errs, a.obs.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// demoGateway scripts a complete song so the pipeline can be exercised
// without credentials.
func demoGateway() *scripted.Gateway {
	lyrics := "[Verse]\nStreetlights hum a borrowed tune\n[Chorus]\nWe run, we run beneath the moon"
	return scripted.New().
		On("Task: analysis", scripted.Reply{Text: mustJSON(pipeline.Analysis{
			Description: "A city street at night", Mood: "nostalgic", Themes: []string{"night", "escape"},
		})}).
		On("Task: draft", scripted.Reply{Text: mustJSON(pipeline.Draft{
			Title: "Borrowed Tune", Strategy: "upbeat synth-pop", Lyrics: lyrics,
		})}).
		On("Task: post", scripted.Reply{Text: mustJSON(pipeline.Combined{
			Compliance: pipeline.Compliance{Approved: true, Lyrics: lyrics},
			Review:     pipeline.Review{Score: 8, Notes: []string{"memorable chorus"}, Lyrics: lyrics},
			Format:     pipeline.Format{Title: "Borrowed Tune", Lyrics: lyrics, StylePrompt: "synth-pop, 118 bpm, airy vocals"},
		})}).
		On("Task: rewrite", scripted.Reply{Text: mustJSON(pipeline.Rewrite{
			Line: "Streetlights hum a silver tune", Alternatives: []string{"Streetlights sing a borrowed tune"},
		})})
}
