package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/tempo/pkg/config"
	"github.com/kadirpekel/tempo/pkg/ratelimit"
	"github.com/kadirpekel/tempo/pkg/server"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Address string `help:"Listen address; overrides the config file." placeholder:"HOST:PORT"`
	Watch   bool   `help:"Watch the config file and hot-reload rate limits."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var a *app
	cfg, loader, err := cli.loadConfig(ctx, config.WithOnChange(func(cfg *config.Config) {
		if a != nil {
			a.applyReload(cfg)
		}
	}))
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}

	a, err = newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			slog.Warn("Shutdown error", "error", err)
		}
	}()

	srv := server.New(cfg.Server, a.orchestrator, a.messages,
		server.WithJournal(a.journal),
		server.WithLimiters(a.limiters),
		server.WithObservability(a.obs))

	printStartup(cfg, a.limiters.Stats())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if c.Watch && loader != nil {
		g.Go(func() error {
			return loader.Watch(gctx)
		})
	}
	return g.Wait()
}

func printStartup(cfg *config.Config, limits []ratelimit.Stats) {
	fmt.Printf("\ntempo server ready\n")
	fmt.Printf("   API:      http://%s/v1\n", cfg.Server.Address)
	fmt.Printf("   Health:   http://%s/health\n", cfg.Server.Address)
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:  http://%s%s\n", cfg.Server.Address, cfg.Observability.Metrics.Endpoint)
	}
	fmt.Printf("   Provider: %s\n", cfg.Gateway.Provider)
	fmt.Printf("   Journal:  %s\n", cfg.Journal.Backend)
	for _, s := range limits {
		fmt.Printf("   Limit:    %-6s rpm=%d concurrent=%d spacing=%s\n",
			s.Name, s.Limits.RPM, s.Limits.MaxConcurrent, s.Limits.MinSpacing)
	}
	fmt.Println("\nPress Ctrl+C to stop")
}
