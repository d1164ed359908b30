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

// Command tempo runs the lyric pipeline under provider rate limits.
//
// Usage:
//
//	tempo serve --config tempo.yaml
//	tempo run "a song about leaving home" --genre folk
//	tempo rewrite "the line to change" --instruction "make it rhyme with rain"
//	tempo validate tempo.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/tempo"
	"github.com/kadirpekel/tempo/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Run      RunCmd      `cmd:"" help:"Run the pipeline once and print the song."`
	Rewrite  RewriteCmd  `cmd:"" help:"Rewrite a single lyric line."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	Provider  string `help:"Gateway provider (gemini, scripted); overrides the config file."`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(tempo.GetVersion().String())
	return nil
}

var closeLog = func() {}

// loadConfig loads the config file (or defaults), applies CLI overrides and
// reinitializes the logger with the file's settings.
func (cli *CLI) loadConfig(ctx context.Context, opts ...config.LoaderOption) (*config.Config, *config.Loader, error) {
	cfg, loader, err := config.LoadFile(ctx, cli.Config, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cli.Provider != "" && cli.Provider != cfg.Gateway.Provider {
		cfg.Gateway.Provider = cli.Provider
		cfg.Gateway.APIKey = ""
		cfg.Gateway.SetDefaults()
		if err := cfg.Gateway.Validate(); err != nil {
			return nil, nil, err
		}
	}

	cleanup, err := initLogger(logSettings(cli, &cfg.Logger))
	if err != nil {
		return nil, nil, err
	}
	closeLog()
	closeLog = cleanup

	if cli.Config != "" {
		slog.Info("Loaded configuration", "path", cli.Config)
	}
	return cfg, loader, nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("tempo"),
		kong.Description("tempo - flow control for generative lyric pipelines"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(logSettings(&cli, nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	closeLog = cleanup
	defer func() { closeLog() }()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
