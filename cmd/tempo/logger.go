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
	"fmt"
	"io"
	"os"

	"github.com/kadirpekel/tempo/pkg/config"
	"github.com/kadirpekel/tempo/pkg/logger"
)

const (
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"
)

// logSettings resolves logger settings. Priority: CLI flags > env vars >
// config file > defaults.
func logSettings(cli *CLI, cfg *config.LoggerConfig) config.LoggerConfig {
	out := config.LoggerConfig{
		Level:  firstNonEmpty(cli.LogLevel, os.Getenv(LogLevelEnvVar)),
		File:   firstNonEmpty(cli.LogFile, os.Getenv(LogFileEnvVar)),
		Format: firstNonEmpty(cli.LogFormat, os.Getenv(LogFormatEnvVar)),
	}
	if cfg != nil {
		out.Level = firstNonEmpty(out.Level, cfg.Level)
		out.File = firstNonEmpty(out.File, cfg.File)
		out.Format = firstNonEmpty(out.Format, cfg.Format)
	}
	out.SetDefaults()
	return out
}

// initLogger installs the process logger and returns a cleanup function.
func initLogger(settings config.LoggerConfig) (func(), error) {
	level, err := logger.ParseLevel(settings.Level)
	if err != nil {
		return nil, err
	}

	var output io.Writer = os.Stderr
	cleanup := func() {}
	if settings.File != "" {
		file, closeFn, err := logger.OpenLogFile(settings.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(level, output, settings.Format)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
