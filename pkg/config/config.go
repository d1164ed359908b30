// Package config provides tempo's configuration types, loading and
// hot reload.
//
// Configuration is read from a provider (a local file by default), parsed as
// YAML or JSON, expanded against the environment and decoded into Config.
// Every section applies its own defaults, so an empty file is valid.
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/tempo/pkg/model"
	"github.com/kadirpekel/tempo/pkg/observability"
	"github.com/kadirpekel/tempo/pkg/pipeline"
	"github.com/kadirpekel/tempo/pkg/ratelimit"
	"github.com/kadirpekel/tempo/pkg/retry"
)

// Config is the root configuration.
type Config struct {
	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server"`

	// Logger configures logging.
	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty" jsonschema:"title=Logger"`

	// Gateway configures the completion gateway.
	Gateway GatewayConfig `yaml:"gateway,omitempty" json:"gateway,omitempty" jsonschema:"title=Gateway"`

	// Limits are the per-tier rate limits. Hot reloadable.
	Limits ratelimit.TierLimits `yaml:"limits,omitempty" json:"limits,omitempty" jsonschema:"title=Rate Limits"`

	// Tiers overrides the tier of individual model ids. Hot reloadable.
	Tiers model.TierMap `yaml:"tiers,omitempty" json:"tiers,omitempty" jsonschema:"title=Tier Overrides"`

	// Retry configures the retry policy.
	Retry retry.Config `yaml:"retry,omitempty" json:"retry,omitempty" jsonschema:"title=Retry"`

	// Pipeline configures step models and delays.
	Pipeline pipeline.Config `yaml:"pipeline,omitempty" json:"pipeline,omitempty" jsonschema:"title=Pipeline"`

	// Journal configures the run journal.
	Journal JournalConfig `yaml:"journal,omitempty" json:"journal,omitempty" jsonschema:"title=Journal"`

	// Observability configures metrics and tracing.
	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logger.SetDefaults()
	c.Gateway.SetDefaults()
	c.Limits = withDefaultLimits(c.Limits)
	c.Retry.SetDefaults()
	c.Pipeline.SetDefaults()
	c.Journal.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	for tier, l := range c.Limits {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("limits.%s: %w", tier, err)
		}
	}
	for id, tier := range c.Tiers {
		if tier != model.TierHeavy && tier != model.TierLight {
			return fmt.Errorf("tiers.%s: unknown tier %q (valid: heavy, light)", id, tier)
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Journal.Validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// withDefaultLimits fills missing tiers and zero fields from the built-in
// limits.
func withDefaultLimits(in ratelimit.TierLimits) ratelimit.TierLimits {
	out := ratelimit.DefaultTierLimits()
	for tier, l := range in {
		l.SetDefaults()
		out[tier] = l
	}
	return out
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Address is the listen address.
	// Default: ":8080"
	Address string `yaml:"address,omitempty" json:"address,omitempty"`

	// ReadTimeout bounds reading a request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`

	// WriteTimeout bounds writing a response. A pipeline run may take
	// minutes under heavy-tier limits.
	// Default: 10m
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`

	// CORSOrigins are allowed cross-origin callers.
	CORSOrigins []string `yaml:"cors_origins,omitempty" json:"cors_origins,omitempty"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

// Validate checks the config.
func (c *ServerConfig) Validate() error {
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	return nil
}

// LoggerConfig configures logging.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`

	// File is a log file path; empty logs to stderr.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// Format is simple or verbose.
	// Default: "simple"
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=simple,enum=verbose"`
}

// SetDefaults applies default values.
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate checks the config.
func (c *LoggerConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid level %q (valid: debug, info, warn, error)", c.Level)
	}
	switch c.Format {
	case "simple", "verbose":
	default:
		return fmt.Errorf("invalid format %q (valid: simple, verbose)", c.Format)
	}
	return nil
}

// Gateway providers.
const (
	ProviderGemini   = "gemini"
	ProviderScripted = "scripted"
)

// GatewayConfig configures the completion gateway.
type GatewayConfig struct {
	// Provider is gemini or scripted.
	// Default: "gemini"
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=gemini,enum=scripted"`

	// APIKey authenticates against the provider.
	// Default: ${GEMINI_API_KEY}
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Timeout bounds a single completion call.
	// Default: 5m
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// SetDefaults applies default values.
func (c *GatewayConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderGemini
	}
	if c.APIKey == "" && c.Provider == ProviderGemini {
		c.APIKey = GetProviderAPIKey(c.Provider)
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Validate checks the config. A missing API key is reported when the
// gateway is created, so validate works offline.
func (c *GatewayConfig) Validate() error {
	switch c.Provider {
	case ProviderGemini, ProviderScripted:
	default:
		return fmt.Errorf("invalid provider %q (valid: gemini, scripted)", c.Provider)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// Journal backends.
const (
	JournalMemory = "memory"
	JournalSQL    = "sql"
)

// JournalConfig configures the run journal.
type JournalConfig struct {
	// Backend is memory or sql.
	// Default: "memory"
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=memory,enum=sql"`

	// Capacity bounds the memory journal.
	// Default: 500
	Capacity int `yaml:"capacity,omitempty" json:"capacity,omitempty" jsonschema:"minimum=1"`

	// Database is required for the sql backend.
	Database *DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty"`
}

// SetDefaults applies default values.
func (c *JournalConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = JournalMemory
	}
	if c.Capacity <= 0 {
		c.Capacity = 500
	}
	if c.Database != nil {
		c.Database.SetDefaults()
	}
}

// Validate checks the config.
func (c *JournalConfig) Validate() error {
	switch c.Backend {
	case JournalMemory:
		return nil
	case JournalSQL:
		if c.Database == nil {
			return fmt.Errorf("database is required for the sql backend")
		}
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("invalid backend %q (valid: memory, sql)", c.Backend)
	}
}
