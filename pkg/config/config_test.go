package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tempo/pkg/model"
	"github.com/kadirpekel/tempo/pkg/pipeline"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, JournalMemory, cfg.Journal.Backend)
	assert.Equal(t, 500, cfg.Journal.Capacity)

	heavy := cfg.Limits[model.TierHeavy]
	assert.Equal(t, 2, heavy.RPM)
	assert.Equal(t, 1, heavy.MaxConcurrent)
	assert.Equal(t, 30*time.Second, heavy.MinSpacing)
	light := cfg.Limits[model.TierLight]
	assert.Equal(t, 15, light.RPM)
	assert.Equal(t, 3, light.MaxConcurrent)

	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 2, cfg.Retry.Budget(model.TierHeavy))
	assert.Equal(t, 4, cfg.Retry.Budget(model.TierLight))

	assert.Equal(t, 1500*time.Millisecond, cfg.Pipeline.StepDelay)
	assert.Equal(t, 1200*time.Millisecond, cfg.Pipeline.RewriteDedupe)
	assert.Equal(t, pipeline.DefaultHeavyModel, cfg.Pipeline.Models.Draft)
}

func TestParse(t *testing.T) {
	t.Setenv("TEMPO_TEST_RPM", "7")
	t.Setenv("TEMPO_TEST_KEY", "secret")

	data := []byte(`
server:
  address: 127.0.0.1:9090
gateway:
  provider: scripted
  api_key: ${TEMPO_TEST_KEY}
limits:
  heavy:
    rpm: ${TEMPO_TEST_RPM}
    max_concurrent: 1
    min_spacing: 10s
    window: 30s
tiers:
  my-custom-model: heavy
retry:
  base_delay: 500ms
  budgets:
    heavy: 1
pipeline:
  step_delay: ${TEMPO_TEST_DELAY:-250ms}
  models:
    draft: my-custom-model
logger:
  level: debug
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address)
	assert.Equal(t, ProviderScripted, cfg.Gateway.Provider)
	assert.Equal(t, "secret", cfg.Gateway.APIKey)

	heavy := cfg.Limits[model.TierHeavy]
	assert.Equal(t, 7, heavy.RPM)
	assert.Equal(t, 10*time.Second, heavy.MinSpacing)
	assert.Equal(t, 30*time.Second, heavy.Window)
	assert.Equal(t, 15, cfg.Limits[model.TierLight].RPM, "missing tiers keep their defaults")

	assert.Equal(t, model.TierHeavy, cfg.Tiers.TierFor("my-custom-model"))
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 1, cfg.Retry.Budget(model.TierHeavy))
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.StepDelay)
	assert.Equal(t, "my-custom-model", cfg.Pipeline.Models.Draft)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"gateway": {"provider": "scripted"}, "journal": {"capacity": 10}}`))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Journal.Capacity)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "server: [unclosed"},
		{"bad provider", "gateway:\n  provider: openai"},
		{"negative rpm", "limits:\n  light:\n    rpm: -1"},
		{"bad tier", "tiers:\n  foo: medium"},
		{"bad jitter", "retry:\n  jitter: 2"},
		{"sql without database", "journal:\n  backend: sql"},
		{"bad log level", "logger:\n  level: loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestDatabaseConfig(t *testing.T) {
	pg := &DatabaseConfig{Driver: "postgres", Host: "db", Database: "tempo", Username: "u", Password: "p"}
	pg.SetDefaults()
	require.NoError(t, pg.Validate())
	assert.Equal(t, "host=db port=5432 dbname=tempo user=u password=p sslmode=disable", pg.DSN())
	assert.Equal(t, "postgres", pg.DriverName())

	my := &DatabaseConfig{Driver: "mysql", Host: "db", Database: "tempo", Username: "u", Password: "p"}
	my.SetDefaults()
	assert.Equal(t, "u:p@tcp(db:3306)/tempo?parseTime=true", my.DSN())

	lite := &DatabaseConfig{Driver: "sqlite", Database: "tempo.db"}
	require.NoError(t, lite.Validate())
	assert.Equal(t, "sqlite3", lite.DriverName())
	assert.Equal(t, DialectSQLite, (&DatabaseConfig{Driver: "sqlite3"}).Dialect())

	assert.Error(t, (&DatabaseConfig{Driver: "postgres", Database: "x"}).Validate(), "host required")
	assert.Error(t, (&DatabaseConfig{Driver: "oracle", Database: "x"}).Validate())
	assert.Error(t, (&DatabaseConfig{Driver: "sqlite"}).Validate())
}

func TestDBPool_SharesHandles(t *testing.T) {
	pool := NewDBPool()
	defer pool.Close()

	cfg := &DatabaseConfig{Driver: "sqlite", Database: filepath.Join(t.TempDir(), "journal.db")}
	a, err := pool.Get(context.Background(), cfg)
	require.NoError(t, err)
	b, err := pool.Get(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, a.Stats().MaxOpenConnections)

	require.NoError(t, pool.Close())
}

func TestLoadFile(t *testing.T) {
	cfg, loader, err := LoadFile(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, loader)
	assert.Equal(t, Default().Pipeline, cfg.Pipeline)

	path := filepath.Join(t.TempDir(), "tempo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  provider: scripted\n"), 0o644))
	cfg, loader, err = LoadFile(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, loader)
	defer loader.Close()
	assert.Equal(t, ProviderScripted, cfg.Gateway.Provider)

	_, _, err = LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoader_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tempo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limits:\n  heavy:\n    rpm: 2\n"), 0o644))

	reloaded := make(chan *Config, 4)
	_, loader, err := LoadFile(context.Background(), path, WithOnChange(func(c *Config) { reloaded <- c }))
	require.NoError(t, err)
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("limits:\n  heavy:\n    rpm: 5\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 5, cfg.Limits[model.TierHeavy].RPM)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("TEMPO_A", "alpha")
	assert.Equal(t, "alpha", expandEnvString("${TEMPO_A}"))
	assert.Equal(t, "alpha-x", expandEnvString("$TEMPO_A-x"))
	assert.Equal(t, "fallback", expandEnvString("${TEMPO_UNSET_VAR:-fallback}"))
	assert.Equal(t, "alpha", expandEnvString("${TEMPO_A:-fallback}"))
	assert.Equal(t, "plain", expandEnvString("plain"))
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEMPO_DOTENV_NEW=fromfile\nTEMPO_DOTENV_SET=fromfile\n"), 0o644))
	t.Setenv("TEMPO_DOTENV_SET", "fromenv")
	t.Cleanup(func() { os.Unsetenv("TEMPO_DOTENV_NEW") })

	require.NoError(t, LoadEnvFiles(path, filepath.Join(dir, ".env.missing")))
	assert.Equal(t, "fromfile", os.Getenv("TEMPO_DOTENV_NEW"))
	assert.Equal(t, "fromenv", os.Getenv("TEMPO_DOTENV_SET"), "existing variables win")
}
