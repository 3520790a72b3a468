package config

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	require.NoError(t, envconfig.Process("", &cfg))
	require.NoError(t, validator.New().Struct(cfg))

	assert.Equal(t, uint(4), cfg.Pool.Workers)
	assert.Equal(t, uint(3), cfg.Retry.MaxAttempts)
	assert.Equal(t, "async", cfg.Bus.Dispatch)
	assert.Equal(t, uint(256), cfg.Bus.QueueSize)
	assert.Equal(t, "9090", cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.System.LogLevel)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("POOL_WORKERS", "8")
	t.Setenv("BUS_DISPATCH", "sync")
	t.Setenv("RETRY_INITIAL_INTERVAL", "250ms")

	var cfg Config
	require.NoError(t, envconfig.Process("", &cfg))
	require.NoError(t, validator.New().Struct(cfg))

	assert.Equal(t, uint(8), cfg.Pool.Workers)
	assert.Equal(t, "sync", cfg.Bus.Dispatch)
	assert.Equal(t, "250ms", cfg.Retry.InitialInterval.String())
}

func TestConfig_InvalidValuesRejected(t *testing.T) {
	t.Setenv("BUS_DISPATCH", "broadcast")

	var cfg Config
	require.NoError(t, envconfig.Process("", &cfg))
	assert.Error(t, validator.New().Struct(cfg))
}

func TestMetrics_ResolveFilePath(t *testing.T) {
	explicit := Metrics{FilePath: filepath.Join("tmp", "m.json")}
	assert.Equal(t, filepath.Join("tmp", "m.json"), explicit.ResolveFilePath())

	resolved := Metrics{}.ResolveFilePath()
	assert.Equal(t, "metrics.json", filepath.Base(resolved))
}
