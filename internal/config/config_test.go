package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "vessel", cfg.Name)
	assert.Equal(t, "container", cfg.Isolation.Backend)
	assert.Equal(t, "balanced", cfg.Isolation.Profile)
	assert.Equal(t, 30*time.Second, cfg.Isolation.CommandTimeoutDuration())
	assert.Equal(t, 60*time.Second, cfg.Memory.FlushIntervalDuration())
	assert.NotEmpty(t, cfg.LLM.Model)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Isolation.Backend, cfg.Isolation.Backend)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Isolation.Backend = "vm"
	cfg.Isolation.HelperPath = "/usr/local/bin/vessel-helper"
	cfg.Memory.FlushInterval = "5s"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "vm", loaded.Isolation.Backend)
	assert.Equal(t, "/usr/local/bin/vessel-helper", loaded.Isolation.HelperPath)
	assert.Equal(t, 5*time.Second, loaded.Memory.FlushIntervalDuration())
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("isolation:\n  profile: restricted\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "restricted", cfg.Isolation.Profile)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Isolation.EngineHost, cfg.Isolation.EngineHost)
	assert.Equal(t, Default().LLM.BaseURL, cfg.LLM.BaseURL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VESSEL_API_KEY", "sk-test")
	t.Setenv("VESSEL_BACKEND", "vm")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "vm", cfg.Isolation.Backend)
}

func TestBadDurationFallsBack(t *testing.T) {
	cfg := Default()
	cfg.Isolation.CommandTimeout = "soon"
	cfg.Memory.FlushInterval = "-3s"
	assert.Equal(t, 30*time.Second, cfg.Isolation.CommandTimeoutDuration())
	assert.Equal(t, 60*time.Second, cfg.Memory.FlushIntervalDuration())
}
