package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.Pipeline.MaxRepairIterations)
	assert.False(t, cfg.Pipeline.StrictPriority)
	assert.False(t, cfg.Pipeline.UseSharedScheduler)
	assert.Equal(t, 120*time.Second, cfg.Verifier.Timeout.Std())
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Listen)
	assert.False(t, cfg.Auth.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RTVERIFY_MAX_REPAIR_ITERATIONS", "5")
	t.Setenv("RTVERIFY_STRICT_PRIORITY", "true")
	t.Setenv("RTVERIFY_VERIFYTA_PATH", "/opt/uppaal/bin/verifyta")

	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Pipeline.MaxRepairIterations)
	assert.True(t, cfg.Pipeline.StrictPriority)
	assert.Equal(t, "/opt/uppaal/bin/verifyta", cfg.Verifier.BinaryPath)
}

func TestLoadFromFile(t *testing.T) {
	content := `
pipeline:
  strict_priority: true
  max_repair_iterations: 3
verifier:
  binary_path: /usr/bin/verifyta
  timeout: 30s
llm:
  enabled: true
  model: codellama
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.Pipeline.StrictPriority)
	assert.Equal(t, 3, cfg.Pipeline.MaxRepairIterations)
	assert.Equal(t, "/usr/bin/verifyta", cfg.Verifier.BinaryPath)
	assert.Equal(t, 30*time.Second, cfg.Verifier.Timeout.Std())
	assert.True(t, cfg.LLM.Enabled)
	assert.Equal(t, "codellama", cfg.LLM.Model)
	// Untouched sections keep their defaults.
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Listen)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: ["), 0o644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestValidateRejectsInconsistentConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.MaxRepairIterations = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Auth.Enabled = true
	assert.Error(t, cfg.Validate(), "auth without a secret key")

	cfg = DefaultConfig()
	cfg.API.TLSEnabled = true
	assert.Error(t, cfg.Validate(), "TLS without certificates")
}
