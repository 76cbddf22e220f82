package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "http://localhost:4000", cfg.LLMBaseURL)
	assert.Equal(t, 2, cfg.Pipeline.MaxRevisions)
	assert.Equal(t, 15*time.Second, cfg.Pipeline.HeartbeatInterval())
	assert.Equal(t, time.Second, cfg.Pipeline.InitialBackoff())
	assert.Equal(t, 30*time.Second, cfg.Pipeline.MaxBackoff())
	assert.Equal(t, 72*time.Hour, cfg.Pipeline.EventRetention())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("LLM_BASE_URL", "http://llm.internal:4000")
	t.Setenv("LLM_TIMEOUT_MS", "60000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "http://llm.internal:4000", cfg.LLMBaseURL)
	assert.Equal(t, time.Minute, cfg.LLMTimeout)
}

func TestLoadInvalidEnvIntFallsBack(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
}

func TestPipelineFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_revisions: 3
heartbeat_interval_ms: 5000
allowed_models:
  - gpt-test
`), 0o644))
	t.Setenv("PIPELINE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.MaxRevisions)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.HeartbeatInterval())
	assert.Equal(t, []string{"gpt-test"}, cfg.Pipeline.AllowedModels)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 1800, cfg.Pipeline.BeatWordThreshold)
}

func TestPipelineFileMissing(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestPipelineFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_revisions: [unclosed"), 0o644))
	t.Setenv("PIPELINE_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}
