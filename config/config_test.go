package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "commlog", cfg.Pipeline.Stream)
	assert.Equal(t, 10000, cfg.Pipeline.BatchLimit)
	assert.Equal(t, 72*time.Hour, cfg.Pipeline.ReplyWindow)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.BatchWindow)
	assert.Equal(t, 3, cfg.Pipeline.BatchPatientThreshold)
	assert.InDelta(t, 0.4, cfg.Pipeline.SimilarityThreshold, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Pipeline.BatchLimit, cfg.Pipeline.BatchLimit)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
pipeline:
  stream: nightly
  batch_limit: 500
  workers: 2
  similarity_threshold: 0.6
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nightly", cfg.Pipeline.Stream)
	assert.Equal(t, 500, cfg.Pipeline.BatchLimit)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.InDelta(t, 0.6, cfg.Pipeline.SimilarityThreshold, 1e-9)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Unspecified values keep defaults.
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.BatchWindow)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  batch_limit: 500\n"), 0o600))

	t.Setenv("COMMLOG_BATCH_LIMIT", "250")
	t.Setenv("COMMLOG_SIMILARITY_THRESHOLD", "0.5")
	t.Setenv("COMMLOG_REPLY_WINDOW", "48h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Pipeline.BatchLimit)
	assert.InDelta(t, 0.5, cfg.Pipeline.SimilarityThreshold, 1e-9)
	assert.Equal(t, 48*time.Hour, cfg.Pipeline.ReplyWindow)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty stream", func(c *Config) { c.Pipeline.Stream = "" }},
		{"zero batch limit", func(c *Config) { c.Pipeline.BatchLimit = 0 }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"threshold too high", func(c *Config) { c.Pipeline.SimilarityThreshold = 1.5 }},
		{"threshold zero", func(c *Config) { c.Pipeline.SimilarityThreshold = 0 }},
		{"negative reply window", func(c *Config) { c.Pipeline.ReplyWindow = -time.Hour }},
		{"zero batch window", func(c *Config) { c.Pipeline.BatchWindow = 0 }},
		{"zero patient threshold", func(c *Config) { c.Pipeline.BatchPatientThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.Pipeline.Stream = "weekly"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "weekly", loaded.Pipeline.Stream)
}
