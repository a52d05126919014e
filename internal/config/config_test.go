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
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://127.0.0.1:5000", cfg.Backend.URL)
	assert.True(t, cfg.Backend.AutoFallback)
	assert.Equal(t, 60*time.Second, cfg.Backend.RequestTimeout())
	assert.False(t, cfg.Debug)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, 600*time.Millisecond, cfg.Pacing.StageDelay)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
backend:
  url: http://research.internal:9000
  auto_fallback: false
  timeout_ms: 1500
pacing:
  ack_delay: 0s
  stage_delay: 0s
  settle_delay: 0s
  synthesis_delay: 0s
`))
	require.NoError(t, err)
	assert.Equal(t, "http://research.internal:9000", cfg.Backend.URL)
	assert.False(t, cfg.Backend.AutoFallback)
	assert.Equal(t, 1500*time.Millisecond, cfg.Backend.RequestTimeout())
	assert.Zero(t, cfg.Pacing.StageDelay)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"backend:\n  url: not a url\n":      "config.backend.url",
		"server:\n  base_path: v0\n":        "config.server.base_path",
		"session:\n  ttl: 0s\n":             "config.session.ttl",
		"backend:\n  timeout: 0s\n":         "config.backend.timeout must be positive",
		"server:\n  cors_origins: [\"\"]\n": "cors_origins",
		"pacing:\n  stage_delay: -1s\n":     "config.pacing.stage_delay",
		"backend: [":                        "invalid config yaml",
	}
	for input, want := range cases {
		_, err := FromYAML([]byte(input))
		require.Error(t, err, input)
		assert.Contains(t, err.Error(), want, input)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "pharmagent.yml")
	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0o644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PHARMAGENT_TEST_DOTENV=from-file\n"), 0o644))
	t.Setenv("PHARMAGENT_TEST_DOTENV", "")
	os.Unsetenv("PHARMAGENT_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "absent.env")))
	assert.Equal(t, "from-file", os.Getenv("PHARMAGENT_TEST_DOTENV"))
}
