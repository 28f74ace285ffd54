package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
	assert.Equal(t, "http://localhost:8000/hls", cfg.HLS.BaseURL)
	assert.Equal(t, "session", cfg.Logs.Scope)
	assert.Equal(t, "sse", cfg.Logs.Transport)
	assert.Equal(t, 3*time.Second, cfg.Probe.Interval)
	assert.Zero(t, cfg.Probe.Timeout)
	assert.Equal(t, 3, cfg.Player.MaxNetworkRetries)
	assert.Equal(t, ":8080", cfg.Server.Addr())
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "livedub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("probe:\n  interval: 5s\n  timeout: 2m\nlogs:\n  scope: shared\n"), 0o600))
	t.Setenv("LIVEDUB_LOGS_TRANSPORT", "websocket")
	t.Setenv("LIVEDUB_PROBE_INTERVAL", "4s")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("hls-base-url", "", "")
	fs.Int("server-port", 0, "")
	require.NoError(t, fs.Parse([]string{"--hls-base-url=http://origin:9000/hls"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.Probe.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Probe.Timeout)
	assert.Equal(t, "shared", cfg.Logs.Scope)
	assert.Equal(t, "websocket", cfg.Logs.Transport)
	assert.Equal(t, "http://origin:9000/hls", cfg.HLS.BaseURL)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LIVEDUB_LOGS_SCOPE", "everything")
	_, err := Load("", nil)
	assert.ErrorContains(t, err, "logs.scope")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("SIM_SEGMENT_DURATION", "2s")
	t.Setenv("SIM_WINDOW", "six")
	assert.Equal(t, 2*time.Second, GetEnvDuration("SIM_SEGMENT_DURATION", time.Second))
	assert.Equal(t, 6, GetEnvInt("SIM_WINDOW", 6))
	assert.Equal(t, "fallback", GetEnv("SIM_UNSET_KEY", "fallback"))
}
