package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/logstream/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, TransportHTTP, cfg.Remote.Transport)
	assert.Equal(t, "EventFilter", cfg.Remote.ChannelID)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Poller.PollDelay)
	assert.Equal(t, time.Duration(0), cfg.Poller.MaxWaitTime)
	assert.Equal(t, int64(120), cfg.Correlation.AgeoutWindow)
	assert.Equal(t, 100, cfg.Correlation.GCMultiplier)
	assert.Equal(t, []string{"src", "dst"}, cfg.Correlation.L3Fields)
	assert.True(t, cfg.Channel.AutoAck)
	assert.Equal(t, time.Second, cfg.Channel.IdleDelay)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, "logstream", cfg.OpenSearch.IndexPrefix)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeConfig(t, `
remote:
  base_url: https://logs.example.com
  channel_id: Audit
poller:
  poll_delay: 50ms
  max_wait_time: 10s
correlation:
  enabled: true
  ageout_window: 30
channel:
  filters:
    - "type = traffic"
    - "severity > 3"
redis:
  enabled: true
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://logs.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, "Audit", cfg.Remote.ChannelID)
	assert.Equal(t, 50*time.Millisecond, cfg.Poller.PollDelay)
	assert.Equal(t, 10*time.Second, cfg.Poller.MaxWaitTime)
	assert.True(t, cfg.Correlation.Enabled)
	assert.Equal(t, int64(30), cfg.Correlation.AgeoutWindow)
	assert.Equal(t, []string{"type = traffic", "severity > 3"}, cfg.Channel.Filters)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "remote:\n  base_url: https://file.example.com\n")
	t.Setenv("LOGSTREAM_REMOTE_BASE_URL", "https://env.example.com")
	t.Setenv("LOGSTREAM_POLLER_POLL_DELAY", "1s")
	t.Setenv("LOGSTREAM_LOGGING_LEVEL", "debug")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, time.Second, cfg.Poller.PollDelay)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown transport", "remote:\n  transport: grpc\n"},
		{"http without url", "remote:\n  base_url: \"\"\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"redis without url", "redis:\n  enabled: true\n  url: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrConfiguration)
		})
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "remote: [unterminated\n"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrConfiguration)
}

func TestLoad_ConfigDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("remote:\n  channel_id: FromDir\n"), 0600))
	t.Setenv("LOGSTREAM_CONFIG_DIR", dir)

	assert.Equal(t, dir, Dir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "FromDir", cfg.Remote.ChannelID)
}

func TestConfig_YAMLMasksSecrets(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "remote:\n  token: s3cret\nnats:\n  password: hunter2\n"))
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "s3cret")
	assert.NotContains(t, string(out), "hunter2")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "********", back.Remote.Token)
	assert.Equal(t, cfg.Remote.BaseURL, back.Remote.BaseURL)
	assert.Equal(t, "s3cret", cfg.Remote.Token, "original is untouched")
}
