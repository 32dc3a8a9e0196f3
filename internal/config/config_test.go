package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Proctor.Threshold)
	assert.Equal(t, 5*time.Second, cfg.Proctor.PollInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Proctor.CaptureInterval)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.HTTP.Port = -1 }},
		{"db path", func(c *Config) { c.Database.Path = "" }},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"read timeout below ping", func(c *Config) { c.WebSocket.ReadTimeout = time.Second }},
		{"threshold", func(c *Config) { c.Proctor.Threshold = 1 }},
		{"poll interval", func(c *Config) { c.Proctor.PollInterval = 0 }},
		{"negative approval timeout", func(c *Config) { c.Proctor.ApprovalTimeout = -time.Second }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"missing section", func(c *Config) { c.Peer = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Proctor.ApprovalTimeout = 0
	assert.NoError(t, cfg.Validate(), "zero approval timeout disables the ceiling")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PROCTORHUB_HTTP_PORT", "9090")
	t.Setenv("PROCTORHUB_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("PROCTORHUB_PROCTOR_POLL_INTERVAL", "2s")
	t.Setenv("PROCTORHUB_PEER_ICE_SERVERS", "stun:a:3478, turn:b:3478")
	t.Setenv("PROCTORHUB_ROUTER_RATE_PER_SECOND", "2.5")
	t.Setenv("PROCTORHUB_WEBSOCKET_BUFFER_SIZE", "not-a-number")

	cfg := LoadFromEnv()
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Second, cfg.Proctor.PollInterval)
	assert.Equal(t, []string{"stun:a:3478", "turn:b:3478"}, cfg.Peer.ICEServers)
	assert.Equal(t, 2.5, cfg.Router.RatePerSecond)
	assert.Equal(t, 256, cfg.WebSocket.BufferSize)
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, `{
		"http": {"port": 7070, "read_timeout": "45s"},
		"proctor": {"threshold": 3, "approval_timeout": "10m"},
		"log": {"format": "json"}
	}`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, 45*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 3, cfg.Proctor.Threshold)
	assert.Equal(t, 10*time.Minute, cfg.Proctor.ApprovalTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, `{not json`))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, `{"proctor": {"poll_interval": "soon"}}`))
	assert.ErrorContains(t, err, "proctor.poll_interval")

	_, err = LoadFromFile(writeFile(t, `{"http": {"port": 70000}}`))
	assert.Error(t, err)
}

func TestLoad_FileOverridesEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PROCTORHUB_HTTP_PORT", "9090")
	t.Setenv("PROCTORHUB_HTTP_HOST", "127.0.0.1")
	path := writeFile(t, `{"http": {"port": 7070}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "127.0.0.1", cfg.HTTP.Host)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PROCTORHUB_LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PROCTORHUB_LOG_LEVEL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}
