package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/chatsync/errors"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`api_key: key-123`))
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, DefaultWSURL, cfg.WSURL)
	assert.Equal(t, StorageKindMemory, cfg.Storage.Kind)
	assert.Equal(t, DefaultPingInterval, cfg.WebSocket.PingInterval.Std())
	assert.Equal(t, DefaultReconnectInitial, cfg.Reconnect.InitialDelay.Std())
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
api_key: key-123
base_url: https://chat.example.com
ws_url: wss://chat.example.com/connect
storage:
  kind: sqlite
  path: /tmp/chat.db
websocket:
  ping_interval: 10s
  pong_timeout: 3s
reconnect:
  initial_delay: 250ms
  max_delay: 30s
  max_attempts: 12
log_level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com", cfg.BaseURL)
	assert.Equal(t, StorageKindSQLite, cfg.Storage.Kind)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.PingInterval.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.InitialDelay.Std())
	assert.Equal(t, 12, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestStorageKindDefaultsToSQLiteWithPath(t *testing.T) {
	cfg, err := Parse([]byte(`
api_key: key-123
storage:
  path: /tmp/chat.db
`))
	require.NoError(t, err)
	assert.Equal(t, StorageKindSQLite, cfg.Storage.Kind)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing api key", `base_url: https://x.dev`},
		{"bad base url", "api_key: k\nbase_url: ftp://x.dev"},
		{"bad ws url", "api_key: k\nws_url: https://x.dev"},
		{"sqlite without path", "api_key: k\nstorage:\n  kind: sqlite"},
		{"unknown storage kind", "api_key: k\nstorage:\n  kind: bolt"},
		{"bad log level", "api_key: k\nlog_level: verbose"},
		{"inverted reconnect delays", "api_key: k\nreconnect:\n  initial_delay: 1m\n  max_delay: 1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err), "config errors are not retryable")
		})
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("api_key: [unclosed"))
	require.Error(t, err)
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse([]byte("api_key: k\nwebsocket:\n  ping_interval: soon"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_key: key-123\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "key-123", cfg.APIKey)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default("key-123")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "key-123", cfg.APIKey)
}
