package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witch-series/witch-core/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	// A named file that does not exist is an error...
	assert.Error(t, err)
	assert.Nil(t, cfg)

	// ...but no config file at all falls back to defaults.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(wd)

	cfg, err = config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Node.Port)
	assert.Equal(t, "default", cfg.Node.ProjectID)
	assert.Equal(t, 8890, cfg.Broadcast.Port)
	assert.Equal(t, 5, cfg.Broadcast.Repeat)
	assert.Equal(t, 200*time.Millisecond, cfg.Broadcast.SendInterval)
	assert.Equal(t, 3, cfg.Broadcast.RetryCount)
	assert.Equal(t, 2.0, cfg.Broadcast.RetryBackoff)
	assert.Equal(t, 10*time.Second, cfg.Peer.PollInterval)
	assert.Equal(t, "tmp/ledger.json", cfg.Ledger.Path)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.StaleAfter)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  port: 9100
  projectID: game-x
  protocols: [chat, telemetry]
broadcast:
  port: 9900
  announceInterval: 1s
ledger:
  path: /var/lib/witch/ledger.json
api:
  enabled: false
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Node.Port)
	assert.Equal(t, "game-x", cfg.Node.ProjectID)
	assert.Equal(t, []string{"chat", "telemetry"}, cfg.Node.Protocols)
	assert.Equal(t, 9900, cfg.Broadcast.Port)
	assert.Equal(t, time.Second, cfg.Broadcast.AnnounceInterval)
	assert.Equal(t, "/var/lib/witch/ledger.json", cfg.Ledger.Path)
	assert.False(t, cfg.API.Enabled)

	// Unset keys keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Peer.PollInterval)
}
