package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/netdash/internal/logging"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8080", cfg.APIAddress())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Agent.PushURL, cfg.Agent.PushURL)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netdash.yaml")
	data := `
agent:
  push_url: "wss://agent.lan:9443/events"
  pull_url: "https://agent.lan:9443"
scanning:
  default_concurrency: 10
  cooldown: 45s
api:
  port: 9000
logging:
  level: "debug"
  format: "json"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://agent.lan:9443/events", cfg.Agent.PushURL)
	assert.Equal(t, 10, cfg.Scanning.DefaultConcurrency)
	assert.Equal(t, 45*time.Second, cfg.Scanning.Cooldown)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Scanning.DefaultPorts, cfg.Scanning.DefaultPorts)
	assert.Equal(t, Default().API.ListenAddr, cfg.API.ListenAddr)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netdash.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  push_url: \"ftp://nope\"\n"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"no agent endpoints",
			func(c *Config) { c.Agent.PushURL = ""; c.Agent.PullURL = "" },
			"at least one",
		},
		{
			"push url wrong scheme",
			func(c *Config) { c.Agent.PushURL = "http://agent:9090" },
			"ws://",
		},
		{
			"pull url wrong scheme",
			func(c *Config) { c.Agent.PullURL = "ws://agent:9090" },
			"http://",
		},
		{
			"default port out of range",
			func(c *Config) { c.Scanning.DefaultPorts = []int{0} },
			"invalid default port",
		},
		{
			"concurrency too high",
			func(c *Config) { c.Scanning.DefaultConcurrency = 9999 },
			"concurrency",
		},
		{
			"negative cooldown",
			func(c *Config) { c.Scanning.Cooldown = -time.Second },
			"cooldown",
		},
		{
			"api port out of range",
			func(c *Config) { c.API.Port = 0 },
			"port",
		},
		{
			"bad log level",
			func(c *Config) { c.Logging.Level = "loud" },
			"log level",
		},
		{
			"bad log format",
			func(c *Config) { c.Logging.Format = "csv" },
			"log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "netdash.yaml")
	original := Default()
	original.API.Port = 9999

	require.NoError(t, original.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, loaded.API.Port)
}
