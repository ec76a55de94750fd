// Package config holds the netdash daemon configuration: agent transport
// endpoints, scan defaults, API server settings, and logging.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/probelab/netdash/internal/logging"
)

// Config represents the complete netdash configuration.
type Config struct {
	// Agent transport configuration
	Agent AgentConfig `yaml:"agent" json:"agent"`

	// Scanning defaults applied to specs that leave fields unset
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// API configuration for `netdash serve`
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`
}

// AgentConfig holds the endpoints of the remote probing agent.
type AgentConfig struct {
	// PushURL is the websocket endpoint of the push channel.
	PushURL string `yaml:"push_url" json:"push_url"`

	// PullURL is the HTTP base URL of the pull channel.
	PullURL string `yaml:"pull_url" json:"pull_url"`

	// RequestTimeout bounds each pull request.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// DialTimeout bounds the initial push channel dial.
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// ScanningConfig holds per-tool scan defaults.
type ScanningConfig struct {
	// DefaultPorts is used when a port scan spec carries no port list.
	DefaultPorts []int `yaml:"default_ports" json:"default_ports"`

	// DefaultConcurrency is applied to specs without one.
	DefaultConcurrency int `yaml:"default_concurrency" json:"default_concurrency"`

	// ProbeTimeout is the per-probe timeout forwarded to the agent.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`

	// ScanWindow is the declared duration for fixed-window scans
	// (WiFi, device discovery) when the spec carries none.
	ScanWindow time.Duration `yaml:"scan_window" json:"scan_window"`

	// Cooldown is the hint attached to rate-limited sessions.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

// APIConfig holds the status/control API server settings.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	ListenAddr   string        `yaml:"listen_addr" json:"listen_addr"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors"`
	CORSOrigins  []string      `yaml:"cors_origins" json:"cors_origins"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			PushURL:        "ws://127.0.0.1:9090/events",
			PullURL:        "http://127.0.0.1:9090",
			RequestTimeout: 60 * time.Second,
			DialTimeout:    10 * time.Second,
		},
		Scanning: ScanningConfig{
			DefaultPorts:       []int{22, 80, 443, 8080, 8443},
			DefaultConcurrency: 50,
			ProbeTimeout:       3 * time.Second,
			ScanWindow:         10 * time.Second,
			Cooldown:           30 * time.Second,
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			EnableCORS:   true,
			CORSOrigins:  []string{"*"},
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file, layered over defaults. A missing
// file is not an error; the defaults stand.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save writes the configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Agent.PushURL == "" && c.Agent.PullURL == "" {
		return fmt.Errorf("at least one of agent.push_url and agent.pull_url is required")
	}
	if c.Agent.PushURL != "" {
		u, err := url.Parse(c.Agent.PushURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("agent.push_url must be a ws:// or wss:// URL")
		}
	}
	if c.Agent.PullURL != "" {
		u, err := url.Parse(c.Agent.PullURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("agent.pull_url must be an http:// or https:// URL")
		}
	}

	for _, port := range c.Scanning.DefaultPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid default port: %d (must be 1-65535)", port)
		}
	}
	if c.Scanning.DefaultConcurrency < 0 || c.Scanning.DefaultConcurrency > 1024 {
		return fmt.Errorf("default concurrency must be between 0 and 1024")
	}
	if c.Scanning.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("API port must be between 1 and 65535")
		}
		if c.API.ListenAddr == "" {
			return fmt.Errorf("API listen address is required when API is enabled")
		}
	}

	validLogLevels := map[logging.LogLevel]bool{
		logging.LevelDebug: true,
		logging.LevelInfo:  true,
		logging.LevelWarn:  true,
		logging.LevelError: true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validLogFormats := map[logging.LogFormat]bool{
		logging.FormatText: true,
		logging.FormatJSON: true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// APIAddress returns the full API listen address.
func (c *Config) APIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}
