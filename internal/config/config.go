// Package config loads the domlink YAML configuration and resolves the
// on-disk layout under ~/.domlink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/domlink/internal/backoff"
	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/validate"
)

// Environment variables that override file values.
const (
	EnvServerURL = "DOMLINK_SERVER_URL"
	EnvToken     = "DOMLINK_TOKEN"
)

const (
	defaultListen         = "127.0.0.1:8787"
	defaultHighlightColor = "#f59e0b"
	defaultLogKeep        = 10000
)

// Config is the full domlink configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Targeting TargetingConfig `yaml:"targeting"`
	Commands  CommandsConfig  `yaml:"commands"`
	Browser   BrowserConfig   `yaml:"browser"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig covers both ends of the command channel.
type ServerConfig struct {
	// URL is the relay WebSocket endpoint the agent dials.
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// Listen is the relay bind address.
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type ReconnectConfig struct {
	Delays []time.Duration `yaml:"delays"`
}

type TargetingConfig struct {
	Retries  int           `yaml:"retries"`
	Interval time.Duration `yaml:"interval"`
}

type CommandsConfig struct {
	HoverDuration     time.Duration `yaml:"hover_duration"`
	HighlightDuration time.Duration `yaml:"highlight_duration"`
	ScrollDebounce    time.Duration `yaml:"scroll_debounce"`
	HighlightColor    string        `yaml:"highlight_color"`
}

// BrowserConfig selects the page the agent drives.
type BrowserConfig struct {
	// RemoteURL attaches to a running Chrome; empty launches one.
	RemoteURL string `yaml:"remote_url"`
	Headless  bool   `yaml:"headless"`
	Page      string `yaml:"page"`
}

type PromptConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	DB       string `yaml:"db"`
	Keep     int    `yaml:"keep"`
	Capacity int    `yaml:"capacity"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{Browser: BrowserConfig{Headless: true}}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies defaults and environment overrides, then
// validates. An empty path means the default instance config file; a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = GetInstancePaths("").Config
	}
	path = ExpandPath(path)

	cfg := &Config{Browser: BrowserConfig{Headless: true}}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if len(c.Reconnect.Delays) == 0 {
		c.Reconnect.Delays = append([]time.Duration(nil), backoff.DefaultDelays...)
	}
	if c.Targeting.Retries <= 0 {
		c.Targeting.Retries = constants.TargetRetries
	}
	if c.Targeting.Interval <= 0 {
		c.Targeting.Interval = constants.TargetRetryInterval
	}
	if c.Commands.HoverDuration <= 0 {
		c.Commands.HoverDuration = constants.HoverDuration
	}
	if c.Commands.HighlightDuration <= 0 {
		c.Commands.HighlightDuration = constants.HighlightDuration
	}
	if c.Commands.ScrollDebounce <= 0 {
		c.Commands.ScrollDebounce = constants.ScrollDebounce
	}
	if c.Commands.HighlightColor == "" {
		c.Commands.HighlightColor = defaultHighlightColor
	}
	if c.Prompt.Timeout <= 0 {
		c.Prompt.Timeout = constants.PromptRequestTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.DB == "" {
		c.Log.DB = GetInstancePaths("").LogDB
	}
	c.Log.DB = ExpandPath(c.Log.DB)
	if c.Log.Keep <= 0 {
		c.Log.Keep = defaultLogKeep
	}
	if c.Log.Capacity <= 0 {
		c.Log.Capacity = constants.LogHistoryCapacity
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServerURL)); v != "" {
		c.Server.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvToken)); v != "" {
		c.Server.Token = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.URL != "" {
		if err := validate.WebSocketURL(c.Server.URL); err != nil {
			return fmt.Errorf("config: server.url: %w", err)
		}
	}
	for i, d := range c.Reconnect.Delays {
		if d <= 0 {
			return fmt.Errorf("config: reconnect.delays[%d] must be positive, got %s", i, d)
		}
	}
	if c.Prompt.URL != "" {
		if err := validate.HTTPURL(c.Prompt.URL); err != nil {
			return fmt.Errorf("config: prompt.url: %w", err)
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}
