package broker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-backed runtime configuration. Durations are expressed in
// milliseconds so the file stays plain integers.
type Config struct {
	Broker struct {
		BaseURL      string `yaml:"base_url"`
		WebSocketURL string `yaml:"websocket_url"`
	} `yaml:"broker"`

	Reconnect struct {
		MaxAttempts int `yaml:"max_attempts"`
		BaseDelayMs int `yaml:"base_delay_ms"`
	} `yaml:"reconnect"`

	Switch struct {
		ConfirmPolls   int `yaml:"confirm_polls"`
		ConfirmPauseMs int `yaml:"confirm_pause_ms"`
	} `yaml:"switch"`

	Feed struct {
		CallTimeoutMs int `yaml:"call_timeout_ms"`
		CacheCapacity int `yaml:"cache_capacity"`
	} `yaml:"feed"`

	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`

	Report struct {
		Dir string `yaml:"dir"`
	} `yaml:"report"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Broker.BaseURL = "https://trade.sigmabroker.com"
	cfg.Broker.WebSocketURL = "https://ws.trade.sigmabroker.com/echo/websocket"
	cfg.Reconnect.MaxAttempts = 3
	cfg.Reconnect.BaseDelayMs = 1000
	cfg.Switch.ConfirmPolls = 5
	cfg.Switch.ConfirmPauseMs = 500
	cfg.Feed.CallTimeoutMs = 10000
	cfg.Feed.CacheCapacity = 100
	cfg.Storage.DBPath = "sigmatrader.db"
	cfg.Report.Dir = "reports"
	cfg.LogLevel = "info"
	return cfg
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the session cannot run with.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("config: broker.base_url is required")
	}
	if c.Broker.WebSocketURL == "" {
		return fmt.Errorf("config: broker.websocket_url is required")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("config: reconnect.max_attempts must be at least 1, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.BaseDelayMs < 0 {
		return fmt.Errorf("config: reconnect.base_delay_ms must not be negative")
	}
	if c.Switch.ConfirmPolls < 1 {
		return fmt.Errorf("config: switch.confirm_polls must be at least 1, got %d", c.Switch.ConfirmPolls)
	}
	if c.Feed.CacheCapacity < 1 {
		return fmt.Errorf("config: feed.cache_capacity must be at least 1, got %d", c.Feed.CacheCapacity)
	}
	return nil
}

func (c *Config) BaseReconnectDelay() time.Duration {
	return time.Duration(c.Reconnect.BaseDelayMs) * time.Millisecond
}

func (c *Config) ConfirmPause() time.Duration {
	return time.Duration(c.Switch.ConfirmPauseMs) * time.Millisecond
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Feed.CallTimeoutMs) * time.Millisecond
}
