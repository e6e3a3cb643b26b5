// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Automation AutomationConfig `mapstructure:"automation"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RelayConfig points at the websocket relay that delivers chat queries.
type RelayConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Token      string `mapstructure:"token"`
	QueueDepth int    `mapstructure:"queue_depth"`
}

// MirrorConfig configures the mirror site lookup.
type MirrorConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	DisplayName    string `mapstructure:"display_name"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
}

// AutomationConfig configures the browser session and search workflows.
type AutomationConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	RemoteURL             string `mapstructure:"remote_url"`
	Headless              bool   `mapstructure:"headless"`
	NoSandbox             bool   `mapstructure:"no_sandbox"`
	UserAgent             string `mapstructure:"user_agent"`
	StartupTimeoutSeconds int    `mapstructure:"startup_timeout_seconds"`
	ResultTimeoutSeconds  int    `mapstructure:"result_timeout_seconds"`
	ElementTimeoutSeconds int    `mapstructure:"element_timeout_seconds"`
	QueryTimeoutSeconds   int    `mapstructure:"query_timeout_seconds"`
	Screenshots           bool   `mapstructure:"screenshots"`
	ArtifactPrefix        string `mapstructure:"artifact_prefix"`
	WindowWidth           int    `mapstructure:"window_width"`
	WindowHeight          int    `mapstructure:"window_height"`
}

// StorageConfig selects where screenshots go.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig is the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEKA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.queue_depth", 1000)
	v.SetDefault("mirror.enabled", true)
	v.SetDefault("mirror.base_url", "https://www.dekasuksa.com")
	v.SetDefault("mirror.display_name", "เว็บไซต์ฎีกาศึกษา")
	v.SetDefault("mirror.user_agent", "deka-supremecourt/1.0")
	v.SetDefault("mirror.timeout_seconds", 15)
	v.SetDefault("mirror.max_concurrency", 8)
	v.SetDefault("automation.base_url", "http://deka.supremecourt.or.th")
	v.SetDefault("automation.headless", true)
	v.SetDefault("automation.no_sandbox", false)
	v.SetDefault("automation.startup_timeout_seconds", 60)
	v.SetDefault("automation.result_timeout_seconds", 30)
	v.SetDefault("automation.element_timeout_seconds", 10)
	v.SetDefault("automation.query_timeout_seconds", 120)
	v.SetDefault("automation.screenshots", false)
	v.SetDefault("automation.artifact_prefix", "screenshots")
	v.SetDefault("automation.window_width", 1920)
	v.SetDefault("automation.window_height", 1080)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local.base_dir", "data/artifacts")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay.url must be set when the relay is enabled")
	}
	if c.Relay.QueueDepth <= 0 {
		return fmt.Errorf("relay.queue_depth must be > 0")
	}
	if c.Mirror.Enabled && c.Mirror.BaseURL == "" {
		return fmt.Errorf("mirror.base_url must be set when the mirror is enabled")
	}
	if c.Mirror.TimeoutSeconds <= 0 {
		return fmt.Errorf("mirror.timeout_seconds must be > 0")
	}
	if c.Automation.BaseURL == "" {
		return fmt.Errorf("automation.base_url must be set")
	}
	for name, v := range map[string]int{
		"automation.startup_timeout_seconds": c.Automation.StartupTimeoutSeconds,
		"automation.result_timeout_seconds":  c.Automation.ResultTimeoutSeconds,
		"automation.element_timeout_seconds": c.Automation.ElementTimeoutSeconds,
		"automation.query_timeout_seconds":   c.Automation.QueryTimeoutSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	return nil
}

// MirrorTimeout is the bound on one mirror lookup.
func (c Config) MirrorTimeout() time.Duration {
	return seconds(c.Mirror.TimeoutSeconds)
}

// QueryTimeout is the bound on one automation run.
func (c Config) QueryTimeout() time.Duration {
	return seconds(c.Automation.QueryTimeoutSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
