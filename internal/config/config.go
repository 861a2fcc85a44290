// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Browser profiles understood by the socket layer.
const (
	BrowserMacOS       = "macOS"
	BrowserWindows     = "windows"
	BrowserUbuntu      = "ubuntu"
	BrowserBaileys     = "baileys"
	BrowserAppropriate = "appropriate"
)

// AuthStoreConfig describes an external document store for auth state.
// An empty URL selects the session directory instead.
type AuthStoreConfig struct {
	URL            string `mapstructure:"url"`
	DatabaseName   string `mapstructure:"database_name"`
	CollectionName string `mapstructure:"collection_name"`
}

// Enabled reports whether an external store is configured.
func (a AuthStoreConfig) Enabled() bool {
	return a.URL != ""
}

// ClientConfig holds all configuration for a WhatsApp session client.
type ClientConfig struct {
	// Paths
	LogPath          string `mapstructure:"log_path"`
	SessionDirectory string `mapstructure:"session_directory"`

	// Identity
	BrowserProfile string `mapstructure:"browser_profile"`
	DeviceName     string `mapstructure:"device_name"`
	PhoneNumber    string `mapstructure:"phone_number"`

	// Connection
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	MarkOnlineOnConnect    bool          `mapstructure:"mark_online_on_connect"`
	HighQualityLinkPreview bool          `mapstructure:"high_quality_link_preview"`

	// Reconnection
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`

	// Caches
	GroupCacheTTL time.Duration `mapstructure:"group_cache_ttl"`

	// Auth state
	AuthStore AuthStoreConfig `mapstructure:"auth_store"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Metrics
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	MetricsPort    int  `mapstructure:"metrics_port"`
}

// DefaultConfig returns a ClientConfig with sensible defaults.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		LogPath:                "./whatsapp.log",
		SessionDirectory:       "./whatsapp_session",
		BrowserProfile:         BrowserMacOS,
		DeviceName:             "Desktop",
		ConnectTimeout:         30 * time.Second,
		MarkOnlineOnConnect:    false,
		HighQualityLinkPreview: true,
		MaxRetries:             3,
		RetryBaseDelay:         0,
		RetryMaxDelay:          30 * time.Second,
		GroupCacheTTL:          time.Hour,
		AuthStore: AuthStoreConfig{
			DatabaseName:   "whatsapp",
			CollectionName: "auth_state",
		},
		LogLevel:       "info",
		LogFormat:      "json",
		MetricsEnabled: false,
		MetricsPort:    9090,
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: CLI flags > Environment > Config file > Defaults
func LoadConfig(configPath string) (*ClientConfig, error) {
	return LoadConfigWith(viper.New(), configPath)
}

// LoadConfigWith is LoadConfig on a caller-supplied viper instance, so
// command-line flags bound to v take precedence.
func LoadConfigWith(v *viper.Viper, configPath string) (*ClientConfig, error) {
	defaults := DefaultConfig()
	v.SetDefault("log_path", defaults.LogPath)
	v.SetDefault("session_directory", defaults.SessionDirectory)
	v.SetDefault("browser_profile", defaults.BrowserProfile)
	v.SetDefault("device_name", defaults.DeviceName)
	v.SetDefault("phone_number", defaults.PhoneNumber)
	v.SetDefault("connect_timeout", defaults.ConnectTimeout)
	v.SetDefault("mark_online_on_connect", defaults.MarkOnlineOnConnect)
	v.SetDefault("high_quality_link_preview", defaults.HighQualityLinkPreview)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("retry_base_delay", defaults.RetryBaseDelay)
	v.SetDefault("retry_max_delay", defaults.RetryMaxDelay)
	v.SetDefault("group_cache_ttl", defaults.GroupCacheTTL)
	v.SetDefault("auth_store.url", defaults.AuthStore.URL)
	v.SetDefault("auth_store.database_name", defaults.AuthStore.DatabaseName)
	v.SetDefault("auth_store.collection_name", defaults.AuthStore.CollectionName)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("metrics_enabled", defaults.MetricsEnabled)
	v.SetDefault("metrics_port", defaults.MetricsPort)

	// Environment variables with WASESSION_ prefix
	v.SetEnvPrefix("WASESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}

	if c.SessionDirectory == "" && !c.AuthStore.Enabled() {
		return fmt.Errorf("session directory must be set when no auth store is configured")
	}

	switch c.BrowserProfile {
	case BrowserMacOS, BrowserWindows, BrowserUbuntu, BrowserBaileys, BrowserAppropriate:
	default:
		return fmt.Errorf("invalid browser profile: %s (must be macOS, windows, ubuntu, baileys, or appropriate)", c.BrowserProfile)
	}

	if c.DeviceName == "" {
		return fmt.Errorf("device name must not be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.LogFormat)
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d (must be 0-65535)", c.MetricsPort)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}

	if c.GroupCacheTTL <= 0 {
		return fmt.Errorf("group cache ttl must be positive")
	}

	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("retry base delay must be non-negative")
	}

	if c.RetryMaxDelay <= 0 {
		return fmt.Errorf("retry max delay must be positive")
	}

	if c.RetryBaseDelay > c.RetryMaxDelay {
		return fmt.Errorf("retry base delay must be less than or equal to max delay")
	}

	if c.AuthStore.Enabled() {
		if c.AuthStore.DatabaseName == "" {
			return fmt.Errorf("auth store database name must not be empty")
		}
		if c.AuthStore.CollectionName == "" {
			return fmt.Errorf("auth store collection name must not be empty")
		}
	}

	return nil
}
