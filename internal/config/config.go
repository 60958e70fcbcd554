// Package config holds the application configuration and its viper loader.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the application's configuration.
type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Session  SessionConfig  `mapstructure:"session"`
	Store    StoreConfig    `mapstructure:"store"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Log      LogConfig      `mapstructure:"log"`
}

// ProviderConfig configures the identity provider's device flow endpoints.
type ProviderConfig struct {
	Domain       string `mapstructure:"domain"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Audience     string `mapstructure:"audience"`
	Scope        string `mapstructure:"scope"`
	HTTPTimeout  int    `mapstructure:"http_timeout"` // in seconds

	// BaseURL overrides the https://<domain> issuer base when set. Intended
	// for local mock providers.
	BaseURL string `mapstructure:"base_url"`
}

func (c *ProviderConfig) issuerBase() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return "https://" + c.Domain
}

// DeviceCodeURL returns the device authorization endpoint.
func (c *ProviderConfig) DeviceCodeURL() string {
	return c.issuerBase() + "/oauth/device/code"
}

// TokenURL returns the token endpoint.
func (c *ProviderConfig) TokenURL() string {
	return c.issuerBase() + "/oauth/token"
}

// UserInfoURL returns the userinfo endpoint.
func (c *ProviderConfig) UserInfoURL() string {
	return c.issuerBase() + "/userinfo"
}

// TelegramConfig configures the chat transport.
type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	APIBaseURL  string `mapstructure:"api_base_url"`
	PollTimeout int    `mapstructure:"poll_timeout"` // long-poll timeout in seconds
}

// SessionConfig governs the auth state machine timings.
type SessionConfig struct {
	InactivityTimeout    time.Duration `mapstructure:"inactivity_timeout"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	PollIntervalOverride time.Duration `mapstructure:"poll_interval_override"` // 0 = use provider interval
}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"` // memory | sqlite | postgres | redis
	DSN           string `mapstructure:"dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// AuditConfig configures the Kafka audit trail. When disabled, audit events
// are written through the relational store instead.
type AuditConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// OpsConfig configures the operational HTTP server (health, metrics, pprof).
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Validate checks for essential configuration values.
func (c *Config) Validate() error {
	if c.Provider.Domain == "" && c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.domain is required")
	}
	if c.Provider.ClientID == "" {
		return fmt.Errorf("provider.client_id is required")
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Session.InactivityTimeout <= 0 {
		return fmt.Errorf("session.inactivity_timeout must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive")
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	return nil
}
