package config

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/turtacn/authgate/pkg/logger"
)

// LoadConfig loads the configuration from file and environment variables.
// Precedence: env (AUTHGATE_*) over config file over defaults.
func LoadConfig(log logger.Logger) (*Config, *viper.Viper, error) {
	v := viper.New()

	// Defaults. Keys without a meaningful default still get an empty one so
	// AutomaticEnv can populate them through Unmarshal.
	v.SetDefault("provider.domain", "")
	v.SetDefault("provider.client_id", "")
	v.SetDefault("provider.client_secret", "")
	v.SetDefault("provider.audience", "")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("telegram.token", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("audit.brokers", []string{})
	v.SetDefault("provider.scope", "openid profile email")
	v.SetDefault("provider.http_timeout", 10)
	v.SetDefault("telegram.api_base_url", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", 30)
	v.SetDefault("session.inactivity_timeout", time.Minute)
	v.SetDefault("session.sweep_interval", 30*time.Second)
	v.SetDefault("session.poll_interval_override", time.Duration(0))
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.topic", "authgate.audit")
	v.SetDefault("audit.write_timeout", 5*time.Second)
	v.SetDefault("audit.batch_timeout", time.Second)
	v.SetDefault("ops.addr", ":9090")
	v.SetDefault("log.level", "info")

	// Config file is optional; env vars can carry everything.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/authgate/")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, err
		}
	}

	v.SetEnvPrefix("AUTHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, v, nil
}

// InactivityTimeout is an atomically swappable view of the idle timeout so the
// sweep picks up config file edits without a restart.
type InactivityTimeout struct {
	nanos atomic.Int64
}

// NewInactivityTimeout creates the view with an initial value.
func NewInactivityTimeout(d time.Duration) *InactivityTimeout {
	t := &InactivityTimeout{}
	t.nanos.Store(int64(d))
	return t
}

// Get returns the current timeout.
func (t *InactivityTimeout) Get() time.Duration {
	return time.Duration(t.nanos.Load())
}

// Set replaces the timeout.
func (t *InactivityTimeout) Set(d time.Duration) {
	t.nanos.Store(int64(d))
}

// WatchInactivityTimeout re-reads session.inactivity_timeout whenever the
// config file changes on disk.
func WatchInactivityTimeout(v *viper.Viper, timeout *InactivityTimeout, log logger.Logger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		d := v.GetDuration("session.inactivity_timeout")
		if d <= 0 {
			log.Warn(context.Background(), "ignoring non-positive inactivity_timeout from config reload",
				logger.Fields{"file": e.Name})
			return
		}
		timeout.Set(d)
		log.Info(context.Background(), "inactivity timeout reloaded",
			logger.Fields{"timeout": d.String(), "file": e.Name})
	})
	v.WatchConfig()
}
