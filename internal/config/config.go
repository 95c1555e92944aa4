// Package config loads datastore configuration from config.yaml and
// DATASTORE_* environment variables.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/grant-datastore/internal/cache"
	"github.com/sells-group/grant-datastore/internal/checker"
	"github.com/sells-group/grant-datastore/internal/ingest"
	"github.com/sells-group/grant-datastore/internal/resilience"
	"github.com/sells-group/grant-datastore/internal/rollup"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Cache      cache.Config     `yaml:"cache" mapstructure:"cache"`
	Rollup     rollup.Config    `yaml:"rollup" mapstructure:"rollup"`
	Checker    checker.Config   `yaml:"checker" mapstructure:"checker"`
	Ingest     ingest.Config    `yaml:"ingest" mapstructure:"ingest"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the status and metrics server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures datastore health alerts.
type MonitoringConfig struct {
	Enabled                 bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleSnapshotHours      int     `yaml:"stale_snapshot_hours" mapstructure:"stale_snapshot_hours"`
	GrantDropThreshold      float64 `yaml:"grant_drop_threshold" mapstructure:"grant_drop_threshold"`
	IneligibleRateThreshold float64 `yaml:"ineligible_rate_threshold" mapstructure:"ineligible_rate_threshold"`

	WebhookRetry resilience.Policy `yaml:"webhook_retry" mapstructure:"webhook_retry"`
	// WebhookRatePerSec caps alert posts per second; zero means unlimited.
	WebhookRatePerSec float64 `yaml:"webhook_rate_per_sec" mapstructure:"webhook_rate_per_sec"`
	WebhookBurst      int     `yaml:"webhook_burst" mapstructure:"webhook_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DATASTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "datastore.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.prefix", "grant-datastore")
	v.SetDefault("rollup.workers", 4)
	v.SetDefault("checker.command", "grant-quality-check")
	v.SetDefault("ingest.batch_size", 5000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stale_snapshot_hours", 192)
	v.SetDefault("monitoring.grant_drop_threshold", 0.2)
	v.SetDefault("monitoring.ineligible_rate_threshold", 0.25)
	v.SetDefault("monitoring.webhook_retry.attempts", 3)
	v.SetDefault("monitoring.webhook_retry.backoff", "500ms")
	v.SetDefault("monitoring.webhook_retry.max_backoff", "30s")
	v.SetDefault("monitoring.webhook_retry.jitter", 0.25)
	v.SetDefault("monitoring.webhook_rate_per_sec", 1)
	v.SetDefault("monitoring.webhook_burst", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is "store" for any
// command that opens the database and "serve" for the server.
func (c *Config) Validate(mode string) error {
	var missing []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			missing = append(missing, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		missing = append(missing, "store.driver must be postgres or sqlite")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			missing = append(missing, "server.port must be between 1 and 65535")
		}
		if c.Monitoring.Enabled && c.Monitoring.GrantDropThreshold < 0 {
			missing = append(missing, "monitoring.grant_drop_threshold must not be negative")
		}
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
