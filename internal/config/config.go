package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Weights    WeightsConfig    `yaml:"weights" mapstructure:"weights"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	CreateRatePerSec float64  `yaml:"create_rate_per_sec" mapstructure:"create_rate_per_sec"`
	CreateBurst      int      `yaml:"create_burst" mapstructure:"create_burst"`
	AllowedOrigins   []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeout   int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// PipelineConfig configures scan execution.
type PipelineConfig struct {
	ScoringWorkers int    `yaml:"scoring_workers" mapstructure:"scoring_workers"`
	IOTimeoutSecs  int    `yaml:"io_timeout_secs" mapstructure:"io_timeout_secs"`
	RulesPath      string `yaml:"rules_path" mapstructure:"rules_path"`
}

// WeightsConfig configures adaptive weight updates.
type WeightsConfig struct {
	LearningRate float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
	MaxStep      float64 `yaml:"max_step" mapstructure:"max_step"`
	MaxAttempts  int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ReconcileConfig configures stale-session reconciliation.
type ReconcileConfig struct {
	StaleAfterMins int    `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	Schedule       string `yaml:"schedule" mapstructure:"schedule"`
}

// MonitoringConfig configures the background health checker started by serve.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleSessionLimit    int     `yaml:"stale_session_limit" mapstructure:"stale_session_limit"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
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
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "scout.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.create_rate_per_sec", 5)
	v.SetDefault("server.create_burst", 10)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("pipeline.scoring_workers", 4)
	v.SetDefault("pipeline.io_timeout_secs", 10)
	v.SetDefault("pipeline.rules_path", "")
	v.SetDefault("weights.learning_rate", 0.05)
	v.SetDefault("weights.max_step", 0.05)
	v.SetDefault("weights.max_attempts", 5)
	v.SetDefault("reconcile.stale_after_mins", 30)
	v.SetDefault("reconcile.schedule", "@every 5m")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_session_limit", 10)
	v.SetDefault("monitoring.webhook_url", "")

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

// Validate checks the settings required by the given command mode:
// "scan", "serve" or "maintenance".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for postgres")
	}

	switch mode {
	case "scan", "serve":
		if c.Pipeline.ScoringWorkers < 1 || c.Pipeline.ScoringWorkers > 64 {
			errs = append(errs, "pipeline.scoring_workers must be between 1 and 64")
		}
		if c.Pipeline.IOTimeoutSecs <= 0 {
			errs = append(errs, "pipeline.io_timeout_secs must be > 0")
		}
		if c.Weights.LearningRate <= 0 || c.Weights.LearningRate > 1 {
			errs = append(errs, "weights.learning_rate must be in (0, 1]")
		}
		if c.Weights.MaxStep <= 0 {
			errs = append(errs, "weights.max_step must be > 0")
		}
		if c.Weights.MaxAttempts < 1 {
			errs = append(errs, "weights.max_attempts must be >= 1")
		}
		if mode == "serve" {
			if c.Server.Port <= 0 {
				errs = append(errs, "server.port must be > 0")
			}
			if c.Server.CreateRatePerSec <= 0 {
				errs = append(errs, "server.create_rate_per_sec must be > 0")
			}
			if c.Server.RequestTimeout <= 0 {
				errs = append(errs, "server.request_timeout_secs must be > 0")
			}
			if c.Reconcile.Schedule == "" {
				errs = append(errs, "reconcile.schedule is required")
			}
			if c.Reconcile.StaleAfterMins <= 0 {
				errs = append(errs, "reconcile.stale_after_mins must be > 0")
			}
			if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
				errs = append(errs, "monitoring.failure_rate_threshold must be in [0, 1]")
			}
		}
	case "maintenance":
		if c.Reconcile.StaleAfterMins <= 0 {
			errs = append(errs, "reconcile.stale_after_mins must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
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
