package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Trigger    TriggerConfig    `yaml:"trigger" mapstructure:"trigger"`
	Cycle      CycleConfig      `yaml:"cycle" mapstructure:"cycle"`
	Assessment AssessmentConfig `yaml:"assessment" mapstructure:"assessment"`
	Review     ReviewConfig     `yaml:"review" mapstructure:"review"`
	Retrain    RetrainConfig    `yaml:"retrain" mapstructure:"retrain"`
	Workers    WorkersConfig    `yaml:"workers" mapstructure:"workers"`
	Scorer     ScorerConfig     `yaml:"scorer" mapstructure:"scorer"`
	Weather    WeatherConfig    `yaml:"weather" mapstructure:"weather"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
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

// TriggerConfig configures the evidence-driven cycle trigger.
type TriggerConfig struct {
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
}

// CycleConfig configures a single pipeline cycle.
type CycleConfig struct {
	MaxConcurrentClaims int `yaml:"max_concurrent_claims" mapstructure:"max_concurrent_claims"`
}

// AssessmentConfig configures the automated assessment gate.
type AssessmentConfig struct {
	WindowDays     int           `yaml:"window_days" mapstructure:"window_days"`
	ExtremePercent float64       `yaml:"extreme_percent" mapstructure:"extreme_percent"`
	LowRiskCutoff  float64       `yaml:"low_risk_cutoff" mapstructure:"low_risk_cutoff"`
	CallTimeout    time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

// ReviewConfig configures share issuance and quorum.
type ReviewConfig struct {
	Threshold   int `yaml:"threshold" mapstructure:"threshold"`
	TotalShares int `yaml:"total_shares" mapstructure:"total_shares"`
}

// RetrainConfig configures the retraining trigger.
type RetrainConfig struct {
	BankSize   int    `yaml:"bank_size" mapstructure:"bank_size"`
	Dispatcher string `yaml:"dispatcher" mapstructure:"dispatcher"`
}

// WorkersConfig configures the background worker pool.
type WorkersConfig struct {
	Size      int `yaml:"size" mapstructure:"size"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// ScorerConfig holds the damage classifier endpoint.
type ScorerConfig struct {
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	Key     string  `yaml:"key" mapstructure:"key"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// WeatherConfig holds the weather-risk oracle endpoint.
type WeatherConfig struct {
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	Key     string  `yaml:"key" mapstructure:"key"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// GeocodeConfig configures postcode resolution.
type GeocodeConfig struct {
	BaseURL   string        `yaml:"base_url" mapstructure:"base_url"`
	UserAgent string        `yaml:"user_agent" mapstructure:"user_agent"`
	RPS       float64       `yaml:"rps" mapstructure:"rps"`
	CacheTTL  time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// ResilienceConfig configures retry and circuit breaking around the
// scorer, weather oracle and geocoder.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// TemporalConfig configures the Temporal retraining dispatcher.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled            bool   `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL         string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs  int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	ReviewBacklogLimit int    `yaml:"review_backlog_limit" mapstructure:"review_backlog_limit"`
	StaleCycleHours    int    `yaml:"stale_cycle_hours" mapstructure:"stale_cycle_hours"`
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
	v.SetEnvPrefix("ADJUDICATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "adjudication.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("trigger.min_interval", 5*time.Minute)
	v.SetDefault("cycle.max_concurrent_claims", 4)
	v.SetDefault("assessment.window_days", 21)
	v.SetDefault("assessment.extreme_percent", 50.0)
	v.SetDefault("assessment.low_risk_cutoff", 0.1)
	v.SetDefault("assessment.call_timeout", 30*time.Second)
	v.SetDefault("review.threshold", 3)
	v.SetDefault("review.total_shares", 5)
	v.SetDefault("retrain.bank_size", 100)
	v.SetDefault("retrain.dispatcher", "log")
	v.SetDefault("workers.size", 4)
	v.SetDefault("workers.queue_size", 64)
	v.SetDefault("scorer.base_url", "http://localhost:8501")
	v.SetDefault("scorer.rps", 5.0)
	v.SetDefault("weather.base_url", "http://localhost:8502")
	v.SetDefault("weather.rps", 5.0)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.user_agent", "claims-adjudication/1.0")
	v.SetDefault("geocode.rps", 1.0)
	v.SetDefault("geocode.cache_ttl", 24*time.Hour)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 10000)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "damage-model-retraining")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.review_backlog_limit", 50)
	v.SetDefault("monitoring.stale_cycle_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	if c.Review.Threshold < 2 {
		return eris.Errorf("config: review.threshold must be at least 2, got %d", c.Review.Threshold)
	}
	if c.Review.TotalShares < c.Review.Threshold {
		return eris.Errorf("config: review.total_shares (%d) must be >= review.threshold (%d)",
			c.Review.TotalShares, c.Review.Threshold)
	}
	if c.Review.TotalShares > 255 {
		return eris.Errorf("config: review.total_shares must be <= 255, got %d", c.Review.TotalShares)
	}
	if c.Retrain.BankSize <= 0 {
		return eris.New("config: retrain.bank_size must be positive")
	}
	if c.Trigger.MinInterval < 0 {
		return eris.New("config: trigger.min_interval must not be negative")
	}
	switch c.Retrain.Dispatcher {
	case "log", "temporal":
	default:
		return eris.Errorf("config: unsupported retrain.dispatcher %q", c.Retrain.Dispatcher)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unsupported store.driver %q", c.Store.Driver)
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
