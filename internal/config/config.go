package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Liveness  LivenessConfig `mapstructure:"liveness"`
	Webhooks  WebhookConfig  `mapstructure:"webhooks"`
	Credits   CreditsConfig  `mapstructure:"credits"`
	EventLog  EventLogConfig `mapstructure:"event_log"`
	JWTSecret string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// LivenessConfig controls the staleness monitor.
type LivenessConfig struct {
	StaleThresholdSeconds int `mapstructure:"stale_threshold_seconds"`
	PollIntervalSeconds   int `mapstructure:"poll_interval_seconds"`
}

func (l LivenessConfig) StaleThreshold() time.Duration {
	return time.Duration(l.StaleThresholdSeconds) * time.Second
}

func (l LivenessConfig) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalSeconds) * time.Second
}

// WebhookConfig controls outbound delivery and circuit breaking.
type WebhookConfig struct {
	TimeoutSeconds       int `mapstructure:"timeout_seconds"`
	FailureThreshold     int `mapstructure:"failure_threshold"`
	MaxAttempts          int `mapstructure:"max_attempts"`
	RetryIntervalSeconds int `mapstructure:"retry_interval_seconds"`
}

func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

func (w WebhookConfig) RetryInterval() time.Duration {
	return time.Duration(w.RetryIntervalSeconds) * time.Second
}

type CreditsConfig struct {
	DailyCharge int `mapstructure:"daily_charge"`
}

type EventLogConfig struct {
	BufferSize      int `mapstructure:"buffer_size"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
}

func (e EventLogConfig) FlushInterval() time.Duration {
	return time.Duration(e.FlushIntervalMs) * time.Millisecond
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	setDefaults()

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("database.path", "./data")
	viper.SetDefault("jwt_secret", "changeme-secret")
	viper.SetDefault("liveness.stale_threshold_seconds", 180)
	viper.SetDefault("liveness.poll_interval_seconds", 30)
	viper.SetDefault("webhooks.timeout_seconds", 10)
	viper.SetDefault("webhooks.failure_threshold", 10)
	viper.SetDefault("webhooks.max_attempts", 3)
	viper.SetDefault("webhooks.retry_interval_seconds", 30)
	viper.SetDefault("credits.daily_charge", 15)
	viper.SetDefault("event_log.buffer_size", 500)
	viper.SetDefault("event_log.flush_interval_ms", 1000)
}
