// Package config loads the service configuration from a YAML file with
// environment-variable overrides for secrets, and supports hot-reload of the
// tunable (non-secret) settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets should only ever
// arrive through these, never through the file.
const (
	EnvMasterKey       = "KMS_MASTER_KEY"
	EnvAuditSigningKey = "KMS_AUDIT_SIGNING_KEY"
	EnvDatabaseDSN     = "KMS_DATABASE_DSN"
	EnvRedisAddr       = "KMS_REDIS_ADDR"
	EnvRedisPassword   = "KMS_REDIS_PASSWORD"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Rotation  RotationConfig  `yaml:"rotation"`
	Retention RetentionConfig `yaml:"retention"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Log       LogConfig       `yaml:"log"`

	// MasterKeyHex is the hex-encoded 256-bit master key. Environment only.
	MasterKeyHex string `yaml:"-"`
	// AuditSigningKey is the audit HMAC secret, distinct from the master
	// key. Environment only.
	AuditSigningKey string `yaml:"-"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the relational store settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds the cache backend settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig tunes the key metadata cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RotationConfig drives the background rotation sweep.
type RotationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CronSpec       string `yaml:"cron_spec"`
	MonitoringSpec string `yaml:"monitoring_spec"`
}

// RetentionConfig bounds the audit log and resolved-alert retention sweeps.
type RetentionConfig struct {
	AuditLogDays         int           `yaml:"audit_log_days"`
	ResolvedAlertsMaxAge time.Duration `yaml:"resolved_alerts_max_age"`
}

// AlertsConfig holds the outbound notification channels. Hot-reloadable.
type AlertsConfig struct {
	ChatWebhookURL  string `yaml:"chat_webhook_url"`
	PagerWebhookURL string `yaml:"pager_webhook_url"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file (optional), applies environment overrides, fills
// defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvMasterKey); v != "" {
		c.MasterKeyHex = v
	}
	if v := os.Getenv(EnvAuditSigningKey); v != "" {
		c.AuditSigningKey = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 20 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Rotation.CronSpec == "" {
		c.Rotation.CronSpec = "0 2 * * *"
	}
	if c.Rotation.MonitoringSpec == "" {
		c.Rotation.MonitoringSpec = "*/5 * * * *"
	}
	if c.Retention.AuditLogDays <= 0 {
		c.Retention.AuditLogDays = 2557
	}
	if c.Retention.ResolvedAlertsMaxAge <= 0 {
		c.Retention.ResolvedAlertsMaxAge = 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate rejects configurations that cannot start safely.
func (c *Config) Validate() error {
	if c.MasterKeyHex == "" {
		return fmt.Errorf("%s is required", EnvMasterKey)
	}
	if c.AuditSigningKey == "" {
		return fmt.Errorf("%s is required", EnvAuditSigningKey)
	}
	if c.AuditSigningKey == c.MasterKeyHex {
		return fmt.Errorf("audit signing key must be distinct from the master key")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	return nil
}
