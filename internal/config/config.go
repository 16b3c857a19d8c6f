package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config file looked up when no path is given.
const DefaultConfigFile = "config.yaml"

// ConfigPathEnv overrides the config path when set.
const ConfigPathEnv = "GATEWAY_CONFIG"

// AppConfig holds process-level inputs passed from the command line.
type AppConfig struct {
	ConfigPath string
}

// Config is the root of the YAML configuration file.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Billing   BillingConfig   `yaml:"billing"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Payment   PaymentConfig   `yaml:"payment"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// DatabaseConfig describes the database connection. Pool settings apply to PostgreSQL only;
// SQLite always runs on a single connection.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SlowQuery       time.Duration `yaml:"slow_query"`
}

// JWTConfig configures dashboard session tokens.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// RedisConfig configures the optional Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig configures logrus output and rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// UpstreamConfig tunes upstream selection and health probing.
type UpstreamConfig struct {
	HealthInterval   time.Duration `yaml:"health_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxRetries       int           `yaml:"max_retries"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
}

// BillingConfig configures the accounting day and background sweeps.
type BillingConfig struct {
	Timezone       string `yaml:"timezone"`
	ExpirySchedule string `yaml:"expiry_schedule"`
}

// PricingConfig configures price lookup fallbacks.
type PricingConfig struct {
	FallbackModel string `yaml:"fallback_model"`
}

// PaymentConfig configures the external payment processor.
type PaymentConfig struct {
	Enabled    bool          `yaml:"enabled"`
	PID        string        `yaml:"pid"`
	Key        string        `yaml:"key"`
	GatewayURL string        `yaml:"gateway_url"`
	NotifyURL  string        `yaml:"notify_url"`
	ReturnURL  string        `yaml:"return_url"`
	Method     string        `yaml:"method"`
	OrderTTL   time.Duration `yaml:"order_ttl"`
}

// RateLimitConfig configures per-key request limits.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// ResolveConfigPath picks the config path from the flag, the environment, or the default.
func ResolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(ConfigPathEnv))
	}
	if path == "" {
		path = DefaultConfigFile
	}
	if abs, errAbs := filepath.Abs(path); errAbs == nil {
		return abs
	}
	return path
}

// Load reads and parses the config file, applying defaults.
func Load(path string) (*Config, error) {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}
	cfg := &Config{}
	if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}
	cfg.ApplyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// LoadDatabaseDSN reads only the database DSN from a config file.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return "", errLoad
	}
	return cfg.Database.DSN, nil
}

// LoadJWTConfig reads only the JWT section from a config file.
func LoadJWTConfig(path string) (JWTConfig, error) {
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return JWTConfig{}, errLoad
	}
	return cfg.JWT, nil
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.SlowQuery <= 0 {
		c.Database.SlowQuery = time.Second
	}
	if c.JWT.Expiry <= 0 {
		c.JWT.Expiry = 7 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Upstream.HealthInterval <= 0 {
		c.Upstream.HealthInterval = time.Minute
	}
	if c.Upstream.ProbeTimeout <= 0 {
		c.Upstream.ProbeTimeout = 10 * time.Second
	}
	if c.Upstream.FailureThreshold <= 0 {
		c.Upstream.FailureThreshold = 3
	}
	if c.Upstream.MaxRetries <= 0 {
		c.Upstream.MaxRetries = 3
	}
	if c.Upstream.RequestTimeout <= 0 {
		c.Upstream.RequestTimeout = 120 * time.Second
	}
	if c.Upstream.ProbeConcurrency <= 0 {
		c.Upstream.ProbeConcurrency = 5
	}
	if c.Billing.Timezone == "" {
		c.Billing.Timezone = "Asia/Shanghai"
	}
	if c.Billing.ExpirySchedule == "" {
		c.Billing.ExpirySchedule = "@every 1m"
	}
	if c.Payment.Method == "" {
		c.Payment.Method = "epay"
	}
	if c.Payment.OrderTTL <= 0 {
		c.Payment.OrderTTL = 24 * time.Hour
	}
}

// Validate reports configuration errors that prevent startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database.dsn is required")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("config: jwt.secret is required")
	}
	if c.Payment.Enabled {
		if c.Payment.PID == "" || c.Payment.Key == "" || c.Payment.GatewayURL == "" {
			return errors.New("config: payment.pid, payment.key and payment.gateway_url are required when payment is enabled")
		}
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
