// Package config loads service settings from .env, an optional YAML file and
// the environment, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	// Store selects the persistence backend: memory or postgres.
	Store string `yaml:"store"`

	Database  Database  `yaml:"database"`
	Redis     Redis     `yaml:"redis"`
	Settle    Settle    `yaml:"settle"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Telemetry Telemetry `yaml:"telemetry"`

	DTMServer     string `yaml:"dtm_server"`
	ServiceURL    string `yaml:"service_url"`
	OpsWebhookURL string `yaml:"ops_webhook_url"`
}

type Database struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	MaxConns int32  `yaml:"max_conns"`
}

// DSN builds the postgres connection string.
func (d Database) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Redis configures the cross-instance account lock. An empty Addr keeps the lock in-process.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type Settle struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	OrderRetries int           `yaml:"order_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type Telemetry struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Defaults returns the development configuration.
func Defaults() *Config {
	return &Config{
		Port:     "8080",
		Env:      "development",
		LogLevel: "info",
		Store:    "memory",
		Database: Database{
			Host:     "localhost",
			Port:     "5432",
			User:     "root",
			Password: "pass",
			Name:     "checkout_db",
			MaxConns: 10,
		},
		Redis: Redis{LockTTL: 10 * time.Second},
		Settle: Settle{
			MaxAttempts:  3,
			OrderRetries: 3,
			RetryBackoff: 50 * time.Millisecond,
		},
		RateLimit: RateLimit{RPS: 5, Burst: 10},
		Telemetry: Telemetry{
			Endpoint:    "localhost:4318",
			ServiceName: "checkout-service",
		},
		ServiceURL: "http://localhost:8080",
	}
}

// Load reads .env, then the YAML file named by CHECKOUT_CONFIG, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file found, relying on system environment variables")
	}

	cfg := Defaults()
	if path := os.Getenv("CHECKOUT_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Store = getEnv("STORE", c.Store)

	c.Database.Host = getEnv("DATABASE_HOST", c.Database.Host)
	c.Database.Port = getEnv("DATABASE_PORT", c.Database.Port)
	c.Database.User = getEnv("DATABASE_USER", c.Database.User)
	c.Database.Password = getEnv("DATABASE_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DATABASE_NAME", c.Database.Name)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.DTMServer = getEnv("DTM_SERVER", c.DTMServer)
	c.ServiceURL = getEnv("SERVICE_URL", c.ServiceURL)
	c.OpsWebhookURL = getEnv("OPS_WEBHOOK_URL", c.OpsWebhookURL)
	c.Telemetry.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.ServiceName = getEnv("SERVICE_NAME", c.Telemetry.ServiceName)

	var errs []error
	maxConns, err := getInt("DATABASE_MAX_CONNS", int(c.Database.MaxConns))
	errs = append(errs, err)
	c.Database.MaxConns = int32(maxConns)
	c.Redis.DB, err = getInt("REDIS_DB", c.Redis.DB)
	errs = append(errs, err)
	c.Redis.LockTTL, err = getDuration("LOCK_TTL", c.Redis.LockTTL)
	errs = append(errs, err)
	c.Settle.MaxAttempts, err = getInt("SETTLE_MAX_ATTEMPTS", c.Settle.MaxAttempts)
	errs = append(errs, err)
	c.Settle.OrderRetries, err = getInt("SETTLE_ORDER_RETRIES", c.Settle.OrderRetries)
	errs = append(errs, err)
	c.Settle.RetryBackoff, err = getDuration("SETTLE_RETRY_BACKOFF", c.Settle.RetryBackoff)
	errs = append(errs, err)
	c.RateLimit.RPS, err = getFloat("RATE_LIMIT_RPS", c.RateLimit.RPS)
	errs = append(errs, err)
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", c.RateLimit.Burst)
	errs = append(errs, err)
	c.Telemetry.Enabled, err = getBool("OTEL_ENABLED", c.Telemetry.Enabled)
	errs = append(errs, err)
	return errors.Join(errs...)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	switch c.Store {
	case "memory":
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			errs = append(errs, errors.New("DATABASE_HOST and DATABASE_NAME are required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE must be memory or postgres, got %q", c.Store))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Settle.MaxAttempts < 1 {
		errs = append(errs, errors.New("SETTLE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Settle.OrderRetries < 0 {
		errs = append(errs, errors.New("SETTLE_ORDER_RETRIES must not be negative"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate limit values must not be negative"))
	}
	if c.DTMServer != "" && c.ServiceURL == "" {
		errs = append(errs, errors.New("SERVICE_URL is required when DTM_SERVER is set"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// ParseLevel maps a LOG_LEVEL value onto slog.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// NewLogger builds the service logger: JSON in production, text elsewhere.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
