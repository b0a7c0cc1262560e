// Package config loads layered configuration (defaults, file, environment)
// for the query service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence for the audit sink and principal store.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// RedisConfig controls the optional distributed ledger backing store.
type RedisConfig struct {
	Enabled bool   `json:"enabled" env:"LEDGER_REDIS_ENABLED"`
	Addr    string `json:"addr" env:"LEDGER_REDIS_ADDR"`
	DB      int    `json:"db" env:"LEDGER_REDIS_DB"`
}

// RateLimitConfig controls the outer HTTP admission throttle, independent of
// the epsilon budget ledger.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `json:"burst" env:"RATE_LIMIT_BURST"`
}

// ColumnSpec configures one queryable column's declared bounds.
type ColumnSpec struct {
	Name string  `json:"name" yaml:"name"`
	Kind string  `json:"kind" yaml:"kind"` // numeric | categorical
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

// PrivacyConfig controls the mechanism engine, planner, and budget ledger.
type PrivacyConfig struct {
	Columns                []ColumnSpec `json:"columns" yaml:"columns"`
	DefaultTotalBudget      float64      `json:"default_total_budget" yaml:"default_total_budget" env:"PRIVACY_DEFAULT_TOTAL_BUDGET"`
	DefaultWarningThreshold float64      `json:"default_warning_threshold" yaml:"default_warning_threshold" env:"PRIVACY_DEFAULT_WARNING_THRESHOLD"`
	EpsilonMin              float64      `json:"epsilon_min" yaml:"epsilon_min" env:"PRIVACY_EPSILON_MIN"`
	EpsilonMax              float64      `json:"epsilon_max" yaml:"epsilon_max" env:"PRIVACY_EPSILON_MAX"`
	ExponentialCandidates   int          `json:"exponential_candidates" yaml:"exponential_candidates" env:"PRIVACY_EXPONENTIAL_CANDIDATES"`
	ReservationTimeout      int          `json:"reservation_timeout_seconds" yaml:"reservation_timeout_seconds" env:"PRIVACY_RESERVATION_TIMEOUT_SECONDS"`
	ExposeNoiseDelta        bool         `json:"expose_noise_delta" yaml:"expose_noise_delta" env:"PRIVACY_EXPOSE_NOISE_DELTA"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Logging   LoggingConfig   `json:"logging"`
	Redis     RedisConfig     `json:"redis"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Privacy   PrivacyConfig   `json:"privacy"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
		Privacy: PrivacyConfig{
			DefaultTotalBudget:      10.0,
			DefaultWarningThreshold: 2.0,
			EpsilonMin:              0.0,
			EpsilonMax:              5.0,
			ExponentialCandidates:   100,
			ReservationTimeout:      30,
			ExposeNoiseDelta:        false,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride aligns config loading with cmd/queryserver: DATABASE_URL
// overrides any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (p *PrivacyConfig) normalize() {
	if p == nil {
		return
	}
	if p.DefaultTotalBudget <= 0 {
		p.DefaultTotalBudget = 10.0
	}
	if p.EpsilonMax <= 0 {
		p.EpsilonMax = 5.0
	}
	if p.ExponentialCandidates <= 0 {
		p.ExponentialCandidates = 100
	}
	if p.ReservationTimeout <= 0 {
		p.ReservationTimeout = 30
	}
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Privacy.normalize()
}
