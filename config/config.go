/*
Package config loads service configuration.

PURPOSE:
  One Config value drives the server, the storage backend and the engine.

LOAD ORDER (later wins):
  1. Defaults()
  2. .env next to the config file, then in the working directory
     (existing environment variables are never overwritten)
  3. YAML file, with ${VAR} expansion
  4. COUPON_* environment overrides

ENVIRONMENT:
  COUPON_ADDR, COUPON_STORAGE_DRIVER, COUPON_SQLITE_PATH,
  COUPON_POSTGRES_DSN, COUPON_TIMEZONE, COUPON_LOG_LEVEL, COUPON_LOG_FORMAT
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/coupon-quota/coupon"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Storage StorageConfig  `yaml:"storage"`
	Engine  EngineConfig   `yaml:"engine"`
	Log     LogConfig      `yaml:"log"`
	Coupons []coupon.Quota `yaml:"coupons"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type EngineConfig struct {
	Timezone string      `yaml:"timezone"`
	Retry    RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Defaults() Config {
	p := coupon.DefaultRetryPolicy()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			SQLite: SQLiteConfig{Path: "coupons.db"},
		},
		Engine: EngineConfig{
			Timezone: "UTC",
			Retry: RetryConfig{
				MaxAttempts:     p.MaxAttempts,
				InitialInterval: p.InitialInterval,
				MaxInterval:     p.MaxInterval,
			},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config. An empty path skips the YAML step.
func Load(path string) (Config, error) {
	cfg := Defaults()

	loadDotEnv(path)

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotEnv ignores missing files; godotenv never overwrites set variables.
func loadDotEnv(configPath string) {
	var candidates []string
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			candidates = append(candidates, filepath.Join(filepath.Dir(abs), ".env"))
		}
	}
	candidates = append(candidates, ".env")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString(&c.Server.Addr, "COUPON_ADDR")
	setString(&c.Storage.Driver, "COUPON_STORAGE_DRIVER")
	setString(&c.Storage.SQLite.Path, "COUPON_SQLITE_PATH")
	setString(&c.Storage.Postgres.DSN, "COUPON_POSTGRES_DSN")
	setString(&c.Engine.Timezone, "COUPON_TIMEZONE")
	setString(&c.Log.Level, "COUPON_LOG_LEVEL")
	setString(&c.Log.Format, "COUPON_LOG_FORMAT")
}

func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be one of memory, sqlite, postgres", c.Storage.Driver))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.Retry.MaxAttempts == 0 {
		errs = append(errs, errors.New("engine.retry.max_attempts must be at least 1"))
	}

	seen := make(map[string]bool, len(c.Coupons))
	for i, q := range c.Coupons {
		if err := q.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("coupons[%d]: %w", i, err))
		}
		if seen[q.Code] {
			errs = append(errs, fmt.Errorf("coupons[%d]: code %q listed twice", i, q.Code))
		}
		seen[q.Code] = true
	}

	return errors.Join(errs...)
}

// Location resolves engine.timezone; empty means UTC.
func (c Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("engine.timezone: %w", err)
	}
	return loc, nil
}

func (c Config) RetryPolicy() coupon.RetryPolicy {
	return coupon.RetryPolicy{
		MaxAttempts:     c.Engine.Retry.MaxAttempts,
		InitialInterval: c.Engine.Retry.InitialInterval,
		MaxInterval:     c.Engine.Retry.MaxInterval,
	}
}
