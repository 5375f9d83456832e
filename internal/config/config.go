// Package config loads the rekberd configuration in priority order:
// defaults, then the optional config file, then environment variables with
// the REKBERD_ prefix. A handful of deployment secrets are also read from
// their conventional unprefixed names.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Environment names accepted for app.env.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

var (
	ErrMissingDatabaseURL = errors.New("database url is required")
	ErrMissingJWTSecret   = errors.New("jwt secret is required")
	ErrMissingServerKey   = errors.New("midtrans server key is required")
	ErrInvalidEnv         = errors.New("app env must be development, staging or production")
)

// Config is the full runtime configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Midtrans   MidtransConfig   `mapstructure:"midtrans"`
	Withdrawal WithdrawalConfig `mapstructure:"withdrawal"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis host was configured. Without one the
// idempotency cache falls back to the in-process store.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// Addr is the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AuthConfig struct {
	JWTSecret        string `mapstructure:"jwt_secret"`
	JWTRefreshSecret string `mapstructure:"jwt_refresh_secret"`
	MFAEncryptionKey string `mapstructure:"mfa_encryption_key"`
}

type MidtransConfig struct {
	ServerKey       string        `mapstructure:"server_key"`
	DisbursementKey string        `mapstructure:"disbursement_key"`
	TimestampWindow time.Duration `mapstructure:"timestamp_window"`
}

type WithdrawalConfig struct {
	// MaxBatch bounds how many rows scheduler sweeps touch per tick.
	MaxBatch int `mapstructure:"max_batch"`
}

type SchedulerConfig struct {
	AutoReleaseEvery  time.Duration `mapstructure:"auto_release_every"`
	WebhookRetryEvery time.Duration `mapstructure:"webhook_retry_every"`
	LimitResetEvery   time.Duration `mapstructure:"limit_reset_every"`
	ReconcileEvery    time.Duration `mapstructure:"reconcile_every"`
	ReconcileWindow   time.Duration `mapstructure:"reconcile_window"`
}

// Validate checks the configuration for a runnable deployment.
func Validate(cfg *Config) error {
	switch cfg.App.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEnv, cfg.App.Env)
	}
	if cfg.Database.URL == "" {
		return ErrMissingDatabaseURL
	}
	if cfg.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if cfg.App.Env == EnvProduction && cfg.Midtrans.ServerKey == "" {
		return ErrMissingServerKey
	}
	if cfg.HTTP.Addr == "" {
		return errors.New("http addr is required")
	}
	return nil
}
