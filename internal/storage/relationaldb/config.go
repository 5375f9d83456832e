package relationaldb

import (
	"time"
)

// Config holds connection settings for the relational backend.
type Config struct {
	// DSN is the postgres connection string (DATABASE_URL).
	DSN    string
	Driver string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	DefaultTimeout  time.Duration
}

// DefaultConfig returns production defaults for the connection pool.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		Driver:          "postgres",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		DefaultTimeout:  10 * time.Second,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return ErrMissingDSN
	}
	if c.Driver != "postgres" {
		return ErrInvalidDriver
	}
	if c.MaxOpenConns < 0 {
		return ErrInvalidMaxOpenConns
	}
	if c.MaxIdleConns < 0 {
		return ErrInvalidMaxIdleConns
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return ErrMaxIdleExceedsMaxOpen
	}
	if c.DefaultTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.ConnMaxLifetime < 0 {
		return ErrInvalidConnMaxLifetime
	}
	return nil
}
