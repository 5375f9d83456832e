package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration in priority order: defaults, then the config
// file at path (optional, empty skips), then REKBERD_-prefixed environment
// variables. Conventional unprefixed secrets override last.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("REKBERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", EnvDevelopment)
	v.SetDefault("app.log_level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "20s")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("midtrans.timestamp_window", "5m")

	v.SetDefault("withdrawal.max_batch", 100)

	v.SetDefault("scheduler.auto_release_every", "1m")
	v.SetDefault("scheduler.webhook_retry_every", "15m")
	v.SetDefault("scheduler.limit_reset_every", "1h")
	v.SetDefault("scheduler.reconcile_every", "6h")
	v.SetDefault("scheduler.reconcile_window", "6h")
}

// applyEnvOverrides reads the deployment secrets platforms conventionally
// inject under unprefixed names.
func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, names ...string) {
		for _, name := range names {
			if val := os.Getenv(name); val != "" {
				*dst = val
				return
			}
		}
	}
	set(&cfg.Database.URL, "DATABASE_URL")
	set(&cfg.Redis.Host, "REDIS_HOST")
	set(&cfg.Redis.Password, "REDIS_PASSWORD")
	set(&cfg.Auth.JWTSecret, "JWT_SECRET")
	set(&cfg.Auth.JWTRefreshSecret, "JWT_REFRESH_SECRET")
	set(&cfg.Auth.MFAEncryptionKey, "MFA_ENCRYPTION_KEY")
	set(&cfg.Midtrans.ServerKey, "MIDTRANS_SERVER_KEY")
	set(&cfg.Midtrans.DisbursementKey, "MIDTRANS_DISBURSEMENT_KEY")
	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.App.Env = env
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			cfg.Redis.Port = p
		}
	}
}
