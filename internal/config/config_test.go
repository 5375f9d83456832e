package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/rekberd_test?sslmode=disable")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.App.Env)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, time.Minute, cfg.Scheduler.AutoReleaseEvery)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.ReconcileWindow)
	assert.Equal(t, 5*time.Minute, cfg.Midtrans.TimestampWindow)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadFileThenEnv(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "rekberd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  env: staging
http:
  addr: ":9090"
redis:
  host: cache.internal
`), 0o600))

	// Environment beats the file.
	t.Setenv("REKBERD_HTTP_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.App.Env)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr())
}

func TestEnvSecretPassthrough(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MIDTRANS_SERVER_KEY", "SB-Mid-server-abc")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, EnvProduction, cfg.App.Env)
	assert.Equal(t, "SB-Mid-server-abc", cfg.Midtrans.ServerKey)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			App:      AppConfig{Env: EnvDevelopment},
			HTTP:     HTTPConfig{Addr: ":8080"},
			Database: DatabaseConfig{URL: "postgres://localhost/db"},
			Auth:     AuthConfig{JWTSecret: "s"},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad env", mutate: func(c *Config) { c.App.Env = "qa" }, wantErr: ErrInvalidEnv},
		{name: "no database", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: ErrMissingDatabaseURL},
		{name: "no jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: ErrMissingJWTSecret},
		{name: "production needs midtrans key", mutate: func(c *Config) { c.App.Env = EnvProduction }, wantErr: ErrMissingServerKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	setRequiredEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
