package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage6/vantage6-sub005/internal/bus"
	"github.com/vantage6/vantage6-sub005/internal/database"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithSecret(t *testing.T) {
	t.Setenv("VANTAGE6_JWT_SECRET", "env-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, database.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, bus.BackendMemory, cfg.Bus.Backend)
	assert.Equal(t, "env-secret", cfg.JWT.Secret)
	assert.Equal(t, 6*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, "rsa", cfg.Crypto.Provider)
	assert.Equal(t, 30*time.Second, cfg.Liveness.OnlineCheckTimeout)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
database:
  driver: postgres
  dsn: "host=db user=v6 dbname=vantage6"
bus:
  backend: redis
  redis_addr: "redis:6379"
jwt:
  secret: "file-secret"
  ttl: 2h
crypto:
  provider: none
liveness:
  online_check_timeout: 45s
log:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, database.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, bus.BackendRedis, cfg.Bus.Backend)
	assert.Equal(t, "redis:6379", cfg.Bus.RedisAddr)
	assert.Equal(t, "file-secret", cfg.JWT.Secret)
	assert.Equal(t, 2*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, "none", cfg.Crypto.Provider)
	assert.Equal(t, 45*time.Second, cfg.Liveness.OnlineCheckTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
jwt:
  secret: "file-secret"
`)
	t.Setenv("VANTAGE6_SERVER_ADDR", ":9999")
	t.Setenv("VANTAGE6_JWT_TTL", "90m")
	t.Setenv("VANTAGE6_CRYPTO_PROVIDER", "none")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 90*time.Minute, cfg.JWT.TTL)
	assert.Equal(t, "none", cfg.Crypto.Provider)
	assert.Equal(t, "file-secret", cfg.JWT.Secret, "file values survive when no env override exists")
}

func TestValidate(t *testing.T) {
	base := Default()
	base.JWT.Secret = "s"

	t.Run("missing secret", func(t *testing.T) {
		cfg := Default()
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad crypto provider", func(t *testing.T) {
		cfg := base
		cfg.Crypto.Provider = "vault"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rsa without key path", func(t *testing.T) {
		cfg := base
		cfg.Crypto.Provider = "rsa"
		cfg.Crypto.PrivateKeyPath = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base.Validate())
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
