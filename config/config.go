// Package config loads the server configuration: defaults first, then an
// optional YAML file, then VANTAGE6_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vantage6/vantage6-sub005/internal/bus"
	"github.com/vantage6/vantage6-sub005/internal/database"
	"github.com/vantage6/vantage6-sub005/internal/server"
	"github.com/vantage6/vantage6-sub005/internal/telemetry"
)

// envPrefix is prepended to every environment override, e.g.
// VANTAGE6_SERVER_ADDR or VANTAGE6_DATABASE_DSN.
const envPrefix = "VANTAGE6"

// Config is the complete server configuration.
type Config struct {
	Server    server.Config    `yaml:"server"`
	Database  database.Config  `yaml:"database"`
	Bus       bus.Config       `yaml:"bus"`
	JWT       JWTConfig        `yaml:"jwt"`
	Crypto    CryptoConfig     `yaml:"crypto"`
	Liveness  LivenessConfig   `yaml:"liveness"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// JWTConfig describes token verification and issuing.
type JWTConfig struct {
	// Secret is the HS256 signing secret shared with token issuers.
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	TTL      time.Duration `yaml:"ttl"`
}

// CryptoConfig selects the encryption provider. The choice is explicit
// configuration, never inferred from the presence of a key file.
type CryptoConfig struct {
	// Provider is "rsa" or "none".
	Provider       string `yaml:"provider"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// LivenessConfig tunes the node online-check.
type LivenessConfig struct {
	OnlineCheckTimeout time.Duration `yaml:"online_check_timeout"`
}

// LogConfig describes the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: server.DefaultConfig(),
		Database: database.Config{
			Driver: database.DriverSQLite,
			DSN:    "vantage6.db",
			Pool:   database.DefaultPoolConfig(),
		},
		Bus: bus.Config{
			Backend:   bus.BackendMemory,
			RedisAddr: "localhost:6379",
		},
		JWT: JWTConfig{
			Issuer: "vantage6",
			TTL:    6 * time.Hour,
		},
		Crypto: CryptoConfig{
			Provider:       "rsa",
			PrivateKeyPath: "private_key.pem",
		},
		Liveness: LivenessConfig{
			OnlineCheckTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName: "vantage6-server",
			SampleRate:  1.0,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// non-empty), and environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(reflect.ValueOf(&cfg).Elem(), envPrefix)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	switch c.Crypto.Provider {
	case "rsa", "none":
	default:
		return fmt.Errorf("crypto.provider must be \"rsa\" or \"none\", got %q", c.Crypto.Provider)
	}
	if c.Crypto.Provider == "rsa" && c.Crypto.PrivateKeyPath == "" {
		return fmt.Errorf("crypto.private_key_path is required with the rsa provider")
	}
	return nil
}

// applyEnvOverrides walks the config struct and overrides leaf fields from
// environment variables named after their yaml tag path, uppercased and
// joined with underscores.
func applyEnvOverrides(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + "_" + strings.ToUpper(tag)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			applyEnvOverrides(field, name)
			continue
		}

		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		setField(field, raw)
	}
}

func setField(field reflect.Value, raw string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(raw); err == nil {
				field.SetInt(int64(d))
			}
			return
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			field.SetFloat(f)
		}
	}
}
